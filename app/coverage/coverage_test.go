package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, whitelist, correlated []string) string {
	t.Helper()
	cfg := map[string]any{
		"exchange": map[string]any{"pair_whitelist": whitelist},
		"freqai": map[string]any{
			"feature_parameters": map[string]any{"include_corr_pairlist": correlated},
		},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestCheckAllCovered(t *testing.T) {
	cfg := writeConfig(t, []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}, nil)

	var gotPairsFile string
	c := &Checker{
		ConfigPath: cfg,
		Timeframes: []string{"5m", "1h"},
		WarmupDays: 45,
		ListData: func(_ context.Context, _, pairsFile string, _ []string) (string, error) {
			gotPairsFile = pairsFile
			return `2024-01-10 10:00:00 - INFO - loading data
BTC/USDT:USDT, futures, 5m, data starts at 2023-01-01 00:00:00
BTC/USDT:USDT, futures, 1h, data starts at 2023-01-01 00:00:00
ETH/USDT:USDT, futures, 5m, data starts at 2023-06-01 00:00:00
ETH/USDT:USDT, futures, 1h, data starts at 2023-06-01 00:00:00
`, nil
		},
	}

	gaps, err := c.Check(context.Background(), "20240101-20250930")
	require.NoError(t, err)
	assert.Empty(t, gaps)
	assert.NotEmpty(t, gotPairsFile, "pairs file passed to list-data")
}

func TestCheckLateStartAndMissing(t *testing.T) {
	cfg := writeConfig(t, []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}, nil)

	c := &Checker{
		ConfigPath: cfg,
		Timeframes: []string{"5m"},
		WarmupDays: 45,
		ListData: func(context.Context, string, string, []string) (string, error) {
			// BTC starts after 2024-01-01 minus 45 days, ETH absent entirely
			return "BTC/USDT:USDT, futures, 5m, data starts at 2023-12-15 00:00:00\n", nil
		},
	}

	gaps, err := c.Check(context.Background(), "20240101-20250930")
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, Gap{Pair: "BTC/USDT:USDT", Timeframe: "5m", StartsAt: "2023-12-15"}, gaps[0])
	assert.Equal(t, Gap{Pair: "ETH/USDT:USDT", Timeframe: "5m", StartsAt: "no-data"}, gaps[1])
	assert.Contains(t, gaps[1].String(), "no-data")
}

func TestCheckBoundary(t *testing.T) {
	cfg := writeConfig(t, []string{"BTC/USDT:USDT"}, nil)

	c := &Checker{
		ConfigPath: cfg,
		Timeframes: []string{"5m"},
		WarmupDays: 45,
		ListData: func(context.Context, string, string, []string) (string, error) {
			// exactly at the required minimum 2023-11-17, not a gap
			return "BTC/USDT:USDT, futures, 5m, data starts at 2023-11-17 00:00:00\n", nil
		},
	}

	gaps, err := c.Check(context.Background(), "20240101-")
	require.NoError(t, err)
	assert.Empty(t, gaps, "start equal to required minimum passes")
}

func TestCheckIncludesCorrelated(t *testing.T) {
	cfg := writeConfig(t, []string{"BTC/USDT:USDT"}, []string{"ETH/USDT:USDT"})

	c := &Checker{
		ConfigPath: cfg,
		Timeframes: []string{"5m"},
		ListData: func(context.Context, string, string, []string) (string, error) {
			return "", nil
		},
	}

	gaps, err := c.Check(context.Background(), "20240101-20250930")
	require.NoError(t, err)
	require.Len(t, gaps, 2, "correlated pairs are checked too")
}

func TestCheckBadTimerange(t *testing.T) {
	cfg := writeConfig(t, []string{"BTC/USDT:USDT"}, nil)
	c := &Checker{ConfigPath: cfg, ListData: func(context.Context, string, string, []string) (string, error) {
		return "", nil
	}}
	_, err := c.Check(context.Background(), "last-month")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timerange")
}

func TestCheckListDataFailure(t *testing.T) {
	cfg := writeConfig(t, []string{"BTC/USDT:USDT"}, nil)
	c := &Checker{ConfigPath: cfg, ListData: func(context.Context, string, string, []string) (string, error) {
		return "", fmt.Errorf("exit status 2")
	}}
	_, err := c.Check(context.Background(), "20240101-20250930")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list-data failed")
}

func TestParseStarts(t *testing.T) {
	out := `
2024-01-10 10:00:00 - freqtrade - INFO - Using config: user_data/config.json
| BTC/USDT:USDT, futures, 5m, data starts at 2023-01-02 00:00:00 |
garbage line without the marker
SOL/USDT:USDT, futures, 15m, data starts at 2024-02-29 08:00:00
`
	starts := parseStarts(out)
	require.Len(t, starts, 2)
	assert.Equal(t, "2023-01-02", starts["BTC/USDT:USDT|5m"].Format("2006-01-02"))
	assert.Equal(t, "2024-02-29", starts["SOL/USDT:USDT|15m"].Format("2006-01-02"))
}
