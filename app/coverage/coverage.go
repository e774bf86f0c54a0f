// Package coverage verifies downloaded OHLCV history reaches back far enough
// to cover a training timerange plus the feature warmup buffer. It shells out
// to the trading CLI's list-data command and parses the reported start dates.
package coverage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/freqops/trainn/app/pairs"
)

// line shape: "BTC/USDT:USDT, futures, 5m, data starts at 2023-11-01 00:00:00"
var startLineRe = regexp.MustCompile(`(?i)^(?P<pair>[^,]+),\s*(?P<trading>[^,]+),\s*(?P<tf>[^,]+),\s*data starts at (?P<start>\d{4}-\d{2}-\d{2})`)

// Gap is one pair/timeframe with insufficient history
type Gap struct {
	Pair      string
	Timeframe string
	StartsAt  string // YYYY-MM-DD, or "no-data" when the CLI reported nothing
}

func (g Gap) String() string {
	return fmt.Sprintf("%s %s: starts at %s", g.Pair, g.Timeframe, g.StartsAt)
}

// Checker runs the coverage check against local candle data
type Checker struct {
	ConfigPath string   // freqtrade config with the pair whitelist
	Timeframes []string // defaults to 5m, 15m, 1h
	WarmupDays int      // defaults to 45
	ListData   func(ctx context.Context, configPath, pairsFile string, timeframes []string) (string, error)
}

// Check returns the pairs/timeframes whose data starts too late for the given
// timerange. An empty result means coverage is sufficient.
func (c *Checker) Check(ctx context.Context, timerange string) ([]Gap, error) {
	pp, err := pairs.FromConfigWithCorrelated(c.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("can't read pairs: %w", err)
	}

	timeframes := c.Timeframes
	if len(timeframes) == 0 {
		timeframes = []string{"5m", "15m", "1h"}
	}
	warmup := c.WarmupDays
	if warmup <= 0 {
		warmup = 45
	}

	trStart, err := timerangeStart(timerange)
	if err != nil {
		return nil, err
	}
	requiredMin := trStart.AddDate(0, 0, -warmup)
	log.Printf("[INFO] checking data coverage for %d pairs, required start %s",
		len(pp), requiredMin.Format("2006-01-02"))

	pairsFile, err := writePairsFile(pp)
	if err != nil {
		return nil, err
	}
	defer os.Remove(pairsFile) //nolint:errcheck // temp file

	listData := c.ListData
	if listData == nil {
		listData = runListData
	}
	out, err := listData(ctx, c.ConfigPath, pairsFile, timeframes)
	if err != nil {
		return nil, fmt.Errorf("list-data failed: %w", err)
	}
	starts := parseStarts(out)

	var gaps []Gap
	for _, pair := range pp {
		for _, tf := range timeframes {
			start, ok := starts[pair+"|"+tf]
			if !ok {
				gaps = append(gaps, Gap{Pair: pair, Timeframe: tf, StartsAt: "no-data"})
				continue
			}
			if start.After(requiredMin) {
				gaps = append(gaps, Gap{Pair: pair, Timeframe: tf, StartsAt: start.Format("2006-01-02")})
			}
		}
	}
	return gaps, nil
}

// timerangeStart parses the start of "YYYYMMDD-YYYYMMDD" or "YYYYMMDD-"
func timerangeStart(tr string) (time.Time, error) {
	start, _, _ := strings.Cut(tr, "-")
	t, err := time.Parse("20060102", start)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timerange %q: %w", tr, err)
	}
	return t.UTC(), nil
}

// parseStarts extracts per pair/timeframe start dates from list-data output,
// keyed "pair|timeframe". Unparsable lines are skipped, the CLI mixes tables
// with log noise.
func parseStarts(output string) map[string]time.Time {
	starts := map[string]time.Time{}
	for _, line := range strings.Split(output, "\n") {
		m := startLineRe.FindStringSubmatch(strings.Trim(strings.TrimSpace(line), "| "))
		if m == nil {
			continue
		}
		pair := strings.TrimSpace(m[1])
		tf := strings.TrimSpace(m[3])
		start, err := time.Parse("2006-01-02", m[4])
		if err != nil {
			continue
		}
		starts[pair+"|"+tf] = start
	}
	return starts
}

func writePairsFile(pp []string) (string, error) {
	sorted := make([]string, len(pp))
	copy(sorted, pp)
	sort.Strings(sorted)

	fh, err := os.CreateTemp("", "pairs_*.json")
	if err != nil {
		return "", fmt.Errorf("can't make pairs file: %w", err)
	}
	defer fh.Close() //nolint:errcheck // error irrelevant after write check

	quoted := make([]string, len(sorted))
	for i, p := range sorted {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	if _, err = fmt.Fprintf(fh, "[%s]", strings.Join(quoted, ",")); err != nil {
		return "", fmt.Errorf("can't write pairs file: %w", err)
	}
	return fh.Name(), nil
}

// runListData invokes the trading CLI directly. Output goes through combined
// capture, the CLI logs to stderr and prints the table to stdout.
func runListData(ctx context.Context, configPath, pairsFile string, timeframes []string) (string, error) {
	args := []string{"list-data", "--trading-mode", "futures", "--config", configPath,
		"--pairs-file", pairsFile, "--timeframes"}
	args = append(args, timeframes...)
	args = append(args, "--show-timerange")

	cmd := exec.CommandContext(ctx, "freqtrade", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), err
	}
	return string(out), nil
}
