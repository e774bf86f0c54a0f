package trainer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCPUDevice(t *testing.T) {
	dir := t.TempDir()
	path, err := writeCPUDevice(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cpu-device.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"freqai":{"rl_config":{"hyperparams":{"device":"cpu"}}}}`, string(data))

	// existing file kept as is
	require.NoError(t, os.WriteFile(path, []byte(`{"custom": true}`), 0o600))
	_, err = writeCPUDevice(dir)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"custom": true}`, string(data))
}

func TestWritePerPairOverlays(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "overlays") // dir created on demand

	path, err := writeIdentifier(dir, "BTC_USDT_USDT", "dqn-BTC_USDT_USDT")
	require.NoError(t, err)
	assertJSONFile(t, path, `{"freqai":{"identifier":"dqn-BTC_USDT_USDT"}}`)

	path, err = writePairWhitelist(dir, "BTC_USDT_USDT", "BTC/USDT:USDT")
	require.NoError(t, err)
	assertJSONFile(t, path, `{"exchange":{"pair_whitelist":["BTC/USDT:USDT"]}}`)

	path, err = writeRewardDebug(dir, "BTC_USDT_USDT")
	require.NoError(t, err)
	assertJSONFile(t, path, `{"freqai":{"log_level":"DEBUG","rl_config":{"reward_kwargs":{"debug_log":true}}}}`)

	path, err = writeRestoreFalse(dir, "BTC_USDT_USDT")
	require.NoError(t, err)
	assertJSONFile(t, path, `{"freqai":{"restore_best_model":false}}`)
}

func assertJSONFile(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path) // nolint gosec
	require.NoError(t, err)
	require.True(t, json.Valid(data))
	assert.JSONEq(t, want, string(data))
}
