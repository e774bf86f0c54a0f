package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// overlay config files are tiny json documents layered on top of the main
// freqtrade config via repeated --config flags. One set per pair plus a shared
// cpu-device override, all written to the overlay dir mounted into the container.

func writeOverlay(dir, name string, payload any) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("can't make overlay dir %s: %w", dir, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("can't marshal overlay %s: %w", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil { // nolint gosec // consumed by the container
		return "", fmt.Errorf("can't write overlay %s: %w", path, err)
	}
	return path, nil
}

// writeCPUDevice writes the shared device override once, kept if already present
func writeCPUDevice(dir string) (string, error) {
	path := filepath.Join(dir, "cpu-device.json")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return writeOverlay(dir, "cpu-device.json", map[string]any{
		"freqai": map[string]any{"rl_config": map[string]any{"hyperparams": map[string]any{"device": "cpu"}}},
	})
}

func writeIdentifier(dir, safe, identifier string) (string, error) {
	return writeOverlay(dir, "id-"+safe+".json", map[string]any{
		"freqai": map[string]any{"identifier": identifier},
	})
}

func writePairWhitelist(dir, safe, pair string) (string, error) {
	return writeOverlay(dir, "pairs-"+safe+".json", map[string]any{
		"exchange": map[string]any{"pair_whitelist": []string{pair}},
	})
}

func writeRewardDebug(dir, safe string) (string, error) {
	return writeOverlay(dir, "reward-debug-"+safe+".json", map[string]any{
		"freqai": map[string]any{"log_level": "DEBUG", "rl_config": map[string]any{"reward_kwargs": map[string]any{"debug_log": true}}},
	})
}

// writeRestoreFalse disables checkpoint restore for fresh runs
func writeRestoreFalse(dir, safe string) (string, error) {
	return writeOverlay(dir, "restore-false-"+safe+".json", map[string]any{
		"freqai": map[string]any{"restore_best_model": false},
	})
}
