package conf

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:generate go run ./internal/schema

//go:embed schema.json
var embeddedSchemaData []byte

// Verify validates the config against the embedded JSON schema plus the
// constraints the schema can't express.
func Verify(cfg *Config) error {
	var schema map[string]any
	if err := json.Unmarshal(embeddedSchemaData, &schema); err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}

	if cfg.ComposeFile == "" {
		return fmt.Errorf("compose_file is required")
	}
	if cfg.Service == "" {
		return fmt.Errorf("service is required")
	}
	if cfg.FreqtradeConfig == "" {
		return fmt.Errorf("freqtrade_config is required")
	}

	if cfg.Provision.AptLockTimeout < 0 || cfg.Provision.AptLockInterval < 0 {
		return fmt.Errorf("provision lock timings can't be negative")
	}
	if cfg.Provision.AptLockInterval > 0 && cfg.Provision.AptLockTimeout > 0 &&
		cfg.Provision.AptLockInterval.V() > cfg.Provision.AptLockTimeout.V() {
		return fmt.Errorf("apt_lock_interval %v exceeds apt_lock_timeout %v",
			cfg.Provision.AptLockInterval.V(), cfg.Provision.AptLockTimeout.V())
	}

	for name, v := range map[string]*int{
		"preflight.cpu_below":       cfg.Preflight.CPUBelow,
		"preflight.memory_below":    cfg.Preflight.MemoryBelow,
		"preflight.disk_free_above": cfg.Preflight.DiskFreeAbove,
	} {
		if v != nil && (*v < 0 || *v > 100) {
			return fmt.Errorf("%s must be a percent in 0..100, got %d", name, *v)
		}
	}
	if cfg.Preflight.LoadAvgBelow != nil && *cfg.Preflight.LoadAvgBelow <= 0 {
		return fmt.Errorf("preflight.load_avg_below must be positive")
	}
	if v := cfg.Preflight.OnTimeout; v != "" && v != OnTimeoutProceed && v != OnTimeoutAbort {
		return fmt.Errorf("preflight.on_timeout must be %q or %q, got %q", OnTimeoutProceed, OnTimeoutAbort, v)
	}
	return nil
}
