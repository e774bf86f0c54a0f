// Package conf loads the trainn YAML config file covering everything that is
// not a per-run CLI knob: compose stack, freqtrade config location, VM
// provisioning, artifact packaging and the preflight resource gate.
package conf

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full trainn.yml document
type Config struct {
	ComposeFile     string `yaml:"compose_file" json:"compose_file" jsonschema:"description=docker compose file with the training service"`
	Service         string `yaml:"service" json:"service" jsonschema:"description=compose service name to run"`
	FreqtradeConfig string `yaml:"freqtrade_config" json:"freqtrade_config" jsonschema:"description=host path to the freqtrade config with the pair whitelist"`
	OverlayDir      string `yaml:"overlay_dir" json:"overlay_dir" jsonschema:"description=host dir for per-pair overlay configs"`
	Timerange       string `yaml:"timerange" json:"timerange" jsonschema:"description=default backtest timerange YYYYMMDD-YYYYMMDD"`

	Provision Provision `yaml:"provision" json:"provision"`
	Artifacts Artifacts `yaml:"artifacts" json:"artifacts"`
	Preflight Preflight `yaml:"preflight" json:"preflight"`
}

// Provision describes the training VM bootstrap
type Provision struct {
	CreateCmd       string   `yaml:"create_cmd" json:"create_cmd,omitempty" jsonschema:"description=cloud CLI command creating the instance"`
	Host            string   `yaml:"host" json:"host,omitempty"`
	Port            int      `yaml:"port" json:"port,omitempty"`
	User            string   `yaml:"user" json:"user,omitempty"`
	KeyFile         string   `yaml:"key_file" json:"key_file,omitempty"`
	BootstrapScript string   `yaml:"bootstrap_script" json:"bootstrap_script,omitempty" jsonschema:"description=script executed on the VM once the package manager is usable"`
	AptLockTimeout  Duration `yaml:"apt_lock_timeout" json:"apt_lock_timeout,omitempty" jsonschema:"description=max wait for apt/dpkg locks on a fresh VM"`
	AptLockInterval Duration `yaml:"apt_lock_interval" json:"apt_lock_interval,omitempty" jsonschema:"description=poll interval for the lock check"`
	ForceUnlock     bool     `yaml:"force_unlock" json:"force_unlock,omitempty" jsonschema:"description=destructive: remove lock files after the timeout instead of aborting"`
}

// Artifacts describes packaging of trained models and logs
type Artifacts struct {
	ModelsDir string `yaml:"models_dir" json:"models_dir,omitempty" jsonschema:"description=host dir with per-identifier model directories"`
	LogsDir   string `yaml:"logs_dir" json:"logs_dir,omitempty"`
	OutputDir string `yaml:"output_dir" json:"output_dir,omitempty" jsonschema:"description=where tar.gz archives are written"`
	PushTo    string `yaml:"push_to" json:"push_to,omitempty" jsonschema:"description=optional rsync destination for archives, e.g. user@edge:/opt/models"`
}

// Preflight gates the training fan-out on host resources, zero values disable checks
type Preflight struct {
	CPUBelow      *int     `yaml:"cpu_below" json:"cpu_below,omitempty" jsonschema:"description=max cpu usage percent allowed before starting"`
	MemoryBelow   *int     `yaml:"memory_below" json:"memory_below,omitempty"`
	LoadAvgBelow  *float64 `yaml:"load_avg_below" json:"load_avg_below,omitempty"`
	DiskFreeAbove *int     `yaml:"disk_free_above" json:"disk_free_above,omitempty"`
	DiskFreePath  string   `yaml:"disk_free_path" json:"disk_free_path,omitempty"`
	MaxWait       Duration `yaml:"max_wait" json:"max_wait,omitempty" jsonschema:"description=how long to postpone the run waiting for conditions"`
	CheckInterval Duration `yaml:"check_interval" json:"check_interval,omitempty"`
	OnTimeout     string   `yaml:"on_timeout" json:"on_timeout,omitempty" jsonschema:"enum=proceed,enum=abort,description=what to do when max_wait expires with conditions still unmet"`
}

// preflight timeout policies
const (
	OnTimeoutProceed = "proceed"
	OnTimeoutAbort   = "abort"
)

// Duration adds yaml string parsing ("30s", "10m") to time.Duration
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// V returns the underlying time.Duration
func (d Duration) V() time.Duration { return time.Duration(d) }

// Load reads and verifies trainn.yml, filling defaults for omitted fields.
// A missing file is fine, the defaults describe the standard repo layout.
func Load(path string) (*Config, error) {
	res := defaults()
	data, err := os.ReadFile(path) // nolint gosec // operator-provided path
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return nil, fmt.Errorf("can't read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("can't parse config %s: %w", path, err)
	}
	if err := Verify(res); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return res, nil
}

func defaults() *Config {
	return &Config{
		ComposeFile:     "docker/docker-compose.train.cpu.x86.yml",
		Service:         "freqai-train-cpu-x86",
		FreqtradeConfig: "user_config/config.json",
		OverlayDir:      "user_data",
		Timerange:       "20240101-20250930",
		Provision: Provision{
			Port:            22,
			User:            "ubuntu",
			AptLockTimeout:  Duration(10 * time.Minute),
			AptLockInterval: Duration(5 * time.Second),
		},
		Artifacts: Artifacts{
			ModelsDir: "user_data/models",
			LogsDir:   "user_data/logs",
			OutputDir: "artifacts",
		},
		Preflight: Preflight{
			DiskFreePath:  "/",
			CheckInterval: Duration(30 * time.Second),
			OnTimeout:     OnTimeoutProceed,
		},
	}
}
