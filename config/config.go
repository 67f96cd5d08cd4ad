// Package config defines the Custodian application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15m".
type Duration time.Duration

// Duration returns the standard library value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level Custodian configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Cycle     CycleConfig     `json:"cycle" yaml:"cycle"`
	Detectors DetectorConfig  `json:"detectors" yaml:"detectors"`
	Providers ProviderConfig  `json:"providers" yaml:"providers"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Caps      CapabilityFlags `json:"capabilities" yaml:"capabilities"`
	Report    ReportConfig    `json:"report" yaml:"report"`
	DataDir   string          `json:"data_dir" yaml:"data_dir"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls dashboard authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// CycleConfig tunes the coordinator's phase behavior.
type CycleConfig struct {
	Interval        Duration `json:"interval" yaml:"interval"`                 // scheduled trigger period
	ExecutorBatch   int      `json:"executor_batch" yaml:"executor_batch"`     // max tasks executed per cycle
	ConverterBatch  int      `json:"converter_batch" yaml:"converter_batch"`   // max findings converted per cycle
	ReclaimTimeout  Duration `json:"reclaim_timeout" yaml:"reclaim_timeout"`   // in_progress older than this is stuck
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`         // default retry budget for new tasks
	SuppressRepeats bool     `json:"suppress_repeats" yaml:"suppress_repeats"` // skip findings duplicating an unconverted one
}

// DetectorConfig enables detectors and points them at their signal sources.
type DetectorConfig struct {
	LogScan     LogScanConfig     `json:"log_scan" yaml:"log_scan"`
	DepScan     DepScanConfig     `json:"dep_scan" yaml:"dep_scan"`
	SelfInspect SelfInspectConfig `json:"self_inspect" yaml:"self_inspect"`
	PerfScan    PerfScanConfig    `json:"perf_scan" yaml:"perf_scan"`
}

// LogScanConfig points the log-anomaly detector at a log file.
type LogScanConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Path     string   `json:"path" yaml:"path"`
	Patterns []string `json:"patterns,omitempty" yaml:"patterns"` // substrings marking anomalies
	TailKB   int      `json:"tail_kb" yaml:"tail_kb"`             // how much of the file tail to scan
}

// DepScanConfig points the dependency detector at a module manifest and an
// advisory list (one module path per line, optionally "path version reason").
type DepScanConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ManifestPath string `json:"manifest_path" yaml:"manifest_path"`
	AdvisoryPath string `json:"advisory_path" yaml:"advisory_path"`
}

// SelfInspectConfig points the self-inspection detector at a source tree.
type SelfInspectConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	SourceDir    string `json:"source_dir" yaml:"source_dir"`
	MaxFileLines int    `json:"max_file_lines" yaml:"max_file_lines"` // files longer than this are flagged
}

// PerfScanConfig points the performance detector at a metrics snapshot file
// of "name value" lines and thresholds to compare against.
type PerfScanConfig struct {
	Enabled     bool               `json:"enabled" yaml:"enabled"`
	MetricsPath string             `json:"metrics_path" yaml:"metrics_path"`
	Thresholds  map[string]float64 `json:"thresholds,omitempty" yaml:"thresholds"`
}

// ProviderConfig selects AI backends per capability.
type ProviderConfig struct {
	Planner    ProviderSpec `json:"planner" yaml:"planner"`       // code-change proposals
	Summarizer ProviderSpec `json:"summarizer" yaml:"summarizer"` // executive report prose
}

// ProviderSpec identifies one provider instance.
type ProviderSpec struct {
	Kind      string   `json:"kind" yaml:"kind"` // "mock", "anthropic", "openai", "none"
	Model     string   `json:"model,omitempty" yaml:"model"`
	APIKeyEnv string   `json:"api_key_env,omitempty" yaml:"api_key_env"` // env var holding the key
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// SandboxConfig controls the containerized command runner.
type SandboxConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Image       string `json:"image" yaml:"image"`
	Workspace   string `json:"workspace" yaml:"workspace"` // host path mounted at /workspace
	TimeoutSecs int    `json:"timeout_secs" yaml:"timeout_secs"`
}

// CapabilityFlags declare what the execution environment permits. Handlers
// check these flags, never runtime identity.
type CapabilityFlags struct {
	WriteFiles  bool `json:"write_files" yaml:"write_files"`
	RunCommands bool `json:"run_commands" yaml:"run_commands"`
	Network     bool `json:"network" yaml:"network"`
}

// ReportConfig controls executive report cadence.
type ReportConfig struct {
	Window Duration `json:"window" yaml:"window"` // rolling window per report
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Cycle: CycleConfig{
			Interval:       Duration(5 * time.Minute),
			ExecutorBatch:  10,
			ConverterBatch: 30,
			ReclaimTimeout: Duration(15 * time.Minute),
			MaxAttempts:    3,
		},
		Detectors: DetectorConfig{
			LogScan: LogScanConfig{
				Patterns: []string{"ERROR", "panic:", "fatal"},
				TailKB:   256,
			},
			SelfInspect: SelfInspectConfig{
				MaxFileLines: 800,
			},
		},
		Providers: ProviderConfig{
			Planner:    ProviderSpec{Kind: "mock", Timeout: Duration(2 * time.Minute)},
			Summarizer: ProviderSpec{Kind: "none", Timeout: Duration(time.Minute)},
		},
		Sandbox: SandboxConfig{
			Image:       "golang:1.26",
			TimeoutSecs: 300,
		},
		Report: ReportConfig{
			Window: Duration(24 * time.Hour),
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
