package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire Argus configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Alerts      AlertConfig       `yaml:"alerts"`
	Detection   DetectionConfig   `yaml:"detection"`
	Triage      TriageConfig      `yaml:"triage"`
	Remediation RemediationConfig `yaml:"remediation"`
	Policy      PolicyConfig      `yaml:"policy"`
	TextGen     TextGenConfig     `yaml:"textgen"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// AlertConfig holds alert pipeline settings.
type AlertConfig struct {
	MaxStore      int  `yaml:"max_store"`
	EnableConsole bool `yaml:"enable_console"`
}

// DetectionConfig holds detection engine settings.
type DetectionConfig struct {
	SemanticThreshold    float64       `yaml:"semantic_threshold"`
	MaxSessions          int           `yaml:"max_sessions"`
	SessionWindow        int           `yaml:"session_window"`
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	LearnPatterns        bool          `yaml:"learn_patterns"`
	MinLearnConfidence   float64       `yaml:"min_learn_confidence"`
	SynthesizeVariations bool          `yaml:"synthesize_variations"`
}

// TriageConfig holds certainty scorer settings.
type TriageConfig struct {
	MaxProfiles    int           `yaml:"max_profiles"`
	ProfileTimeout time.Duration `yaml:"profile_timeout"`
}

// RemediationConfig holds execution engine settings.
type RemediationConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DryRun           bool          `yaml:"dry_run"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	MaxAttempts      int           `yaml:"max_attempts"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	RecordTTL        time.Duration `yaml:"record_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	BreakerProbes    int           `yaml:"breaker_probes"`
}

// PolicyConfig holds policy evaluator settings.
type PolicyConfig struct {
	RulesPath       string   `yaml:"rules_path"`
	RequireApproval []string `yaml:"require_approval"`
	DenyActions     []string `yaml:"deny_actions"`
}

// TextGenConfig holds text generation backend settings.
type TextGenConfig struct {
	Endpoint  string  `yaml:"endpoint"`
	Model     string  `yaml:"model"`
	APIKeyEnv string  `yaml:"api_key_env"`
	CostPer1K float64 `yaml:"cost_per_1k"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out
// of the box.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Alerts: AlertConfig{
			MaxStore:      10000,
			EnableConsole: true,
		},
		Detection: DetectionConfig{
			SemanticThreshold:    0.65,
			MaxSessions:          4096,
			SessionWindow:        20,
			SessionTimeout:       30 * time.Minute,
			LearnPatterns:        true,
			MinLearnConfidence:   0.85,
			SynthesizeVariations: false,
		},
		Triage: TriageConfig{
			MaxProfiles:    8192,
			ProfileTimeout: 24 * time.Hour,
		},
		Remediation: RemediationConfig{
			Enabled:          true,
			DryRun:           false,
			Workers:          4,
			QueueSize:        256,
			MaxAttempts:      3,
			AttemptTimeout:   30 * time.Second,
			RecordTTL:        time.Hour,
			SweepInterval:    60 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  60 * time.Second,
			BreakerProbes:    2,
		},
		Policy: PolicyConfig{
			RequireApproval: []string{"suspend_user", "initiate_forensics"},
		},
		TextGen: TextGenConfig{
			Model:     "llama3.2",
			APIKeyEnv: "ARGUS_TEXTGEN_KEY",
			CostPer1K: 0.002,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Environment overrides for fields that should not live in the file
	if url := os.Getenv("ARGUS_NATS_URL"); url != "" {
		cfg.Bus.URL = url
		cfg.Bus.Embedded = false
	}
	if ep := os.Getenv("ARGUS_TEXTGEN_ENDPOINT"); ep != "" {
		cfg.TextGen.Endpoint = ep
	}
	if os.Getenv("ARGUS_DRY_RUN") == "1" {
		cfg.Remediation.DryRun = true
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration and returns warnings plus hard errors.
func (c *Config) Validate() ([]string, []string) {
	var warnings, errs []string

	if c.Bus.Port <= 0 || c.Bus.Port > 65535 {
		errs = append(errs, fmt.Sprintf("bus.port %d out of range", c.Bus.Port))
	}
	if !c.Bus.Embedded && c.Bus.URL == "" {
		errs = append(errs, "bus.url required when bus.embedded is false")
	}
	if c.Detection.SemanticThreshold < 0 || c.Detection.SemanticThreshold > 1 {
		errs = append(errs, fmt.Sprintf("detection.semantic_threshold %.2f out of [0,1]", c.Detection.SemanticThreshold))
	}
	if c.Detection.SessionWindow <= 0 {
		errs = append(errs, "detection.session_window must be positive")
	}
	if c.Remediation.MaxAttempts <= 0 {
		errs = append(errs, "remediation.max_attempts must be positive")
	}
	if c.Remediation.Workers <= 0 {
		errs = append(errs, "remediation.workers must be positive")
	}
	if c.Remediation.BreakerThreshold <= 0 {
		errs = append(errs, "remediation.breaker_threshold must be positive")
	}
	if c.Remediation.Enabled && !c.Remediation.DryRun {
		warnings = append(warnings, "remediation is live: block_ip will modify firewall rules")
	}
	if c.TextGen.Endpoint == "" {
		warnings = append(warnings, "no textgen endpoint configured: semantic matching uses word-overlap fallback")
	}
	if c.Detection.SynthesizeVariations && c.TextGen.Endpoint == "" {
		warnings = append(warnings, "detection.synthesize_variations requires a textgen endpoint; disabled")
	}

	return warnings, errs
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
