package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the API server and the orchestrator
// worker. Durations are expressed in seconds in the YAML file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	// PollIntervalSecs is the orchestrator pick interval and the pruner
	// cycle interval.
	PollIntervalSecs int `yaml:"poll_interval"`

	// RecoveryTokenDurationSecs is how long a freshly created recovery token
	// satisfies a repeated PIV token create without minting a new one.
	RecoveryTokenDurationSecs int `yaml:"recovery_token_duration"`

	// HistoryDurationSecs is the retention window for history rows and
	// expired recovery tokens.
	HistoryDurationSecs int `yaml:"history_duration"`

	// InstanceUUID identifies this orchestrator in locked_by fields. A
	// random identity is generated when unset.
	InstanceUUID string `yaml:"instance_uuid"`

	// TestBucketPrefix namespaces every store bucket; ops tooling only.
	TestBucketPrefix string `yaml:"test_bucket_prefix"`

	// AgentURL is the base URL of the node-agent task executor.
	AgentURL string `yaml:"agent_url"`

	// AdminKeyFile is an operator public key (SSH line) accepted as a
	// signature-verification fallback. Optional.
	AdminKeyFile string `yaml:"admin_key_file"`

	ServerName string `yaml:"server_name"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// RateLimitRPS / RateLimitBurst bound per-client API request rates.
	// Zero disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:                ":8080",
		DataDir:                   "/var/db/escrowd",
		PollIntervalSecs:          60,
		RecoveryTokenDurationSecs: 900,
		HistoryDurationSecs:       int((30 * 24 * time.Hour).Seconds()),
		LogLevel:                  "info",
		LogJSON:                   true,
		RateLimitBurst:            20,
	}
}

// Load reads path and overlays it on the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.InstanceUUID == "" {
		cfg.InstanceUUID = uuid.NewString()
	}
	return cfg, nil
}

// Validate checks field ranges and formats.
func (c *Config) Validate() error {
	if c.PollIntervalSecs <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %d", c.PollIntervalSecs)
	}
	if c.RecoveryTokenDurationSecs <= 0 {
		return fmt.Errorf("recovery_token_duration must be positive, got %d", c.RecoveryTokenDurationSecs)
	}
	if c.HistoryDurationSecs <= 0 {
		return fmt.Errorf("history_duration must be positive, got %d", c.HistoryDurationSecs)
	}
	if c.InstanceUUID != "" {
		if _, err := uuid.Parse(c.InstanceUUID); err != nil {
			return fmt.Errorf("instance_uuid is not a UUID: %w", err)
		}
	}
	return nil
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// RecoveryTokenDuration returns the token refresh window as a duration.
func (c *Config) RecoveryTokenDuration() time.Duration {
	return time.Duration(c.RecoveryTokenDurationSecs) * time.Second
}

// HistoryDuration returns the retention window as a duration.
func (c *Config) HistoryDuration() time.Duration {
	return time.Duration(c.HistoryDurationSecs) * time.Second
}
