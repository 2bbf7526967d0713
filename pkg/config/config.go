// Package config loads gateway configuration: warehouse credentials from the
// environment, tunables from an optional gateway.yaml merged over built-in
// defaults, and the JSON schema contract that every plan is validated against.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the fully resolved gateway configuration.
type Config struct {
	Snowflake SnowflakeConfig
	HTTPPort  string
	// ActivationBaseURL is the externally reachable base for activation links.
	ActivationBaseURL string
	// Pepper is the server-side secret combined with tokens before hashing.
	// Acquired once at startup; never logged, never written to disk.
	Pepper string
	// SFCLIPath is the warehouse CLI binary used by stage deployment tooling.
	SFCLIPath string

	Tunables *Tunables
	Contract *Contract
}

// SnowflakeConfig holds warehouse session credentials. Either Password or
// PrivateKeyPath must be set.
type SnowflakeConfig struct {
	Account              string
	Username             string
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	Warehouse            string
	Database             string
	Schema               string
	Role                 string
}

// Tunables are the operational knobs, overridable via gateway.yaml.
type Tunables struct {
	StatementTimeout  time.Duration `yaml:"statement_timeout"`
	RetryMaxAttempts  int           `yaml:"retry_max_attempts"`
	ReplayWindow      time.Duration `yaml:"replay_window"`
	FreshWindow       time.Duration `yaml:"fresh_window"`
	Tier2Budget       time.Duration `yaml:"tier2_budget"`
	Tier3Budget       time.Duration `yaml:"tier3_budget"`
	MaxTopN           int           `yaml:"max_top_n"`
	LoggerRatePerMin  int           `yaml:"logger_rate_per_min"`
	LoggerFlushEvery  time.Duration `yaml:"logger_flush_every"`
	LoggerBufferLimit int           `yaml:"logger_buffer_limit"`
	LoggerBatchCap    int           `yaml:"logger_batch_cap"`
	ActivationLimit   int           `yaml:"activation_limit"`
	ActivationWindow  time.Duration `yaml:"activation_window"`
	StageMaxBytes     int64         `yaml:"stage_max_bytes"`
	WSWriteTimeout    time.Duration `yaml:"ws_write_timeout"`
}

// DefaultTunables returns the built-in tunable values.
func DefaultTunables() *Tunables {
	return &Tunables{
		StatementTimeout:  90 * time.Second,
		RetryMaxAttempts:  3,
		ReplayWindow:      10 * time.Minute,
		FreshWindow:       2 * time.Minute,
		Tier2Budget:       10 * time.Second,
		Tier3Budget:       45 * time.Second,
		MaxTopN:           10000,
		LoggerRatePerMin:  10,
		LoggerFlushEvery:  5 * time.Second,
		LoggerBufferLimit: 100,
		LoggerBatchCap:    1000,
		ActivationLimit:   10,
		ActivationWindow:  15 * time.Minute,
		StageMaxBytes:     10 << 20,
		WSWriteTimeout:    10 * time.Second,
	}
}

// Initialize loads, validates, and returns ready-to-use configuration.
// configDir holds the optional gateway.yaml and the schema contract file.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"account", cfg.Snowflake.Account,
		"warehouse", cfg.Snowflake.Warehouse,
		"contract_hash", cfg.Contract.Hash(),
		"sources", len(cfg.Contract.SourceNames()))
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	cfg := &Config{
		Snowflake: SnowflakeConfig{
			Account:              os.Getenv("SNOWFLAKE_ACCOUNT"),
			Username:             os.Getenv("SNOWFLAKE_USERNAME"),
			Password:             os.Getenv("SNOWFLAKE_PASSWORD"),
			PrivateKeyPath:       os.Getenv("SF_PK_PATH"),
			PrivateKeyPassphrase: os.Getenv("SF_PK_PASSPHRASE"),
			Warehouse:            os.Getenv("SNOWFLAKE_WAREHOUSE"),
			Database:             os.Getenv("SNOWFLAKE_DATABASE"),
			Schema:               os.Getenv("SNOWFLAKE_SCHEMA"),
			Role:                 os.Getenv("SNOWFLAKE_ROLE"),
		},
		HTTPPort:          getEnvOrDefault("PORT", "8080"),
		ActivationBaseURL: getEnvOrDefault("ACTIVATION_GATEWAY_URL", "http://localhost:8080"),
		Pepper:            os.Getenv("MCP_TOKEN_PEPPER"),
		SFCLIPath:         os.Getenv("SF_CLI"),
	}

	// Tunables: built-in defaults, then gateway.yaml merged on top.
	tunables := DefaultTunables()
	yamlPath := filepath.Join(configDir, "gateway.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		var user Tunables
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("invalid gateway.yaml: %w", err)
		}
		if err := mergo.Merge(tunables, &user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge tunables: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read gateway.yaml: %w", err)
	}
	cfg.Tunables = tunables

	// Schema contract is required — the compiler and validator cannot run
	// without a source registry.
	contractPath := getEnvOrDefault("SCHEMA_CONTRACT_PATH", filepath.Join(configDir, "schema_contract.json"))
	contract, err := LoadContract(contractPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema contract: %w", err)
	}
	cfg.Contract = contract

	return cfg, nil
}

// validate checks the minimum viable configuration. Failures here map to
// exit code 2 (misconfiguration) in the CLI.
func (c *Config) validate() error {
	sf := c.Snowflake
	if sf.Account == "" {
		return fmt.Errorf("SNOWFLAKE_ACCOUNT is required")
	}
	if sf.Username == "" {
		return fmt.Errorf("SNOWFLAKE_USERNAME is required")
	}
	if sf.Password == "" && sf.PrivateKeyPath == "" {
		return fmt.Errorf("either SNOWFLAKE_PASSWORD or SF_PK_PATH is required")
	}
	if sf.Warehouse == "" {
		return fmt.Errorf("SNOWFLAKE_WAREHOUSE is required")
	}
	if sf.Database == "" {
		return fmt.Errorf("SNOWFLAKE_DATABASE is required")
	}
	if c.Pepper == "" {
		return fmt.Errorf("MCP_TOKEN_PEPPER is required")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
