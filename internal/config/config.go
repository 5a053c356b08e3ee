package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Router       RouterConfig       `toml:"router"`
	Escalation   EscalationConfig   `toml:"escalation"`
	Patterns     PatternsConfig     `toml:"patterns"`
	Review       ReviewConfig       `toml:"review"`
	Knowledge    KnowledgeConfig    `toml:"knowledge"`
	Roles        []RoleConfig       `toml:"roles"`
	Path         string             `toml:"-"`
}

type OrchestratorConfig struct {
	Addr               string `toml:"addr"`
	DBPath             string `toml:"db_path"`
	MaxConcurrent      int    `toml:"max_concurrent"`
	DispatchIntervalMS int    `toml:"dispatch_interval_ms"`
	TaskTimeoutMS      int    `toml:"task_timeout_ms"`
	MaxRetries         int    `toml:"max_retries"`
}

type RouterConfig struct {
	DefaultRole string `toml:"default_role"`
	// Workflow name to ordered role list.
	Workflows map[string][]string `toml:"workflows"`
}

type EscalationConfig struct {
	ExpenseThreshold  float64 `toml:"expense_threshold"`
	ContractThreshold float64 `toml:"contract_threshold"`
}

type PatternsConfig struct {
	Window        int     `toml:"window"`
	MinSamples    int     `toml:"min_samples"`
	MinConfidence float64 `toml:"min_confidence"`
}

type ReviewConfig struct {
	TrendWindow       int     `toml:"trend_window"`
	WarningThreshold  float64 `toml:"warning_threshold"`
	CriticalThreshold float64 `toml:"critical_threshold"`
	EvaluationWindow  int     `toml:"evaluation_window"`
	IntervalMS        int     `toml:"interval_ms"`
}

type KnowledgeConfig struct {
	ExpiryHours int `toml:"expiry_hours"`
}

type RoleConfig struct {
	Name                    string   `toml:"name"`
	Persona                 string   `toml:"persona"`
	Supervisor              string   `toml:"supervisor"`
	Senior                  bool     `toml:"senior"`
	ExpenseThreshold        float64  `toml:"expense_threshold"`
	ContractThreshold       float64  `toml:"contract_threshold"`
	Keywords                []string `toml:"keywords"`
	ReviewCadenceMS         int      `toml:"review_cadence_ms"`
	ConsecutiveFailureLimit int      `toml:"consecutive_failure_limit"`
}

// Default returns the built-in configuration used when no file is present.
func Default() Config {
	return Config{}.withDefaults()
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Orchestrator.Addr == "" {
		c.Orchestrator.Addr = "127.0.0.1:7430"
	}
	if c.Orchestrator.DBPath == "" {
		c.Orchestrator.DBPath = "orgsim.db"
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		c.Orchestrator.MaxConcurrent = 4
	}
	if c.Orchestrator.DispatchIntervalMS <= 0 {
		c.Orchestrator.DispatchIntervalMS = 500
	}
	if c.Orchestrator.TaskTimeoutMS <= 0 {
		c.Orchestrator.TaskTimeoutMS = 120_000
	}
	if c.Orchestrator.MaxRetries <= 0 {
		c.Orchestrator.MaxRetries = 2
	}
	if c.Router.DefaultRole == "" {
		c.Router.DefaultRole = "coordinator"
	}
	if c.Review.IntervalMS <= 0 {
		c.Review.IntervalMS = 60_000
	}
	if c.Knowledge.ExpiryHours <= 0 {
		c.Knowledge.ExpiryHours = 7 * 24
	}
	return c
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orgsim/config.toml"
	}
	return filepath.Join(home, ".orgsim", "config.toml")
}
