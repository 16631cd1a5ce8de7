package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	AppName   string `mapstructure:"app_name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ServerConfig holds control-surface host binding, owned by an external
// transport collaborator; the core itself does not read it.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds Execution Store connection configuration.
type DatabaseConfig struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// OrchestratorConfig holds the workflow core's tunables.
type OrchestratorConfig struct {
	ConcurrencyCap          int `mapstructure:"concurrency_cap"`
	DefaultTaskTimeoutMs    int `mapstructure:"default_task_timeout_ms"`
	WorkflowTimeoutMs       int `mapstructure:"workflow_timeout_ms"`
	SchedulerTickMs         int `mapstructure:"scheduler_tick_ms"`
	BreakerFailureThreshold int `mapstructure:"breaker_failure_threshold"`
	BreakerOpenMs           int `mapstructure:"breaker_open_ms"`
}

// Load loads configuration from file and environment variables, layering
// defaults, an optional YAML file, and CVXC_-prefixed environment overrides.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppName:   "workflowcore",
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Type:     "arangodb",
			Host:     "localhost",
			Port:     8529,
			Database: "workflowcore",
			Username: "root",
			SSLMode:  "disable",
		},
		Orchestrator: OrchestratorConfig{
			ConcurrencyCap:          8,
			DefaultTaskTimeoutMs:    30000,
			WorkflowTimeoutMs:       3600000,
			SchedulerTickMs:         1000,
			BreakerFailureThreshold: 5,
			BreakerOpenMs:           60000,
		},
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		if filepath.IsAbs(configPath) {
			viper.SetConfigFile(configPath)
		} else {
			viper.AddConfigPath(filepath.Dir(configPath))
			viper.SetConfigName(filepath.Base(configPath[:len(configPath)-len(filepath.Ext(configPath))]))
		}
	}

	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/workflowcore")

	viper.SetEnvPrefix("CVXC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if password := os.Getenv("CVXC_DATABASE_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if port := os.Getenv("CVXC_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if dbPort := os.Getenv("CVXC_DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Database.Port = p
		}
	}

	applyOrchestratorDefaults(&cfg.Orchestrator)

	return cfg, nil
}

// applyOrchestratorDefaults restores any zero-value field to its
// default; viper unmarshalling a config file that omits the block would
// otherwise leave it entirely zeroed.
func applyOrchestratorDefaults(o *OrchestratorConfig) {
	if o.ConcurrencyCap == 0 {
		o.ConcurrencyCap = 8
	}
	if o.DefaultTaskTimeoutMs == 0 {
		o.DefaultTaskTimeoutMs = 30000
	}
	if o.WorkflowTimeoutMs == 0 {
		o.WorkflowTimeoutMs = 3600000
	}
	if o.SchedulerTickMs == 0 {
		o.SchedulerTickMs = 1000
	}
	if o.BreakerFailureThreshold == 0 {
		o.BreakerFailureThreshold = 5
	}
	if o.BreakerOpenMs == 0 {
		o.BreakerOpenMs = 60000
	}
}
