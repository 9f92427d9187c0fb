package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Bus       BusConfig       `yaml:"bus"`
	Cache     CacheConfig     `yaml:"cache"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Vault     VaultConfig     `yaml:"vault"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Agents    []AgentConfig   `yaml:"agents"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type BusConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Retention    time.Duration `yaml:"retention"`
	CleanupEvery time.Duration `yaml:"cleanup_every"`
}

type CacheConfig struct {
	MaxEntries   int           `yaml:"max_entries"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

type RuntimeConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type WorkflowsConfig struct {
	Dir string `yaml:"dir"`
}

// AgentConfig declares one in-process agent instance.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Type         string   `yaml:"type"`
	Executor     string   `yaml:"executor"`
	Capabilities []string `yaml:"capabilities"`
	MaxLoad      int      `yaml:"max_load"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/ergon.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Bus: BusConfig{
			PollInterval: 1 * time.Second,
			BatchSize:    50,
			Retention:    24 * time.Hour,
			CleanupEvery: 5 * time.Minute,
		},
		Cache: CacheConfig{
			MaxEntries:   1000,
			SyncInterval: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			MaxRetries:       3,
			MaxExecutionTime: 5 * time.Minute,
			BackoffBase:      1 * time.Second,
			BackoffMax:       30 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Workflows: WorkflowsConfig{
			Dir: "config/workflows",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("ERGON_CONFIG")
	if path == "" {
		path = "config/ergon.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ERGON_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("ERGON_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("ERGON_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("ERGON_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("ERGON_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("ERGON_WORKFLOWS_DIR"); v != "" {
		cfg.Workflows.Dir = v
	}
}
