// Package config loads the configuration of the treesync binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Replica ReplicaConfig `yaml:"replica"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`

	// Storage is "memory" or "badger".
	Storage        string        `yaml:"storage"`
	DataDir        string        `yaml:"data_dir"`
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio"`
}

type ReplicaConfig struct {
	// Remote is the base URL of the store server.
	Remote         string        `yaml:"remote"`
	Branch         string        `yaml:"branch"`
	ClientID       uint32        `yaml:"client_id"`
	Author         string        `yaml:"author"`
	TickPeriod     time.Duration `yaml:"tick_period"`
	WatchdogFactor int           `yaml:"watchdog_factor"`
	Workers        int           `yaml:"workers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			Storage:        "memory",
			DataDir:        "data",
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Replica: ReplicaConfig{
			Remote:         "http://localhost:8080",
			Branch:         "main",
			ClientID:       1,
			TickPeriod:     time.Second,
			WatchdogFactor: 5,
			Workers:        2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration with priority env > file > defaults. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("TREESYNC_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TREESYNC_STORAGE"); v != "" {
		cfg.Server.Storage = v
	}
	if v := os.Getenv("TREESYNC_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("TREESYNC_GC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.GCInterval = d
		}
	}
	if v := os.Getenv("TREESYNC_REMOTE"); v != "" {
		cfg.Replica.Remote = v
	}
	if v := os.Getenv("TREESYNC_BRANCH"); v != "" {
		cfg.Replica.Branch = v
	}
	if v := os.Getenv("TREESYNC_CLIENT_ID"); v != "" {
		if i, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Replica.ClientID = uint32(i)
		}
	}
	if v := os.Getenv("TREESYNC_AUTHOR"); v != "" {
		cfg.Replica.Author = v
	}
	if v := os.Getenv("TREESYNC_TICK_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replica.TickPeriod = d
		}
	}
	if v := os.Getenv("TREESYNC_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Replica.Workers = i
		}
	}
	if v := os.Getenv("TREESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TREESYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func (c Config) Validate() error {
	switch c.Server.Storage {
	case "memory":
	case "badger":
		if c.Server.DataDir == "" {
			return fmt.Errorf("data_dir is required for badger storage")
		}
	default:
		return fmt.Errorf("unknown storage %q", c.Server.Storage)
	}
	if c.Server.GCDiscardRatio < 0 || c.Server.GCDiscardRatio > 1 {
		return fmt.Errorf("gc_discard_ratio must be between 0 and 1")
	}
	if c.Replica.Branch == "" {
		return fmt.Errorf("branch must not be empty")
	}
	if c.Replica.ClientID == 0 {
		return fmt.Errorf("client_id must be > 0")
	}
	if c.Replica.ClientID > 1<<31-1 {
		return fmt.Errorf("client_id must fit into 31 bits")
	}
	if c.Replica.TickPeriod <= 0 {
		return fmt.Errorf("tick_period must be positive")
	}
	if c.Replica.WatchdogFactor < 1 {
		return fmt.Errorf("watchdog_factor must be >= 1")
	}
	if c.Replica.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	return nil
}
