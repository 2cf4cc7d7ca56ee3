// Package config loads auditx settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
}

type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"` // dev, prod
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	EnableCORS     bool          `yaml:"enable_cors"`
	// ShutdownGrace bounds how long serve waits for running tasks on exit.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type LogConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
}

type StoreConfig struct {
	Driver      string        `yaml:"driver"` // memory, sqlite
	DSN         string        `yaml:"dsn"`
	FinishedTTL time.Duration `yaml:"finished_ttl"`
	MaxFinished int           `yaml:"max_finished"`
}

type QueueConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Queue         string `yaml:"queue"`
	Concurrency   int    `yaml:"concurrency"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type EvaluatorConfig struct {
	Provider          string        `yaml:"provider"` // openai, deepseek, azure
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	APIVersion        string        `yaml:"api_version"`
	Temperature       *float32      `yaml:"temperature"`
	MaxTokens         *int          `yaml:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
	Concurrency       int           `yaml:"concurrency"`
	Policy            string        `yaml:"policy"` // lenient, strict
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Backoff           time.Duration `yaml:"backoff"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "auditx", Env: "dev"},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           5000,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxUploadBytes: 10 << 20,
			EnableCORS:     true,
			ShutdownGrace:  30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "console", Output: "stdout"},
		Store: StoreConfig{
			Driver:      "memory",
			FinishedTTL: 24 * time.Hour,
			MaxFinished: 10000,
		},
		Queue: QueueConfig{
			RedisAddr:   "127.0.0.1:6379",
			Queue:       "default",
			Concurrency: 10,
		},
		Catalog: CatalogConfig{Path: "iso_controls.csv"},
		Evaluator: EvaluatorConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			Timeout:           60 * time.Second,
			Concurrency:       4,
			Policy:            "lenient",
			RequestsPerSecond: 2,
			Burst:             4,
			MaxAttempts:       3,
			Backoff:           time.Second,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error when optional is set.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && optional:
		default:
			return nil, err
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("OPENAI_API_KEY", &c.Evaluator.APIKey)
	str("OPENAI_BASE_URL", &c.Evaluator.BaseURL)
	str("OPENAI_MODEL", &c.Evaluator.Model)
	str("LOG_LEVEL", &c.Log.Level)
	str("CATALOG_PATH", &c.Catalog.Path)
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Queue.RedisAddr = v
		c.Queue.Enabled = true
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		if port, err := cast.ToIntE(v); err == nil {
			c.Server.Port = port
		}
	}
	if v, ok := lookup("FLASK_ENV"); ok && v == "production" {
		c.App.Env = "prod"
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Evaluator.Policy {
	case "lenient", "strict":
	default:
		return fmt.Errorf("unknown evaluator.policy %q", c.Evaluator.Policy)
	}
	switch c.Evaluator.Provider {
	case "", "openai", "deepseek":
	case "azure":
		if c.Evaluator.BaseURL == "" {
			return errors.New("evaluator.base_url is required for the azure provider")
		}
	default:
		return fmt.Errorf("unknown evaluator.provider %q", c.Evaluator.Provider)
	}
	switch c.Log.Output {
	case "", "stdout":
	case "file", "both":
		if c.Log.FilePath == "" {
			return fmt.Errorf("log.file_path is required for log.output %q", c.Log.Output)
		}
	default:
		return fmt.Errorf("unknown log.output %q", c.Log.Output)
	}
	if c.Evaluator.Concurrency <= 0 {
		return errors.New("evaluator.concurrency must be positive")
	}
	if c.Queue.Enabled && c.Queue.RedisAddr == "" {
		return errors.New("queue.redis_addr is required when the queue is enabled")
	}
	if c.Catalog.Path == "" {
		return errors.New("catalog.path is required")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
