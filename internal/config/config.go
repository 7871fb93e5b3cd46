package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Printers PrintersConfig `yaml:"printers"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  string        `yaml:"cors_origins"`
}

// DatabaseConfig.RetentionDays is the default age after which finished jobs
// are pruned, once pruning is switched on in settings.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// PrintersConfig bounds every interaction with a device. StatusTimeout applies
// to status queries, UploadTimeout and PrintTimeout to the dispatch calls.
type PrintersConfig struct {
	StatusTimeout     time.Duration `yaml:"status_timeout"`
	UploadTimeout     time.Duration `yaml:"upload_timeout"`
	PrintTimeout      time.Duration `yaml:"print_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	WebUITimeout      time.Duration `yaml:"webui_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type WebhooksConfig struct {
	RetryCount  int           `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	WorkerCount int           `yaml:"worker_count"`
	QueueSize   int           `yaml:"queue_size"`
}

type AuthConfig struct {
	APIKey   string        `yaml:"api_key"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			CORSOrigins:  "*",
		},
		Database: DatabaseConfig{
			Path:          "./data/printmux.db",
			RetentionDays: 30,
		},
		Storage: StorageConfig{
			Dir: "./data/storage",
		},
		Printers: PrintersConfig{
			StatusTimeout: 8 * time.Second,
			UploadTimeout: 60 * time.Second,
			PrintTimeout:  60 * time.Second,
			PollInterval:  10 * time.Second,
			WebUITimeout:  2 * time.Second,
		},
		Webhooks: WebhooksConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return defaults()
}

// Load reads the YAML file at configPath over the defaults and then applies
// PRINTMUX_* environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	loadDotEnv()

	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func LoadFromEnv() *Config {
	loadDotEnv()
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PRINTMUX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("PRINTMUX_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("PRINTMUX_STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}

	if v := os.Getenv("PRINTMUX_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	if v := os.Getenv("PRINTMUX_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = v
	}

	if v := os.Getenv("PRINTMUX_UPLOAD_TIMEOUT"); v != "" {
		if d, err := parseSeconds(v); err == nil {
			cfg.Printers.UploadTimeout = d
			cfg.Printers.PrintTimeout = d
		}
	}

	if v := os.Getenv("PRINTMUX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	if v := os.Getenv("PRINTMUX_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
}

// parseSeconds accepts either a Go duration ("90s") or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Database.RetentionDays < 0 {
		return fmt.Errorf("retention days must be non-negative, got %d", c.Database.RetentionDays)
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage dir is required")
	}

	if c.Printers.StatusTimeout <= 0 {
		return fmt.Errorf("status timeout must be positive")
	}

	if c.Printers.UploadTimeout <= 0 {
		return fmt.Errorf("upload timeout must be positive")
	}

	if c.Printers.PrintTimeout <= 0 {
		return fmt.Errorf("print timeout must be positive")
	}

	if c.Printers.PollInterval < time.Second {
		return fmt.Errorf("poll interval must be at least 1s, got %s", c.Printers.PollInterval)
	}

	if c.Printers.WebUITimeout < 0 {
		return fmt.Errorf("web ui timeout must be non-negative")
	}

	if c.Printers.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must be non-negative")
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	if c.Webhooks.WorkerCount < 1 {
		return fmt.Errorf("webhook worker count must be at least 1")
	}

	if c.Webhooks.QueueSize < 1 {
		return fmt.Errorf("webhook queue size must be at least 1")
	}

	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token ttl must be positive")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
