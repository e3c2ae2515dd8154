// Package config loads gateway configuration from a YAML file, an optional
// .env file and GATEWAY_* environment overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Upstream UpstreamConfig `yaml:"upstream"`
	OAuth    OAuthConfig    `yaml:"oauth"`
	Auth     AuthConfig     `yaml:"auth"`
	Usage    UsageConfig    `yaml:"usage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the listen address and the admin gate.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AdminPassword protects /api when set. Empty leaves the admin API open.
	AdminPassword string `yaml:"admin_password"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// DatabaseConfig holds the sqlite location backing the credential store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// PurgeInterval is how often serve deletes expired store entries.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// UpstreamConfig describes the backend API fronted by the gateway.
type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	IngestToken string        `yaml:"ingest_token"`
}

// OAuthConfig holds the provider token endpoint used for refresh grants.
type OAuthConfig struct {
	TokenURL string `yaml:"token_url"`
}

// AuthConfig holds cache lifetimes and the payload encryption key.
type AuthConfig struct {
	EncryptionKey  string        `yaml:"encryption_key"`
	ValidationTTL  time.Duration `yaml:"validation_ttl"`
	APIKeyCacheTTL time.Duration `yaml:"apikey_cache_ttl"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	StopTTL        time.Duration `yaml:"stop_ttl"`
}

// Key decodes EncryptionKey.
func (a AuthConfig) Key() ([]byte, error) {
	key, err := hex.DecodeString(a.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("auth.encryption_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("auth.encryption_key: want 32 bytes, got %d", len(key))
	}
	return key, nil
}

// UsageConfig controls usage logging and the batch consumer.
type UsageConfig struct {
	QueueTTL      time.Duration      `yaml:"queue_ttl"`
	BatchSize     int                `yaml:"batch_size"`
	FlushInterval time.Duration      `yaml:"flush_interval"`
	DefaultCost   float64            `yaml:"default_cost"`
	Costs         map[string]float64 `yaml:"costs"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{Path: "gateway.db", PurgeInterval: 10 * time.Minute},
		Upstream: UpstreamConfig{Timeout: 30 * time.Second},
		OAuth:    OAuthConfig{TokenURL: "https://oauth2.googleapis.com/token"},
		Auth: AuthConfig{
			ValidationTTL:  5 * time.Minute,
			APIKeyCacheTTL: 5 * time.Minute,
			SessionTimeout: 24 * time.Hour,
			StopTTL:        24 * time.Hour,
		},
		Usage: UsageConfig{
			QueueTTL:      time.Hour,
			BatchSize:     100,
			FlushInterval: 30 * time.Second,
			DefaultCost:   0.001,
			Costs:         map[string]float64{},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(m)[1])
	})
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then GATEWAY_* overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Usage.Costs == nil {
		cfg.Usage.Costs = map[string]float64{}
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString("GATEWAY_HOST", &c.Server.Host)
	setString("GATEWAY_ADMIN_PASSWORD", &c.Server.AdminPassword)
	setString("GATEWAY_DB_PATH", &c.Database.Path)
	setString("GATEWAY_UPSTREAM_URL", &c.Upstream.BaseURL)
	setString("GATEWAY_INGEST_TOKEN", &c.Upstream.IngestToken)
	setString("GATEWAY_OAUTH_TOKEN_URL", &c.OAuth.TokenURL)
	setString("GATEWAY_ENCRYPTION_KEY", &c.Auth.EncryptionKey)
	setString("GATEWAY_LOG_LEVEL", &c.Logging.Level)

	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GATEWAY_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate reports configuration that cannot serve traffic.
func (c *Config) Validate() error {
	var errs []error
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if _, err := c.Auth.Key(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Auth.ValidationTTL <= 0 || c.Auth.APIKeyCacheTTL <= 0 || c.Auth.SessionTimeout <= 0 {
		errs = append(errs, errors.New("auth cache lifetimes must be positive"))
	}
	if c.Usage.BatchSize <= 0 {
		errs = append(errs, errors.New("usage.batch_size must be positive"))
	}
	if c.Usage.FlushInterval <= 0 {
		errs = append(errs, errors.New("usage.flush_interval must be positive"))
	}
	if c.Usage.QueueTTL <= 0 {
		errs = append(errs, errors.New("usage.queue_ttl must be positive"))
	}
	if c.Database.PurgeInterval <= 0 {
		errs = append(errs, errors.New("database.purge_interval must be positive"))
	}
	return errors.Join(errs...)
}
