// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the Nexus Chat gateway.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// JWTConfig configures bearer token verification.
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// DatabaseConfig selects and tunes the message and conversation stores.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SeedConversation is created at startup so a fresh store has something to
// talk in. Two participants without a name make a private conversation.
type SeedConversation struct {
	Name         string   `yaml:"name"`
	Participants []string `yaml:"participants"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string             `yaml:"port"`
	AllowedOrigins   []string           `yaml:"allowed_origins"`
	MaxMessageSize   int64              `yaml:"max_message_size"`
	RateLimit        RateLimitConfig    `yaml:"rate_limit"`
	SendBufferSize   int                `yaml:"send_buffer_size"`
	StoreTimeout     time.Duration      `yaml:"store_timeout"`
	ShutdownTimeout  time.Duration      `yaml:"shutdown_timeout"`
	PresenceSnapshot bool               `yaml:"presence_snapshot"`
	JWT              JWTConfig          `yaml:"jwt"`
	Database         DatabaseConfig     `yaml:"database"`
	Log              LogConfig          `yaml:"log"`
	Seed             []SeedConversation `yaml:"seed"`
}

var (
	configMu      sync.RWMutex
	activeConfig  Config
	activeOrigins originPolicy
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 16 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		SendBufferSize:   256,
		StoreTimeout:     5 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		PresenceSnapshot: true,
		JWT: JWTConfig{
			TokenTTL: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver:          DriverMemory,
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.JWT.TokenTTL <= 0 {
		cfg.JWT.TokenTTL = def.JWT.TokenTTL
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = def.Database.Driver
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	origins := newOriginPolicy(cfg.AllowedOrigins)
	cfg.AllowedOrigins = origins.ordered

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	activeOrigins = origins

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}
	sanitizeConfig(cloneConfig(*cfg))
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	out.Seed = make([]SeedConversation, 0, len(cfg.Seed))
	for _, s := range cfg.Seed {
		out.Seed = append(out.Seed, SeedConversation{
			Name:         s.Name,
			Participants: append([]string(nil), s.Participants...),
		})
	}
	return out
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return cloneConfig(activeConfig)
}

// CurrentConfig returns a copy of the active configuration.
func CurrentConfig() Config {
	return currentConfig()
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt secret is required (JWT_SECRET)"))
	}
	switch strings.ToLower(c.Database.Driver) {
	case "", DriverMemory:
	case DriverMySQL:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("mysql driver needs a dsn (MYSQL_DSN)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	return errors.Join(errs...)
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig layers defaults, the YAML file at path (optional), a .env file
// in the working directory (optional) and the process environment, in
// increasing order of precedence.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	return &cfg
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}
	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}
	if timeout := os.Getenv("STORE_TIMEOUT"); timeout != "" {
		cfg.StoreTimeout = parseDuration(timeout, cfg.StoreTimeout)
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, cfg.ShutdownTimeout)
	}
	if snapshot := os.Getenv("PRESENCE_SNAPSHOT"); snapshot != "" {
		if v, err := strconv.ParseBool(snapshot); err == nil {
			cfg.PresenceSnapshot = v
		}
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}
	if issuer := os.Getenv("JWT_ISSUER"); issuer != "" {
		cfg.JWT.Issuer = issuer
	}
	if audience := os.Getenv("JWT_AUDIENCE"); audience != "" {
		cfg.JWT.Audience = audience
	}
	if ttl := os.Getenv("JWT_TOKEN_TTL"); ttl != "" {
		cfg.JWT.TokenTTL = parseDuration(ttl, cfg.JWT.TokenTTL)
	}

	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if n := os.Getenv("DB_MAX_OPEN_CONNS"); n != "" {
		cfg.Database.MaxOpenConns = parseIntValue(n, cfg.Database.MaxOpenConns)
	}
	if n := os.Getenv("DB_MAX_IDLE_CONNS"); n != "" {
		cfg.Database.MaxIdleConns = parseIntValue(n, cfg.Database.MaxIdleConns)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return parseDuration(value, defaultValue)
}

// parseDuration accepts Go duration strings ("5s", "250ms").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
