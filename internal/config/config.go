package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "OBGATE_"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Tokens    TokenConfig     `yaml:"tokens"`
	Keys      KeyConfig       `yaml:"keys"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	Issuer      string   `yaml:"issuer"`
	ServiceName string   `yaml:"service_name"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// Driver is memory or postgres
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the Redis limiter and Redis Streams events when URL is set
type RedisConfig struct {
	URL string `yaml:"url"`
}

type TokenConfig struct {
	CodeTTL             Duration `yaml:"code_ttl"`
	AccessTTL           Duration `yaml:"access_ttl"`
	RefreshTTL          Duration `yaml:"refresh_ttl"`
	RequestTTL          Duration `yaml:"request_ttl"`
	RotateRefreshTokens *bool    `yaml:"rotate_refresh_tokens"`
	ConsentValidity     Duration `yaml:"consent_validity"`
	SCATimeout          Duration `yaml:"sca_timeout"`
}

type KeyConfig struct {
	// TicketKeyPath is a PEM encoded P-256 key; empty generates one per process
	TicketKeyPath  string `yaml:"ticket_key_path"`
	SessionSecret  string `yaml:"session_secret"`
	CallbackSecret string `yaml:"callback_secret"`
}

type LedgerConfig struct {
	// Mode is sandbox or http
	Mode        string   `yaml:"mode"`
	BaseURL     string   `yaml:"base_url"`
	Timeout     Duration `yaml:"timeout"`
	SettleDelay Duration `yaml:"settle_delay"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

type SweeperConfig struct {
	Interval Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads .env (if present), then the YAML file at path (if given), then
// OBGATE_* environment overrides, and fills in defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// RotateRefreshTokens reports whether refresh tokens rotate on use
func (c *Config) RotateRefreshTokens() bool {
	return c.Tokens.RotateRefreshTokens == nil || *c.Tokens.RotateRefreshTokens
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Ledger.Mode {
	case "sandbox":
	case "http":
		if c.Ledger.BaseURL == "" {
			return errors.New("ledger.base_url is required in http mode")
		}
	default:
		return fmt.Errorf("unknown ledger mode %q", c.Ledger.Mode)
	}

	if c.Keys.SessionSecret == "" {
		return errors.New("keys.session_secret is required")
	}
	if c.Tokens.ConsentValidity.Duration > 90*24*time.Hour {
		return errors.New("tokens.consent_validity cannot exceed 90 days")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Issuer == "" {
		c.Server.Issuer = "http://localhost:8080"
	}
	if c.Server.ServiceName == "" {
		c.Server.ServiceName = "obgate"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}

	setDuration(&c.Tokens.CodeTTL, 10*time.Minute)
	setDuration(&c.Tokens.AccessTTL, time.Hour)
	setDuration(&c.Tokens.RefreshTTL, 30*24*time.Hour)
	setDuration(&c.Tokens.RequestTTL, 15*time.Minute)
	setDuration(&c.Tokens.ConsentValidity, 90*24*time.Hour)
	setDuration(&c.Tokens.SCATimeout, 5*time.Minute)

	if c.Ledger.Mode == "" {
		c.Ledger.Mode = "sandbox"
	}
	setDuration(&c.Ledger.Timeout, 10*time.Second)
	setDuration(&c.Ledger.SettleDelay, 2*time.Second)

	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 60
	}
	if c.RateLimit.PerDay == 0 {
		c.RateLimit.PerDay = 10000
	}

	setDuration(&c.Sweeper.Interval, time.Minute)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) applyEnvOverrides() {
	overrideString(&c.Server.Addr, "SERVER_ADDR")
	overrideString(&c.Server.Issuer, "SERVER_ISSUER")
	overrideString(&c.Server.ServiceName, "SERVICE_NAME")
	overrideList(&c.Server.CORSOrigins, "CORS_ORIGINS")

	overrideString(&c.Database.Driver, "DATABASE_DRIVER")
	overrideString(&c.Database.DSN, "DATABASE_DSN")
	overrideString(&c.Redis.URL, "REDIS_URL")

	overrideDuration(&c.Tokens.CodeTTL, "CODE_TTL")
	overrideDuration(&c.Tokens.AccessTTL, "ACCESS_TTL")
	overrideDuration(&c.Tokens.RefreshTTL, "REFRESH_TTL")
	overrideDuration(&c.Tokens.RequestTTL, "REQUEST_TTL")
	overrideDuration(&c.Tokens.ConsentValidity, "CONSENT_VALIDITY")
	overrideDuration(&c.Tokens.SCATimeout, "SCA_TIMEOUT")
	if v, ok := lookup("ROTATE_REFRESH_TOKENS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tokens.RotateRefreshTokens = &b
		}
	}

	overrideString(&c.Keys.TicketKeyPath, "TICKET_KEY_PATH")
	overrideString(&c.Keys.SessionSecret, "SESSION_SECRET")
	overrideString(&c.Keys.CallbackSecret, "CALLBACK_SECRET")

	overrideString(&c.Ledger.Mode, "LEDGER_MODE")
	overrideString(&c.Ledger.BaseURL, "LEDGER_BASE_URL")
	overrideDuration(&c.Ledger.Timeout, "LEDGER_TIMEOUT")
	overrideDuration(&c.Ledger.SettleDelay, "LEDGER_SETTLE_DELAY")

	overrideInt(&c.RateLimit.PerMinute, "RATE_LIMIT_PER_MINUTE")
	overrideInt(&c.RateLimit.PerDay, "RATE_LIMIT_PER_DAY")
	overrideDuration(&c.Sweeper.Interval, "SWEEP_INTERVAL")

	overrideString(&c.Logging.Level, "LOG_LEVEL")
	overrideString(&c.Logging.Format, "LOG_FORMAT")
	overrideString(&c.Logging.File, "LOG_FILE")

	overrideString(&c.Telemetry.Endpoint, "OTLP_ENDPOINT")
	if v, ok := lookup("OTLP_INSECURE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Insecure = b
		}
	}
}

func setDuration(d *Duration, def time.Duration) {
	if d.Duration == 0 {
		d.Duration = def
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func overrideString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideDuration(dst *Duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func overrideList(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	*dst = cleaned
}
