package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OBGATE_SESSION_SECRET", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "sandbox", cfg.Ledger.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Tokens.CodeTTL.Duration)
	assert.Equal(t, time.Hour, cfg.Tokens.AccessTTL.Duration)
	assert.Equal(t, 30*24*time.Hour, cfg.Tokens.RefreshTTL.Duration)
	assert.Equal(t, 15*time.Minute, cfg.Tokens.RequestTTL.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.SCATimeout.Duration)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, 10000, cfg.RateLimit.PerDay)
	assert.True(t, cfg.RotateRefreshTokens())
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  cors_origins: ["https://portal.example.com"]
database:
  driver: postgres
  dsn: postgres://obgate@localhost/obgate
tokens:
  access_ttl: 15m
  rotate_refresh_tokens: false
keys:
  session_secret: from-file
ledger:
  mode: http
  base_url: http://ledger:8081
  timeout: 3s
`), 0o600))

	t.Setenv("OBGATE_ACCESS_TTL", "30m")
	t.Setenv("OBGATE_CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Tokens.AccessTTL.Duration)
	assert.False(t, cfg.RotateRefreshTokens())
	assert.Equal(t, 3*time.Second, cfg.Ledger.Timeout.Duration)
	assert.Equal(t, "from-file", cfg.Keys.SessionSecret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mongo" }},
		{"http ledger without url", func(c *Config) { c.Ledger.Mode = "http" }},
		{"no session secret", func(c *Config) { c.Keys.SessionSecret = "" }},
		{"consent validity over ceiling", func(c *Config) { c.Tokens.ConsentValidity.Duration = 91 * 24 * time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Keys.SessionSecret = "secret"
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tokens:\n  code_ttl: soon\n"), 0o600))
	t.Setenv("OBGATE_SESSION_SECRET", "secret")

	_, err := Load(path)
	assert.Error(t, err)
}
