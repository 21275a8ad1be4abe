package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Transport:         TransportHTTP,
		Addr:              ":8080",
		AllowedOrigin:     "*",
		IdleTimeout:       30 * time.Minute,
		SweepInterval:     time.Minute,
		MaxSessions:       100,
		ShutdownTimeout:   30 * time.Second,
		AuthMode:          AuthAccount,
		AccountServiceURL: "https://accounts.example/verify",
		EventStore:        EventStoreMemory,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_ACCOUNT_SERVICE_URL", "https://accounts.example/verify")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, TransportHTTP, cfg.Transport)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 10000, cfg.MaxSessions)
	assert.Equal(t, AuthAccount, cfg.AuthMode)
	assert.Equal(t, EventStoreMemory, cfg.EventStore)
	assert.Equal(t, "localhost:6379", cfg.Redis.RedisAddr)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MCP_IDLE_TIMEOUT", "5m")
	t.Setenv("MCP_MAX_SESSIONS", "0")
	t.Setenv("AUTH_MODE", "jwt")
	t.Setenv("AUTH_REQUIRED_SCOPES", "mcp:read;mcp:write")
	t.Setenv("EVENT_STORE", "redis")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 0, cfg.MaxSessions)
	assert.Equal(t, AuthJWT, cfg.AuthMode)
	assert.Equal(t, []string{"mcp:read", "mcp:write"}, cfg.RequiredScopes)
	assert.Equal(t, EventStoreRedis, cfg.EventStore)
	assert.Equal(t, "redis:6380", cfg.Redis.RedisAddr)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "unknown transport"},
		{"bad address", func(c *Config) { c.Addr = "8080" }, "invalid listen address"},
		{"relative endpoint", func(c *Config) { c.PublicEndpoint = "/mcp" }, "public endpoint"},
		{"zero sweep", func(c *Config) { c.SweepInterval = 0 }, "sweep interval must be positive"},
		{"idle below sweep", func(c *Config) { c.IdleTimeout = 30 * time.Second }, "must exceed sweep interval"},
		{"negative cap", func(c *Config) { c.MaxSessions = -1 }, "max sessions"},
		{"unknown auth", func(c *Config) { c.AuthMode = "magic" }, "unknown auth mode"},
		{"account without url", func(c *Config) { c.AccountServiceURL = "" }, "AUTH_ACCOUNT_SERVICE_URL"},
		{"oidc without audience", func(c *Config) { c.AuthMode = AuthOIDC; c.Issuer = "https://issuer" }, "AUTH_AUDIENCE"},
		{"tokenfile without path", func(c *Config) { c.AuthMode = AuthTokenFile }, "AUTH_TOKEN_FILE"},
		{"stdio ignores auth", func(c *Config) { c.Transport = TransportStdio; c.AuthMode = "magic" }, ""},
		{"unknown store", func(c *Config) { c.EventStore = "s3" }, "unknown event store"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "unknown log format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errSub == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSub)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.MaxSessions = -1
	cfg.EventStore = "s3"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max sessions")
	assert.Contains(t, err.Error(), "unknown event store")
}

func TestEndpoint(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "http://localhost:8080/mcp", cfg.Endpoint())

	cfg.Addr = "127.0.0.1:9000"
	assert.Equal(t, "http://127.0.0.1:9000/mcp", cfg.Endpoint())

	cfg.PublicEndpoint = "https://api.example/mcp"
	assert.Equal(t, "https://api.example/mcp", cfg.Endpoint())
}

func TestNewLogger(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	log, err := cfg.NewLogger(&buf)
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
}
