// Package config loads the daemon configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-sessiond/eventstore/redisstore"
)

const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"

	AuthAccount   = "account"
	AuthOIDC      = "oidc"
	AuthJWT       = "jwt"
	AuthTokenFile = "tokenfile"

	EventStoreMemory = "memory"
	EventStoreRedis  = "redis"
)

// Config is everything the daemon needs to start. Every field has an
// environment variable; command-line flags override them.
type Config struct {
	Transport string `env:"MCP_TRANSPORT,default=http"`

	// Addr is the listen address. ENV: MCP_ADDR
	Addr string `env:"MCP_ADDR,default=:8080"`
	// PublicEndpoint is the externally visible URL of the MCP endpoint.
	// Defaults to http://localhost<port>/mcp. ENV: MCP_PUBLIC_ENDPOINT
	PublicEndpoint  string        `env:"MCP_PUBLIC_ENDPOINT"`
	AllowedOrigin   string        `env:"MCP_ALLOWED_ORIGIN,default=*"`
	IdleTimeout     time.Duration `env:"MCP_IDLE_TIMEOUT,default=30m"`
	SweepInterval   time.Duration `env:"MCP_SWEEP_INTERVAL,default=1m"`
	MaxSessions     int           `env:"MCP_MAX_SESSIONS,default=10000"`
	ShutdownTimeout time.Duration `env:"MCP_SHUTDOWN_TIMEOUT,default=30s"`

	AuthMode string `env:"AUTH_MODE,default=account"`
	// AccountServiceURL is called with the bearer token in account mode.
	AccountServiceURL     string        `env:"AUTH_ACCOUNT_SERVICE_URL"`
	AccountServiceTimeout time.Duration `env:"AUTH_ACCOUNT_SERVICE_TIMEOUT,default=5s"`
	// Issuer and Audience apply to the oidc and jwt modes.
	Issuer   string `env:"AUTH_ISSUER"`
	Audience string `env:"AUTH_AUDIENCE"`
	// JWKSURL skips discovery in jwt mode.
	JWKSURL        string   `env:"AUTH_JWKS_URL"`
	RequiredScopes []string `env:"AUTH_REQUIRED_SCOPES"`
	// AnyScope accepts a token carrying any one of RequiredScopes.
	AnyScope    bool          `env:"AUTH_ANY_SCOPE"`
	AllowedAlgs []string      `env:"AUTH_ALLOWED_ALGS"`
	Leeway      time.Duration `env:"AUTH_LEEWAY"`
	TokenFile   string        `env:"AUTH_TOKEN_FILE"`
	Realm       string        `env:"AUTH_REALM"`

	EventStore string             `env:"EVENT_STORE,default=memory"`
	Redis      redisstore.Config

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Load reads the configuration from the environment. The result is not
// validated.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportHTTP:
		if _, _, err := net.SplitHostPort(c.Addr); err != nil {
			errs = append(errs, fmt.Errorf("invalid listen address %q: %w", c.Addr, err))
		}
		if c.PublicEndpoint != "" {
			u, err := url.Parse(c.PublicEndpoint)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				errs = append(errs, fmt.Errorf("public endpoint %q must be an absolute http(s) URL", c.PublicEndpoint))
			}
		}
	case TransportStdio:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if c.IdleTimeout <= c.SweepInterval {
		errs = append(errs, fmt.Errorf("idle timeout %s must exceed sweep interval %s", c.IdleTimeout, c.SweepInterval))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("max sessions must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	// stdio has a single implicit principal and never consults the
	// authenticator.
	if c.Transport == TransportHTTP {
		switch c.AuthMode {
		case AuthAccount:
			if c.AccountServiceURL == "" {
				errs = append(errs, errors.New("account mode requires AUTH_ACCOUNT_SERVICE_URL"))
			}
		case AuthOIDC:
			if c.Issuer == "" || c.Audience == "" {
				errs = append(errs, errors.New("oidc mode requires AUTH_ISSUER and AUTH_AUDIENCE"))
			}
		case AuthJWT:
			if c.Issuer == "" || c.Audience == "" || c.JWKSURL == "" {
				errs = append(errs, errors.New("jwt mode requires AUTH_ISSUER, AUTH_AUDIENCE and AUTH_JWKS_URL"))
			}
		case AuthTokenFile:
			if c.TokenFile == "" {
				errs = append(errs, errors.New("tokenfile mode requires AUTH_TOKEN_FILE"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown auth mode %q", c.AuthMode))
		}
	}

	switch c.EventStore {
	case EventStoreMemory, EventStoreRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown event store %q", c.EventStore))
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Endpoint returns the public endpoint, deriving it from the listen address
// when unset.
func (c Config) Endpoint() string {
	if c.PublicEndpoint != "" {
		return c.PublicEndpoint
	}
	host, port, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return "http://localhost:8080/mcp"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/mcp"
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}
