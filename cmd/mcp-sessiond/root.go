package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-sessiond/internal/config"
)

func newRootCommand() *cobra.Command {
	// Environment first; flags declared below override it.
	cfg, loadErr := config.Load()

	runE := func(cmd *cobra.Command, args []string) error {
		if loadErr != nil {
			return loadErr
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return run(cmd.Context(), cfg, os.Stdin, os.Stdout, os.Stderr)
	}

	rootCmd := &cobra.Command{
		Use:   "mcp-sessiond",
		Short: "MCP gateway with authenticated, idle-expiring sessions",
		Long: `mcp-sessiond serves an MCP tool catalog on a single streaming HTTP
endpoint. Clients authenticate once with a bearer token on initialize and
continue with the Mcp-Session-Id they are given. Idle sessions are expired
and every session is closed on SIGINT or SIGTERM.

Every flag can also be set through the environment variable named in its
description.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: runE,
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport to serve: http or stdio (MCP_TRANSPORT)")
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address (MCP_ADDR)")
	f.StringVar(&cfg.PublicEndpoint, "public-endpoint", cfg.PublicEndpoint, "externally visible endpoint URL (MCP_PUBLIC_ENDPOINT)")
	f.StringVar(&cfg.AllowedOrigin, "allowed-origin", cfg.AllowedOrigin, "Access-Control-Allow-Origin value (MCP_ALLOWED_ORIGIN)")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close sessions idle for longer than this (MCP_IDLE_TIMEOUT)")
	f.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "how often to look for idle sessions (MCP_SWEEP_INTERVAL)")
	f.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "maximum live sessions, 0 for unbounded (MCP_MAX_SESSIONS)")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "bound on orderly shutdown (MCP_SHUTDOWN_TIMEOUT)")
	f.StringVar(&cfg.AuthMode, "auth-mode", cfg.AuthMode, "account, oidc, jwt or tokenfile (AUTH_MODE)")
	f.StringVar(&cfg.AccountServiceURL, "account-service-url", cfg.AccountServiceURL, "account service verification URL (AUTH_ACCOUNT_SERVICE_URL)")
	f.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "token issuer (AUTH_ISSUER)")
	f.StringVar(&cfg.Audience, "audience", cfg.Audience, "expected token audience (AUTH_AUDIENCE)")
	f.StringVar(&cfg.JWKSURL, "jwks-url", cfg.JWKSURL, "JWKS location for jwt mode (AUTH_JWKS_URL)")
	f.StringSliceVar(&cfg.RequiredScopes, "required-scope", cfg.RequiredScopes, "scope every token must carry, repeatable (AUTH_REQUIRED_SCOPES)")
	f.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "YAML credential file for tokenfile mode (AUTH_TOKEN_FILE)")
	f.StringVar(&cfg.Realm, "realm", cfg.Realm, "realm advertised in WWW-Authenticate (AUTH_REALM)")
	f.StringVar(&cfg.EventStore, "event-store", cfg.EventStore, "memory or redis (EVENT_STORE)")
	f.StringVar(&cfg.Redis.RedisAddr, "redis-addr", cfg.Redis.RedisAddr, "Redis address for the redis event store (REDIS_ADDR)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text (LOG_FORMAT)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog (default command)",
		Args:  cobra.NoArgs,
		RunE:  runE,
	})

	return rootCmd
}
