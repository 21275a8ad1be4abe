package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/ggoodman/mcp-sessiond/auth"
	"github.com/ggoodman/mcp-sessiond/auth/tokenfile"
	"github.com/ggoodman/mcp-sessiond/eventstore"
	"github.com/ggoodman/mcp-sessiond/eventstore/memorystore"
	"github.com/ggoodman/mcp-sessiond/eventstore/redisstore"
	"github.com/ggoodman/mcp-sessiond/examples/echo"
	"github.com/ggoodman/mcp-sessiond/internal/config"
	"github.com/ggoodman/mcp-sessiond/internal/engine"
	"github.com/ggoodman/mcp-sessiond/internal/logctx"
	"github.com/ggoodman/mcp-sessiond/internal/wellknown"
	"github.com/ggoodman/mcp-sessiond/sessions/memoryregistry"
	"github.com/ggoodman/mcp-sessiond/stdio"
	"github.com/ggoodman/mcp-sessiond/streaminghttp"
)

// run serves until ctx is done. It returns nil after an orderly shutdown and
// an error when startup fails.
func run(ctx context.Context, cfg config.Config, stdin io.Reader, stdout, stderr io.Writer) error {
	log, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}
	log = logctx.Wrap(log)

	eng := engine.New(echo.New(),
		engine.WithServerInfo(echo.ServerInfo),
		engine.WithLogger(log),
	)

	if cfg.Transport == config.TransportStdio {
		h := stdio.NewHandler(eng, stdio.WithIO(stdin, stdout), stdio.WithLogger(log))
		if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	authn, closeAuthn, err := newAuthenticator(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("configure authentication: %w", err)
	}
	defer closeAuthn()

	events, closeEvents, err := newEventStore(cfg)
	if err != nil {
		return fmt.Errorf("configure event store: %w", err)
	}
	defer closeEvents()

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithIdleTimeout(cfg.IdleTimeout),
		streaminghttp.WithSweepInterval(cfg.SweepInterval),
		streaminghttp.WithShutdownTimeout(cfg.ShutdownTimeout),
		streaminghttp.WithEventStore(events),
		streaminghttp.WithAllowedOrigin(cfg.AllowedOrigin),
		streaminghttp.WithRealm(cfg.Realm),
	}
	if cfg.AuthMode == config.AuthOIDC || cfg.AuthMode == config.AuthJWT {
		opts = append(opts, streaminghttp.WithProtectedResourceMetadata(wellknown.ProtectedResourceMetadata{
			AuthorizationServers: []string{cfg.Issuer},
			JwksURI:              cfg.JWKSURL,
			ScopesSupported:      cfg.RequiredScopes,
			ResourceName:         echo.ServerInfo.Name,
		}))
	}

	registry := memoryregistry.New(memoryregistry.WithMaxSessions(cfg.MaxSessions))
	resolver := auth.NewResolver(authn, auth.WithResolverLogger(log))
	h, err := streaminghttp.New(cfg.Endpoint(), registry, eng, resolver, opts...)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return h.Serve(ctx, ln)
}

func newAuthenticator(ctx context.Context, cfg config.Config, log *slog.Logger) (auth.Authenticator, func(), error) {
	noop := func() {}
	jc := auth.JWTConfig{
		Issuer:         cfg.Issuer,
		Audiences:      []string{cfg.Audience},
		JWKSURL:        cfg.JWKSURL,
		RequiredScopes: cfg.RequiredScopes,
		AnyScope:       cfg.AnyScope,
		AllowedAlgs:    cfg.AllowedAlgs,
		Leeway:         cfg.Leeway,
	}

	switch cfg.AuthMode {
	case config.AuthAccount:
		a, err := auth.NewAccountService(cfg.AccountServiceURL, auth.WithAccountServiceTimeout(cfg.AccountServiceTimeout))
		return a, noop, err
	case config.AuthOIDC:
		a, err := auth.NewFromDiscovery(ctx, jc)
		return a, noop, err
	case config.AuthJWT:
		a, err := auth.NewFromJWKS(ctx, jc)
		return a, noop, err
	case config.AuthTokenFile:
		a, err := tokenfile.New(cfg.TokenFile, tokenfile.WithLogger(log))
		if err != nil {
			return nil, noop, err
		}
		return a, func() { _ = a.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
}

func newEventStore(cfg config.Config) (eventstore.Store, func(), error) {
	switch cfg.EventStore {
	case config.EventStoreRedis:
		s, err := redisstore.New(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return memorystore.New(), func() {}, nil
	}
}
