package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/mcp-sessiond/internal/jwtauth"
)

// JWTConfig describes how bearer JWTs are validated. Issuer and at least one
// audience are always required. JWKSURL is only consulted by NewFromJWKS;
// discovery finds the key set on its own.
type JWTConfig struct {
	Issuer    string
	Audiences []string
	JWKSURL   string

	// RequiredScopes must all appear in the space-delimited "scope" claim,
	// or just one of them when AnyScope is set.
	RequiredScopes []string
	AnyScope       bool

	AllowedAlgs []string      // RS256 when empty
	Leeway      time.Duration // 60s when zero
}

func (c JWTConfig) verifierConfig() (*jwtauth.Config, error) {
	if c.Issuer == "" {
		return nil, errors.New("jwt: issuer required")
	}
	if len(c.Audiences) == 0 {
		return nil, errors.New("jwt: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return nil, errors.New("jwt: empty audience entry")
		}
	}

	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = c.Issuer
	cfg.ExpectedAudiences = append([]string(nil), c.Audiences...)
	cfg.RequiredScopes = append([]string(nil), c.RequiredScopes...)
	cfg.ScopeModeAny = c.AnyScope
	if len(c.AllowedAlgs) > 0 {
		cfg.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	}
	if c.Leeway > 0 {
		cfg.Leeway = c.Leeway
	}
	return cfg, nil
}

// NewFromDiscovery validates RFC 9068 access tokens ("typ": "at+jwt") whose
// signing keys are located through OpenID Connect discovery on the issuer.
func NewFromDiscovery(ctx context.Context, c JWTConfig) (Authenticator, error) {
	cfg, err := c.verifierConfig()
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{v: v}, nil
}

// NewFromJWKS validates JWTs against a fixed key set URL without discovery.
func NewFromJWKS(ctx context.Context, c JWTConfig) (Authenticator, error) {
	if c.JWKSURL == "" {
		return nil, errors.New("jwt: JWKS URL required")
	}
	cfg, err := c.verifierConfig()
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewStatic(ctx, cfg, c.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &jwtAuthenticator{v: v}, nil
}

type jwtAuthenticator struct {
	v *jwtauth.Verifier
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := a.v.CheckAuthentication(ctx, tok)
	switch {
	case errors.Is(err, jwtauth.ErrInsufficientScope):
		return nil, errors.Join(ErrUnauthorized, ErrInsufficientScope, err)
	case err != nil:
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}
