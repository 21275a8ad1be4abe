package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const bearerScheme = "bearer"

// BearerToken extracts the credential from an Authorization header value. The
// "Bearer" scheme is matched case-insensitively and stripped along with any
// surrounding whitespace. A bare value with no scheme is returned trimmed, as
// the raw credential. Any other scheme ("Basic ...") yields the empty string
// so it is treated as a missing credential.
func BearerToken(header string) string {
	fields := strings.Fields(header)
	switch {
	case len(fields) == 0:
		return ""
	case strings.EqualFold(fields[0], bearerScheme):
		return strings.TrimSpace(strings.TrimSpace(header)[len(bearerScheme):])
	case len(fields) == 1:
		return fields[0]
	default:
		return ""
	}
}

// Resolver turns an Authorization header into a principal using a single
// Authenticator call. Every failure is reported as ErrUnauthorized so callers
// never leak the verifier's reasoning to clients.
type Resolver struct {
	authn Authenticator
	log   *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger used to record verification failures.
func WithResolverLogger(log *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

// NewResolver returns a Resolver delegating verification to authn.
func NewResolver(authn Authenticator, opts ...ResolverOption) *Resolver {
	r := &Resolver{authn: authn, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve verifies the credential carried by authorizationHeader. A missing
// credential fails with ErrMissingCredential without contacting the
// authenticator.
func (r *Resolver) Resolve(ctx context.Context, authorizationHeader string) (UserInfo, error) {
	tok := BearerToken(authorizationHeader)
	if tok == "" {
		r.log.DebugContext(ctx, "auth.resolve.missing")
		return nil, ErrMissingCredential
	}

	ui, err := r.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		r.log.InfoContext(ctx, "auth.resolve.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: credential rejected", ErrUnauthorized)
	}
	if ui == nil || ui.UserID() == "" {
		r.log.WarnContext(ctx, "auth.resolve.empty_principal")
		return nil, fmt.Errorf("%w: verifier returned no principal", ErrUnauthorized)
	}

	return ui, nil
}
