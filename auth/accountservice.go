package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// AccountServiceOption configures the account service authenticator.
type AccountServiceOption func(*accountService)

// WithAccountServiceClient overrides the HTTP client used for verification calls.
func WithAccountServiceClient(c *http.Client) AccountServiceOption {
	return func(a *accountService) { a.client = c }
}

// WithAccountServiceTimeout bounds each verification call. Defaults to 10s.
func WithAccountServiceTimeout(d time.Duration) AccountServiceOption {
	return func(a *accountService) { a.timeout = d }
}

// NewAccountService returns an Authenticator that asks a remote account
// service who owns a credential. The service is called with
// "GET <endpoint>" and the credential as a bearer token; a 2xx JSON object
// carrying an "id" (or "sub") field identifies the principal.
func NewAccountService(endpoint string, opts ...AccountServiceOption) (Authenticator, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid account service endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("account service endpoint must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	a := &accountService{endpoint: u.String(), client: http.DefaultClient, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type accountService struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

// maxIdentityBody bounds the identity document read from the account service.
const maxIdentityBody = 1 << 20

func (a *accountService) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, ErrMissingCredential
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	res, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, fmt.Errorf("identity request failed: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxIdentityBody))
		return nil, fmt.Errorf("%w: account service returned %d", ErrUnauthorized, res.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxIdentityBody))
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, fmt.Errorf("read identity: %w", err))
	}

	var ident struct {
		ID  string `json:"id"`
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal(body, &ident); err != nil {
		return nil, errors.Join(ErrUnauthorized, fmt.Errorf("decode identity: %w", err))
	}
	id := ident.ID
	if id == "" {
		id = ident.Sub
	}
	if id == "" {
		return nil, fmt.Errorf("%w: identity has no id", ErrUnauthorized)
	}

	return &accountPrincipal{id: id, raw: body}, nil
}

type accountPrincipal struct {
	id  string
	raw json.RawMessage
}

func (p *accountPrincipal) UserID() string       { return p.id }
func (p *accountPrincipal) Claims(ref any) error { return json.Unmarshal(p.raw, ref) }
