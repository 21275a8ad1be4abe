// Package authtest provides in-memory authenticators for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/ggoodman/mcp-sessiond/auth"
)

// StaticTokens maps credential strings to user ids. It counts every call so
// tests can assert how often verification happened.
type StaticTokens struct {
	tokens map[string]string
	calls  atomic.Int64
}

// NewStaticTokens returns an authenticator accepting exactly the given
// token to user id pairs.
func NewStaticTokens(tokens map[string]string) *StaticTokens {
	m := make(map[string]string, len(tokens))
	for k, v := range tokens {
		m[k] = v
	}
	return &StaticTokens{tokens: m}
}

func (s *StaticTokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	s.calls.Add(1)
	uid, ok := s.tokens[tok]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return User(uid), nil
}

// Calls reports how many times CheckAuthentication has been invoked.
func (s *StaticTokens) Calls() int64 { return s.calls.Load() }

// User is a UserInfo whose only claim is its id.
type User string

func (u User) UserID() string { return string(u) }

func (u User) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
