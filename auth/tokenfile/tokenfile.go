// Package tokenfile implements an Authenticator backed by a YAML file of
// static bearer tokens. The file is watched and reloaded when it changes, so
// tokens can be rotated without restarting the process.
//
// File format:
//
//	tokens:
//	  - token: good-token
//	    user: alice
//	    claims:
//	      email: alice@example.com
package tokenfile

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/mcp-sessiond/auth"
)

// Entry is one credential in the token file.
type Entry struct {
	Token  string         `yaml:"token"`
	User   string         `yaml:"user"`
	Claims map[string]any `yaml:"claims,omitempty"`
}

type document struct {
	Tokens []Entry `yaml:"tokens"`
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger used for reload events.
func WithLogger(log *slog.Logger) Option {
	return func(a *Authenticator) { a.log = log }
}

// Authenticator serves principals from the token file.
type Authenticator struct {
	path string
	log  *slog.Logger

	mu     sync.RWMutex
	byHash map[[sha256.Size]byte]*principal

	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New loads path and starts watching it for changes. Close stops the watcher.
func New(path string, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{path: path, log: slog.Default(), done: make(chan struct{})}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tokenfile: create watcher: %w", err)
	}
	// Watch the directory: editors and secret mounts replace the file rather
	// than writing it in place.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("tokenfile: watch %s: %w", path, err)
	}
	a.watcher = w
	a.wg.Add(1)
	go a.watch()
	return a, nil
}

// Load parses a token file without watching it.
func Load(path string) ([]Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenfile: read %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("tokenfile: parse %s: %w", path, err)
	}
	for i, e := range doc.Tokens {
		if e.Token == "" || e.User == "" {
			return nil, fmt.Errorf("tokenfile: entry %d: token and user are required", i)
		}
	}
	return doc.Tokens, nil
}

func (a *Authenticator) reload() error {
	entries, err := Load(a.path)
	if err != nil {
		return err
	}
	next := make(map[[sha256.Size]byte]*principal, len(entries))
	for _, e := range entries {
		claims := map[string]any{"sub": e.User}
		for k, v := range e.Claims {
			claims[k] = v
		}
		raw, err := json.Marshal(claims)
		if err != nil {
			return fmt.Errorf("tokenfile: encode claims for %s: %w", e.User, err)
		}
		next[sha256.Sum256([]byte(e.Token))] = &principal{id: e.User, claims: raw}
	}
	a.mu.Lock()
	a.byHash = next
	a.mu.Unlock()
	return nil
}

func (a *Authenticator) watch() {
	defer a.wg.Done()
	target := filepath.Base(a.path)
	for {
		select {
		case <-a.done:
			return
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if !affectsTarget(ev, target) {
				continue
			}
			if err := a.reload(); err != nil {
				// Keep serving the previous token set.
				a.log.Warn("tokenfile.reload.fail", slog.String("path", a.path), slog.String("err", err.Error()))
				continue
			}
			a.log.Info("tokenfile.reload.ok", slog.String("path", a.path))
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.log.Warn("tokenfile.watch.fail", slog.String("err", err.Error()))
		}
	}
}

// CheckAuthentication looks the token up by digest.
func (a *Authenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrMissingCredential
	}
	a.mu.RLock()
	p, ok := a.byHash[sha256.Sum256([]byte(tok))]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return p, nil
}

// Close stops watching the file. It is safe to call concurrently.
func (a *Authenticator) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		err := a.watcher.Close()
		a.wg.Wait()
		if err != nil && !errors.Is(err, fsnotify.ErrClosed) {
			a.closeErr = err
		}
	})
	return a.closeErr
}

// affectsTarget reports whether ev may have changed the contents visible at
// the watched path. Besides direct writes and replacements, Kubernetes-style
// secret mounts swap a "..data" symlink that the file resolves through.
func affectsTarget(ev fsnotify.Event, target string) bool {
	switch filepath.Base(ev.Name) {
	case target:
		return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
	case "..data":
		return ev.Op&(fsnotify.Create|fsnotify.Rename) != 0
	}
	return false
}

type principal struct {
	id     string
	claims json.RawMessage
}

func (p *principal) UserID() string       { return p.id }
func (p *principal) Claims(ref any) error { return json.Unmarshal(p.claims, ref) }
