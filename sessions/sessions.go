package sessions

import (
	"errors"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-sessiond/auth"
)

var (
	// ErrSessionExists is returned by Insert when the id is already present.
	ErrSessionExists = errors.New("session already exists")
	// ErrRegistryFull is returned by Insert when the registry is at capacity.
	ErrRegistryFull = errors.New("session registry full")
	// ErrRegistryClosed is returned by Insert once Drain has been called.
	ErrRegistryClosed = errors.New("session registry closed")
	// ErrInvalidSession is returned for empty ids and nil transports.
	ErrInvalidSession = errors.New("invalid session")
)

// State is the lifecycle state of a registry entry.
type State int

const (
	// StateActive entries are routable.
	StateActive State = iota
	// StateClosing entries are being torn down and are never routed to.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Transport is the per-session protocol adapter a registered session owns.
type Transport interface {
	// Deliver handles one HTTP request for the session. body is the request
	// body already read by the caller, or nil for GET and DELETE.
	Deliver(w http.ResponseWriter, r *http.Request, body []byte) error
	// Close releases the transport. It must be safe to call more than once.
	Close() error
}

// Session is a snapshot of a registry entry.
type Session struct {
	ID           string
	Principal    auth.UserInfo
	Transport    Transport
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
}

// UserID returns the principal's id, or "" when there is none.
func (s Session) UserID() string {
	if s.Principal == nil {
		return ""
	}
	return s.Principal.UserID()
}

// Registry is the set of live sessions. Implementations must be safe for
// concurrent use.
type Registry interface {
	// Insert registers an active session. It fails with ErrSessionExists,
	// ErrRegistryFull, ErrRegistryClosed or ErrInvalidSession.
	Insert(id string, principal auth.UserInfo, t Transport) error
	// Lookup returns the entry for id only while it is active.
	Lookup(id string) (Session, bool)
	// Touch records activity on an active session. Activity time strictly
	// increases across successful touches. It reports whether id was active.
	Touch(id string) bool
	// BeginClose moves an active entry to closing and returns it. Only the
	// first caller for a given id gets ok == true.
	BeginClose(id string) (Session, bool)
	// Remove drops id in any state. Removing an absent id is a no-op.
	Remove(id string)
	// Idle returns active sessions with now - LastActivity > threshold.
	Idle(threshold time.Duration) []Session
	// Drain seals the registry against further inserts, moves every active
	// entry to closing and returns them.
	Drain() []Session
	// Len counts entries in any state.
	Len() int
}
