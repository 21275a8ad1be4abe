package stdio

import (
	"encoding/json"
	"os/user"
)

// UserProvider names the local peer. A stdio client is whoever spawned the
// process, so no credential is exchanged.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider resolves the user ID using the operating system's current user.
// The returned ID is user.Username when available; falling back to user.Uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser always reports the same id.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }

// localUser is the principal of a stdio session.
type localUser string

func (u localUser) UserID() string { return string(u) }

func (u localUser) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": string(u)})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
