// Package session provides the authenticated-session capability.
//
// Only the contract matters to the sync layer: a session either carries a
// user id or is absent. The sign-in handshake itself happens elsewhere;
// SignIn just records its outcome.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/todosync/internal/kv"
)

// Key is the storage key holding the current session.
const Key = "todo-session"

// Session is an authenticated session.
type Session struct {
	UserID     string    `json:"user_id"`
	SignedInAt time.Time `json:"signed_in_at"`
}

// Provider returns the current session, if any.
type Provider interface {
	Get() (Session, bool)
}

// Static is a fixed Provider. The zero value has no session.
type Static struct {
	UserID string
}

func (s Static) Get() (Session, bool) {
	if s.UserID == "" {
		return Session{}, false
	}
	return Session{UserID: s.UserID}, true
}

// Stored is a Provider persisted in key-value storage.
type Stored struct {
	storage kv.Storage
}

// NewStored creates a provider backed by storage.
func NewStored(storage kv.Storage) *Stored {
	return &Stored{storage: storage}
}

// Get returns the stored session. Unreadable state counts as signed out.
func (s *Stored) Get() (Session, bool) {
	blob, ok, err := s.storage.Get(Key)
	if err != nil || !ok {
		return Session{}, false
	}
	var sess Session
	if err := json.Unmarshal([]byte(blob), &sess); err != nil || sess.UserID == "" {
		return Session{}, false
	}
	return sess, true
}

// ErrUserRequired is returned by SignIn for a blank user id.
var ErrUserRequired = errors.New("user id is required")

// SignIn records a session for userID.
func (s *Stored) SignIn(userID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, ErrUserRequired
	}
	sess := Session{UserID: userID, SignedInAt: time.Now().UTC()}
	data, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.storage.Set(Key, string(data)); err != nil {
		return Session{}, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

// SignOut forgets the current session.
func (s *Stored) SignOut() error {
	if err := s.storage.Remove(Key); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
