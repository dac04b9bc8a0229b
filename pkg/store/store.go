package store

import (
	"errors"

	"github.com/opendx28/slicerhub/pkg/types"
)

var (
	// ErrSessionExists is returned when a session for the same user already
	// exists. Callers treat it as "session already exists" and redirect.
	ErrSessionExists = errors.New("session already exists for user")

	// ErrSessionNotFound is returned when no session matches the lookup.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCapacityExceeded is returned when inserting a session would push
	// the live count past the configured maximum.
	ErrCapacityExceeded = errors.New("session capacity exceeded")
)

// Store is the durable session table. It is the sole source of truth for
// live sessions; no component keeps an in-memory shadow.
type Store interface {
	// CreateSession inserts a new session. It fails with ErrSessionExists
	// if a session for the same user is already present, and with
	// ErrCapacityExceeded if the live count has reached maxSessions
	// (maxSessions <= 0 disables the cap). Both checks and the insert
	// happen in one transaction, so concurrent logins cannot overshoot
	// the cap or duplicate a user.
	CreateSession(session *types.Session, maxSessions int) error

	GetSession(id string) (*types.Session, error)
	GetSessionByUser(user string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)

	// UpdateSession rewrites the session record. The user field is
	// immutable after creation.
	UpdateSession(session *types.Session) error

	DeleteSession(id string) error

	Close() error
}
