package domain

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyCredentials = errors.New("credentials must not be empty")
	ErrNotConnected     = errors.New("session is not streaming")
	ErrOutboxFull       = errors.New("too many unconfirmed messages in channel")
	ErrUnknownEntry     = errors.New("no outbox entry with that correlation id")
	ErrNotResendable    = errors.New("outbox entry is not in failed state")
	ErrDuplicateEntry   = errors.New("correlation id is already tracked")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrUnknownGuild     = errors.New("unknown guild")
	ErrEvictionLoss     = errors.New("requested range is outside the retained window")
	ErrClosed           = errors.New("engine is closed")
)

// AuthError means the server rejected the credentials. It is terminal for
// those credentials.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication rejected"
	}
	return "authentication rejected: " + e.Reason
}

// NetworkError is a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError means the server sent data the client could not understand.
type ProtocolError struct {
	Frame  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in %q frame: %s", e.Frame, e.Reason)
}

// RemoteError is an error the server returned for a specific request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// ConsistencyWarning records an event that referenced an entity the cache
// does not hold. It is never fatal; a later resync heals it.
type ConsistencyWarning struct {
	Event  EventKind
	Cursor Cursor
	Entity Entity
	ID     string
	Reason string
}

func (w ConsistencyWarning) Error() string {
	return fmt.Sprintf("%s@%d: %s %s %s", w.Event, w.Cursor, w.Entity, w.ID, w.Reason)
}

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNetworkError reports whether err is or wraps a *NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
