package session

import "errors"

var (
	// ErrSessionNotFound is returned by Lookup for handles that were never
	// connected or have already been disconnected.
	ErrSessionNotFound = errors.New("session not found")
	ErrHandleInUse     = errors.New("connection handle already registered")
	ErrTooManySessions = errors.New("too many sessions")
)
