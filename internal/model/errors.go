package model

import "github.com/rotisserie/eris"

var (
	// ErrSessionNotFound is returned when a session id has no record.
	ErrSessionNotFound = eris.New("session not found")
	// ErrNoURLsFound is returned when URL resolution yields nothing to fetch.
	ErrNoURLsFound = eris.New("no urls found")
	// ErrLockHeld is returned when another operation owns the session lock.
	ErrLockHeld = eris.New("lock held by another operation")
	// ErrLockLost is returned when a fenced write finds its lock token no
	// longer owns the session, usually because the lock expired and was taken.
	ErrLockLost = eris.New("lock lost to another operation")
)
