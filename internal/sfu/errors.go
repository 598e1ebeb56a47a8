package sfu

import "errors"

// Error taxonomy of the manager. Validation errors are returned synchronously
// and never retried; transient engine errors are surfaced after any partially
// acquired engine state has been released. Matched with errors.Is.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosing    = errors.New("session is closing")
	ErrUserNotInSession  = errors.New("user not in session")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrNotOwner          = errors.New("resource owned by another user")
	ErrIncompatibleCodec = errors.New("receiver cannot consume producer codec")
	ErrWorkerUnavailable = errors.New("no media worker available")
	ErrWorkerLost        = errors.New("media worker lost")
	ErrEngineTimeout     = errors.New("engine call timed out")
	ErrEngineCallFailed  = errors.New("engine call failed")
)
