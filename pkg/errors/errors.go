package unity_errors

import (
	"errors"
)

// Common errors
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrAlreadyExists     = errors.New("already exists")

	// Call signaling
	ErrTerminalSignal     = errors.New("signal already in terminal status")
	ErrAnswerWithoutOffer = errors.New("answer requires an existing offer")
	ErrCallInProgress     = errors.New("another call is already active")
	ErrSignalWrite        = errors.New("signal write failed")

	// Media
	ErrMediaUnavailable = errors.New("media device unavailable or permission denied")

	ErrSessionClosed = errors.New("peer session closed")
)
