package models

import "errors"

// Recoverable error taxonomy surfaced to callers. All of these leave queue
// and version invariants intact.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyArchived   = errors.New("already archived")
	ErrAlreadyExecuting  = errors.New("already executing")
)
