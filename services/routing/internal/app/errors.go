package app

import "errors"

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrForbidden = errors.New("forbidden")
	// ErrValidation wraps input problems; the wrapped message is safe to show.
	ErrValidation = errors.New("validation failed")
)
