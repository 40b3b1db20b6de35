// Package apperr defines sentinel errors shared across packages.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid input")
	ErrUnavailable   = errors.New("storage unavailable")
	ErrNoRecovery    = errors.New("no recovery pending")
)
