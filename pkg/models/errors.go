package models

import "errors"

// Callers wrap these with fmt.Errorf("%w: ...") and match them with errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("not authorized")
	ErrExternalService = errors.New("external service error")
	ErrConflict        = errors.New("conflict")

	// Unique constraint violation reported by a store.
	ErrDuplicateKey = errors.New("duplicate key")
)
