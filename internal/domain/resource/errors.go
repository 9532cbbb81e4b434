package resource

import "errors"

// Sentinel errors for the store. Handlers map these to transport codes:
// ErrNotFound -> 404, ErrConflict -> 409, ErrInvalid -> 400.
var (
	ErrNotFound = errors.New("resource not found")
	ErrConflict = errors.New("version conflict")
	ErrInvalid  = errors.New("invalid resource")
)
