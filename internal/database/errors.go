package database

import (
	"errors"

	"tripsync/pkg/interfaces"
)

// Access store errors. Lookup failures reuse the interface-level sentinels
// so callers can match them without importing this package.
var (
	ErrTripNotFound = interfaces.ErrTripNotFound
	ErrAccessDenied = interfaces.ErrAccessDenied
	ErrClosed       = errors.New("access store is closed")
)
