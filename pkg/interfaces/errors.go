package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrTripNotFound = errors.New("trip not found")
	ErrAccessDenied = errors.New("user is not an owner or collaborator of this trip")
)
