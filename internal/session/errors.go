package session

import "errors"

// Session binding errors
var (
	ErrUnauthenticated = errors.New("session has no verified identity")
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyBound    = errors.New("session is already bound to a different user")
	ErrInvalidRoom     = errors.New("invalid room ID")
)
