package types

import "errors"

// Frame validation errors
var (
	ErrInvalidFrameType = errors.New("invalid frame type")
	ErrInvalidTripID    = errors.New("trip ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidEventKind = errors.New("invalid event kind")
	ErrInvalidPayload   = errors.New("payload must be a JSON object")
	ErrPayloadTooLarge  = errors.New("payload exceeds 64KB limit")
	ErrMissingToken     = errors.New("authenticate frame requires a token")
)
