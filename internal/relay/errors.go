package relay

import "errors"

// Relay errors
var (
	ErrRecipientUnavailable = errors.New("recipient unavailable")
	ErrRateLimited          = errors.New("edit rate limit exceeded")
	ErrSenderNotInRoom      = errors.New("sender is not a member of the room")
	ErrInvalidEnvelope      = errors.New("invalid cluster envelope")
)
