package auth

import "errors"

// Token verification errors
var (
	ErrMissingSecret = errors.New("jwt secret is not configured")
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingUserID = errors.New("token carries no user ID")
)
