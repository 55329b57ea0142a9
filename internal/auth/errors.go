package auth

import "errors"

// Sentinel errors for token verification.
var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
)
