package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: already exists")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
)

// ErrInvalidToken indicates the token failed signature, issuer, audience or
// structural validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrTokenExpired indicates the token was well formed but its expiry is in the
// past. Callers use this to prompt a refresh instead of a full re-login.
var ErrTokenExpired = errors.New("auth: token expired")

// ErrTokenReused indicates a refresh token that was already rotated or revoked
// was presented again. From the caller's point of view this is an ordinary
// authorization failure, but it is surfaced distinctly so it can be flagged as
// possible credential theft.
var ErrTokenReused = errors.New("auth: refresh token reused")

// ErrNotConfigured indicates no signing key material is available.
var ErrNotConfigured = errors.New("auth: token signing is not configured")
