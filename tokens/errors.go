package tokens

import "errors"

// Verification failures are distinct kinds so callers can decide
// differently: an expired token means "ask for a fresh one"; a bad
// signature is a security event.
var (
	ErrTokenExpired     = errors.New("tokens: token expired")
	ErrInvalidSignature = errors.New("tokens: invalid signature")
	ErrInvalidAudience  = errors.New("tokens: invalid audience")
	ErrInvalidClaims    = errors.New("tokens: invalid claims")
)
