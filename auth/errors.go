package auth

import "errors"

var (
	// ErrMissingCredential indicates no bearer credential was presented.
	ErrMissingCredential = errors.New("auth: missing credential")

	// ErrMalformedCredential indicates the credential could not be
	// classified as either a first-party or an external CI token. Fails
	// closed: an unclassifiable credential is never tried against a
	// verifier.
	ErrMalformedCredential = errors.New("auth: malformed credential")

	// ErrSessionMismatch indicates the caller authenticated successfully
	// but is not authorized for the session in question: nonce
	// disagreement, run-context disagreement, or a session already
	// failed/aborted. Distinct from an authentication failure.
	ErrSessionMismatch = errors.New("auth: session mismatch")
)
