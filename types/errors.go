package types

import "errors"

var (
	// ErrNotFound is returned when the document or session doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrInternal (for unahandled exceptions)
	ErrInternal = errors.New("internal error")

	// ErrConflict is returned when the resource conflicts (e.g. update of old revision)
	ErrConflict = errors.New("conflict")

	// ErrBadRequest is returned on invalid input
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized is returned when the caller can't prove control of the identity it claims
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTooManyRequests is returned when a rate limit is exceeded
	ErrTooManyRequests = errors.New("too many requests")

	// ErrServerMisconfigured is returned when the server secret is missing
	ErrServerMisconfigured = errors.New("server misconfigured")

	// ErrDecryptionFailed is returned when an at-rest share can't be decrypted (tamper or wrong secret)
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrShareVersionUnavailable is returned when the requested share version was evicted
	ErrShareVersionUnavailable = errors.New("share unavailable")

	// ErrSessionNotFound is returned for unknown QR login sessions
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when a QR login session passed its expiry
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionAlreadyApproved is returned on a second approval of the same session
	ErrSessionAlreadyApproved = errors.New("session already approved")

	// ErrInvalidPublicKey is returned when a public key can't be parsed or doesn't match
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrPasskeyNotRegistered is returned when a passkey recovery method references an unknown credential
	ErrPasskeyNotRegistered = errors.New("passkey not registered")
)
