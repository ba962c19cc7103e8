package routex

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrBadRequest           = errors.New("bad request")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrTimestampOutOfWindow = errors.New("timestamp out of window")
	ErrRateLimited          = errors.New("rate limited")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrNoChannel            = errors.New("no channel available")
	ErrRoutedChannel        = errors.New("routed channel unavailable")
	ErrBadCiphertext        = errors.New("bad ciphertext")
	ErrTokenLimit           = errors.New("token limit exceeded")
	ErrTransform            = errors.New("transform failed")
	ErrUpstream             = errors.New("upstream error")
	ErrTimeout              = errors.New("upstream timeout")
	ErrSessionExpired       = errors.New("oauth session expired")
)
