// Package common defines shared constants and sentinel errors used across
// hub and relay layers of casalink. Callers should use errors.Is to match
// these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")

	// ErrBadCredentials is returned for both an unknown email and a wrong
	// password. The two cases must stay indistinguishable, message included.
	ErrBadCredentials = errors.New("user name or password incorrect")

	// Session lifecycle errors.
	ErrSessionExpired = errors.New("session expired")

	// Relay protocol errors.
	ErrProtocol           = errors.New("malformed relay message")
	ErrDuplicateRequestID = errors.New("duplicate request id")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrConnectionLost     = errors.New("connection lost")
)
