package mtls

import "errors"

var (
	// ErrInvalidKey is returned when an operation is given an identity key
	// that does not name an identity.
	ErrInvalidKey = errors.New("mtls: invalid identity key")

	// ErrInvalidEntry is returned when a certificate entry is missing its
	// certificate or private key.
	ErrInvalidEntry = errors.New("mtls: invalid certificate entry")
)
