package signalcrypto

import "errors"

var (
	ErrInvalidArgument   = errors.New("signalcrypto: invalid argument")
	ErrInvalidKey        = errors.New("signalcrypto: invalid key")
	ErrInvalidSignature  = errors.New("signalcrypto: invalid signature")
	ErrInvalidMessage    = errors.New("signalcrypto: invalid message")
	ErrDuplicateMessage  = errors.New("signalcrypto: duplicate message")
	ErrLegacyMessage     = errors.New("signalcrypto: legacy message")
	ErrNoSession         = errors.New("signalcrypto: no session")
	ErrUntrustedIdentity = errors.New("signalcrypto: untrusted identity")
	ErrInvalidPadding    = errors.New("signalcrypto: invalid padding")

	// ErrDigestMismatch reports an attachment whose content does not match
	// the digest it was announced with.
	ErrDigestMismatch = errors.New("signalcrypto: attachment digest mismatch")
)
