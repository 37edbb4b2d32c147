package crypto

import "errors"

// Protocol-violation and state-fault sentinels for the primitives engine.
// Callers compare with errors.Is; wrapped errors from higher layers unwrap
// to one of these.
var (
	ErrUnsupportedAlgorithm = errors.New("crypto: unsupported algorithm")
	ErrInvalidKeyLength     = errors.New("crypto: invalid key length")
	ErrExpiredKey           = errors.New("crypto: key expired")
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
	ErrInvalidNonceLength   = errors.New("crypto: invalid nonce length")
	ErrRandomSourceFailure  = errors.New("crypto: random source failure")
	ErrInvalidDHInput       = errors.New("crypto: invalid dh input")
)
