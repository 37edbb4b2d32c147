package ratchet

import "errors"

// Protocol-violation and state-fault sentinels for the Double Ratchet,
// per spec.md §4.D's failure-mode list.
var (
	ErrSessionExpired          = errors.New("ratchet: session expired")
	ErrAuthenticationFailed    = errors.New("ratchet: authentication failed")
	ErrSkippedKeyMissing       = errors.New("ratchet: skipped message key missing")
	ErrSkippedKeyBudgetExceeded = errors.New("ratchet: skipped key budget exceeded")
	ErrInvalidHeader           = errors.New("ratchet: invalid header")
	ErrReplayDetected          = errors.New("ratchet: message already delivered")
	ErrCompromised             = errors.New("ratchet: session marked compromised")
)
