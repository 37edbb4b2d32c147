package registry

import "errors"

// Protocol-violation and state-fault sentinels for the key registry.
var (
	ErrDeviceNotFound     = errors.New("registry: device not found")
	ErrBundleStale        = errors.New("registry: bundle is stale")
	ErrInvalidSignature   = errors.New("registry: invalid bundle signature")
	ErrOneTimePrekeysGone = errors.New("registry: one-time prekey pool exhausted")
	ErrAlreadyRegistered  = errors.New("registry: device already registered")
)
