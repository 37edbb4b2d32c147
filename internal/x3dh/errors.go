package x3dh

import "errors"

// Protocol-violation sentinels for session initiation.
var (
	ErrInvalidBundleSignature  = errors.New("x3dh: peer bundle signature invalid")
	ErrIdentityPrivUnavailable = errors.New("x3dh: our identity private key unavailable")
	ErrMissingRatchetKeys      = errors.New("x3dh: our device has no signed prekey")
)
