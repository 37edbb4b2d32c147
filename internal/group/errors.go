package group

import "errors"

var (
	ErrUnknownGroup         = errors.New("group: unknown group")
	ErrUnknownEpoch         = errors.New("group: unknown epoch")
	ErrEpochTooOld          = errors.New("group: epoch outside retention window")
	ErrNotAMember           = errors.New("group: not a member")
	ErrAuthenticationFailed = errors.New("group: authentication failed")
)
