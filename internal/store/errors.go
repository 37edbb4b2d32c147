package store

import "errors"

var (
	ErrNotFound         = errors.New("store: session not found")
	ErrCorruptBlob      = errors.New("store: corrupt session blob")
	ErrInvalidSessionID = errors.New("store: invalid session id")
)
