package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
)

// RandomBytes returns n cryptographically random bytes from the process
// CSPRNG. Failure to read from the OS entropy source is treated as
// fatal by callers per the fault taxonomy (RandomSourceFailure).
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomSourceFailure, err)
	}
	return b, nil
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RandomU64 returns a single random uint64.
func RandomU64() (uint64, error) {
	b, err := RandomBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}
