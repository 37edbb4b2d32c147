package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF derives length bytes from ikm using HKDF-SHA256, as the teacher's
// SignalProtocol.HKDFDeriveKey does for root/chain/message keys. When
// salt is empty, a deterministic salt derived from SHA256(info‖ikm) is
// substituted instead of an all-zero or nil salt, so a caller that
// forgets to pass a salt doesn't silently downgrade HKDF's extract step
// to a fixed public constant that the teacher's code used unconditionally.
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	if len(salt) == 0 {
		h := sha256.New()
		h.Write(info)
		h.Write(ikm)
		salt = h.Sum(nil)
	}
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derive: %w", err)
	}
	return out, nil
}
