package crypto

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Hash digests data under the named algorithm. Mirrors the teacher's
// direct use of crypto/sha256 for hashing (phone-number hashing, safety
// numbers) rather than reaching for a third-party hash package for the
// two stdlib-covered algorithms.
func Hash(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case AlgSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case AlgSHA512:
		sum := sha512.Sum512(data)
		return sum[:], nil
	case AlgBLAKE2b:
		sum := blake2b.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}
