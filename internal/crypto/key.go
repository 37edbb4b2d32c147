// Package crypto is the primitives engine: the single authoritative
// surface for AEAD, hashing, KDF, DH, signatures, and CSPRNG used by the
// rest of the end-to-end encryption core. No other package in this
// module performs a cryptographic operation directly; everything routes
// through here so key handling and zeroization stay in one place.
package crypto

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Algorithm tags the kind of key material or operation a Key/AEAD call
// is bound to.
type Algorithm string

const (
	AlgAES256GCM         Algorithm = "AES-256-GCM"
	AlgChaCha20Poly1305  Algorithm = "ChaCha20-Poly1305"
	AlgXChaCha20Poly1305 Algorithm = "XChaCha20-Poly1305"
	AlgAES256CBCLegacy   Algorithm = "AES-256-CBC" // decrypt-only, not secure
	AlgX25519            Algorithm = "X25519"
	AlgEd25519           Algorithm = "Ed25519"
	AlgECDHP256          Algorithm = "ECDH-P256"
	AlgSHA256            Algorithm = "SHA-256"
	AlgSHA512            Algorithm = "SHA-512"
	AlgBLAKE2b           Algorithm = "BLAKE2b"
	AlgHKDFIKM           Algorithm = "HKDF-IKM"
)

// Owner identifies the holder of a Key. Either field may be empty for
// ephemeral keys (X3DH ephemerals, ratchet DH keys).
type Owner struct {
	User   string
	Device string
}

// Key is an opaque cryptographic key. Material is never copied into logs
// or long-lived caches past ExpiresAt, and is wiped on Destroy. Keys are
// singly owned: sharing is done by Clone (fresh allocation + copy) or by
// reference through a lock-protected map, never by aliasing the
// material slice.
type Key struct {
	mu          sync.Mutex
	id          string
	algorithm   Algorithm
	material    []byte
	owner       Owner
	createdAt   time.Time
	expiresAt   time.Time
	isEphemeral bool
	destroyed   bool
}

// ImportKey wraps externally-sourced material — a public key received
// over the wire in a handshake message or message header, for
// instance — as a Key without generating new material or applying any
// scalar clamping a freshly generated private key would need. Material
// is copied, never aliased, so the caller's own buffer can be reused
// or discarded afterward.
func ImportKey(alg Algorithm, material []byte, owner Owner, ttl time.Duration) (*Key, error) {
	imported := make([]byte, len(material))
	copy(imported, material)
	return newKey(alg, imported, owner, ttl, false)
}

func newKey(alg Algorithm, material []byte, owner Owner, ttl time.Duration, ephemeral bool) (*Key, error) {
	id, err := RandomHex(16)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key id: %w", err)
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)
	if ttl <= 0 {
		expires = now.AddDate(100, 0, 0) // effectively non-expiring
	}
	return &Key{
		id:          id,
		algorithm:   alg,
		material:    material,
		owner:       owner,
		createdAt:   now,
		expiresAt:   expires,
		isEphemeral: ephemeral,
	}, nil
}

// ID returns the key's stable hex identifier.
func (k *Key) ID() string { return k.id }

// Algorithm returns the algorithm tag this key was created for.
func (k *Key) Algorithm() Algorithm { return k.algorithm }

// Owner returns the user/device that holds this key.
func (k *Key) Owner() Owner { return k.owner }

// CreatedAt returns the key's creation time.
func (k *Key) CreatedAt() time.Time { return k.createdAt }

// ExpiresAt returns the key's expiry time.
func (k *Key) ExpiresAt() time.Time { return k.expiresAt }

// IsEphemeral reports whether this key was generated for single use.
func (k *Key) IsEphemeral() bool { return k.isEphemeral }

// IsExpired reports whether the key has passed its expiry time.
func (k *Key) IsExpired() bool {
	return time.Now().UTC().After(k.expiresAt)
}

// Material returns the raw key bytes. Callers must not retain the
// returned slice past the key's lifetime; it aliases internal storage
// and is zeroed on Destroy.
func (k *Key) Material() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return nil, fmt.Errorf("crypto: key %s already destroyed", k.id)
	}
	if k.IsExpired() {
		return nil, ErrExpiredKey
	}
	return k.material, nil
}

// Clone returns a deep copy of the key with fresh backing memory.
func (k *Key) Clone() (*Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return nil, fmt.Errorf("crypto: key %s already destroyed", k.id)
	}
	material := make([]byte, len(k.material))
	copy(material, k.material)
	clone, err := newKey(k.algorithm, material, k.owner, time.Until(k.expiresAt), k.isEphemeral)
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// Destroy zeroes the key material in place. Safe to call more than
// once. Never call String/Material/Fingerprint on a destroyed key.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return
	}
	zero(k.material)
	k.destroyed = true
}

// String deliberately omits key material; it is safe to pass a Key to a
// logger.
func (k *Key) String() string {
	return fmt.Sprintf("Key{id=%s alg=%s owner=%s/%s ephemeral=%v}", k.id, k.algorithm, k.owner.User, k.owner.Device, k.isEphemeral)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Fingerprint returns a short hex hash of a key's public/raw material,
// suitable for out-of-band verification. internal/trust's SafetyNumber
// hashes raw key material itself and does not call this.
func Fingerprint(k *Key) (string, error) {
	material, err := k.Material()
	if err != nil {
		return "", err
	}
	digest, err := Hash(AlgSHA256, material)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}
