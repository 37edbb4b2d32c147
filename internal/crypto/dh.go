package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
)

// GenerateKeyPair generates a fresh key pair for the given DH or
// signature protocol, owned by owner with the given ttl (0 = no expiry).
func GenerateKeyPair(protocol Algorithm, owner Owner, ttl time.Duration) (priv, pub *Key, err error) {
	switch protocol {
	case AlgX25519:
		return generateX25519(owner, ttl)
	case AlgEd25519:
		return generateEd25519(owner, ttl)
	case AlgECDHP256:
		return generateECDHP256(owner, ttl)
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, protocol)
	}
}

func generateX25519(owner Owner, ttl time.Duration) (*Key, *Key, error) {
	privBytes, err := RandomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	// Clamp per Curve25519 spec, as the teacher's GenerateKeyPair does.
	privBytes[0] &= 248
	privBytes[31] &= 127
	privBytes[31] |= 64

	pubBytes, err := curve25519.X25519(privBytes, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: derive x25519 public key: %w", err)
	}

	priv, err := newKey(AlgX25519, privBytes, owner, ttl, true)
	if err != nil {
		return nil, nil, err
	}
	pub, err := newKey(AlgX25519, pubBytes, owner, ttl, true)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func generateECDHP256(owner Owner, ttl time.Duration) (*Key, *Key, error) {
	curve := ecdh.P256()
	eph, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate P256 key: %w", err)
	}
	priv, err := newKey(AlgECDHP256, eph.Bytes(), owner, ttl, true)
	if err != nil {
		return nil, nil, err
	}
	pub, err := newKey(AlgECDHP256, eph.PublicKey().Bytes(), owner, ttl, true)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// DH performs a Diffie-Hellman scalar multiplication. Both keys must
// carry the same DH-capable algorithm; the result is rejected if it is
// the all-zero point (a small-subgroup / invalid-key attack marker).
func DH(priv, pub *Key) ([]byte, error) {
	if priv.Algorithm() != pub.Algorithm() {
		return nil, fmt.Errorf("%w: mismatched algorithms %s/%s", ErrInvalidDHInput, priv.Algorithm(), pub.Algorithm())
	}

	privMaterial, err := priv.Material()
	if err != nil {
		return nil, err
	}
	pubMaterial, err := pub.Material()
	if err != nil {
		return nil, err
	}

	switch priv.Algorithm() {
	case AlgX25519:
		shared, err := curve25519.X25519(privMaterial, pubMaterial)
		if err != nil {
			return nil, fmt.Errorf("crypto: x25519 dh: %w", err)
		}
		if bytes.Equal(shared, make([]byte, 32)) {
			return nil, fmt.Errorf("%w: all-zero shared secret", ErrInvalidDHInput)
		}
		return shared, nil
	case AlgECDHP256:
		curve := ecdh.P256()
		p, err := curve.NewPrivateKey(privMaterial)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDHInput, err)
		}
		q, err := curve.NewPublicKey(pubMaterial)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDHInput, err)
		}
		shared, err := p.ECDH(q)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDHInput, err)
		}
		return shared, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a DH algorithm", ErrUnsupportedAlgorithm, priv.Algorithm())
	}
}
