package crypto

import (
	"crypto/ed25519"
	"fmt"
	"time"
)

func generateEd25519(owner Owner, ttl time.Duration) (*Key, *Key, error) {
	pubBytes, privBytes, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	priv, err := newKey(AlgEd25519, privBytes, owner, ttl, true)
	if err != nil {
		return nil, nil, err
	}
	pub, err := newKey(AlgEd25519, pubBytes, owner, ttl, true)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// Sign signs message with an Ed25519 private key.
func Sign(priv *Key, message []byte) ([]byte, error) {
	if priv.Algorithm() != AlgEd25519 {
		return nil, fmt.Errorf("%w: sign requires Ed25519, got %s", ErrUnsupportedAlgorithm, priv.Algorithm())
	}
	material, err := priv.Material()
	if err != nil {
		return nil, err
	}
	if len(material) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeyLength
	}
	return ed25519.Sign(ed25519.PrivateKey(material), message), nil
}

// Verify verifies an Ed25519 signature. It never returns an error for a
// bad signature — only false — matching the AEAD convention that
// authentication failure is a boolean/sentinel, not an exceptional path.
func Verify(pub *Key, message, signature []byte) bool {
	if pub.Algorithm() != AlgEd25519 {
		return false
	}
	material, err := pub.Material()
	if err != nil || len(material) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(material), message, signature)
}
