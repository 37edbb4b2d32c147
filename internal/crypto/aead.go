package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	nonceSizeStandard = 12
	nonceSizeExtended = 24
	tagSize           = 16
	symmetricKeySize  = 32
)

// GenerateSymmetricKey generates a fresh AEAD key. Material length is
// always 32 bytes (AES-256 / ChaCha20-Poly1305 key size).
func GenerateSymmetricKey(alg Algorithm, owner Owner, ttl time.Duration) (*Key, error) {
	switch alg {
	case AlgAES256GCM, AlgChaCha20Poly1305, AlgXChaCha20Poly1305:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	material, err := RandomBytes(symmetricKeySize)
	if err != nil {
		return nil, err
	}
	return newKey(alg, material, owner, ttl, false)
}

func aeadFor(alg Algorithm, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AlgAES256GCM:
		if len(key) != symmetricKeySize {
			return nil, ErrInvalidKeyLength
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgChaCha20Poly1305:
		if len(key) != symmetricKeySize {
			return nil, ErrInvalidKeyLength
		}
		return chacha20poly1305.New(key)
	case AlgXChaCha20Poly1305:
		if len(key) != symmetricKeySize {
			return nil, ErrInvalidKeyLength
		}
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
}

func expectedNonceSize(alg Algorithm) int {
	if alg == AlgXChaCha20Poly1305 {
		return nonceSizeExtended
	}
	return nonceSizeStandard
}

// AEADEncrypt encrypts plaintext under key with a caller-supplied nonce.
// Nonces MUST be freshly generated per call by the caller (RandomBytes);
// reuse under the same key is a defined fault this function cannot
// detect. Returns ciphertext and a detached 16-byte tag.
func AEADEncrypt(alg Algorithm, key, nonce, aad, plaintext []byte) (ciphertext, tag []byte, err error) {
	if len(nonce) != expectedNonceSize(alg) {
		return nil, nil, fmt.Errorf("%w: want %d got %d", ErrInvalidNonceLength, expectedNonceSize(alg), len(nonce))
	}
	aead, err := aeadFor(alg, key)
	if err != nil {
		return nil, nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	if len(sealed) < tagSize {
		return nil, nil, fmt.Errorf("crypto: sealed output shorter than tag size")
	}
	split := len(sealed) - tagSize
	ciphertext = make([]byte, split)
	copy(ciphertext, sealed[:split])
	tag = make([]byte, tagSize)
	copy(tag, sealed[split:])
	return ciphertext, tag, nil
}

// AEADDecrypt decrypts ciphertext+tag under key with nonce and aad. On
// authentication failure it returns ErrAuthenticationFailed and never a
// partial plaintext.
func AEADDecrypt(alg Algorithm, key, nonce, aad, ciphertext, tag []byte) ([]byte, error) {
	if len(nonce) != expectedNonceSize(alg) {
		return nil, fmt.Errorf("%w: want %d got %d", ErrInvalidNonceLength, expectedNonceSize(alg), len(nonce))
	}
	if len(tag) != tagSize {
		return nil, fmt.Errorf("%w: invalid tag length %d", ErrAuthenticationFailed, len(tag))
	}
	aead, err := aeadFor(alg, key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// AEADDecryptLegacyCBC decrypts data written under AES-256-CBC, the one
// algorithm spec.md §4.A flags "not secure" and accepts only for
// decrypting messages produced by an older client. It is never used for
// encryption, and provides no authentication of its own: callers MUST
// verify a detached MAC (e.g. HMAC-SHA256 over iv‖ciphertext) before
// trusting the plaintext. iv must be 16 bytes and ciphertext a multiple
// of the AES block size.
func AEADDecryptLegacyCBC(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != symmetricKeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: cbc iv must be %d bytes", ErrInvalidNonceLength, aes.BlockSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: cbc ciphertext not block-aligned")
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpadPKCS7(plaintext)
}

func unpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("crypto: empty cbc plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: bad pkcs7 padding", ErrAuthenticationFailed)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: bad pkcs7 padding", ErrAuthenticationFailed)
		}
	}
	return data[:len(data)-padLen], nil
}
