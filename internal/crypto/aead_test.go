package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"testing"
)

func mustAESBlock(t *testing.T, key []byte) cipher.Block {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	return block
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func cbcEncrypt(block cipher.Block, iv, plaintext, dst []byte) {
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, plaintext)
}

func TestAEADRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{AlgAES256GCM, AlgChaCha20Poly1305, AlgXChaCha20Poly1305} {
		alg := alg
		t.Run(string(alg), func(t *testing.T) {
			key, err := GenerateSymmetricKey(alg, Owner{User: "alice"}, 0)
			if err != nil {
				t.Fatalf("generate key: %v", err)
			}
			material, err := key.Material()
			if err != nil {
				t.Fatalf("material: %v", err)
			}
			nonce, err := RandomBytes(expectedNonceSize(alg))
			if err != nil {
				t.Fatalf("nonce: %v", err)
			}
			aad := []byte("header-aad")
			plaintext := []byte("hello bob")

			ct, tag, err := AEADEncrypt(alg, material, nonce, aad, plaintext)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			got, err := AEADDecrypt(alg, material, nonce, aad, ct, tag)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
			}
		})
	}
}

func TestAEADBitFlipFailsAuthentication(t *testing.T) {
	key, err := GenerateSymmetricKey(AlgChaCha20Poly1305, Owner{}, 0)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	material, _ := key.Material()
	nonce, _ := RandomBytes(expectedNonceSize(AlgChaCha20Poly1305))
	aad := []byte("aad")
	ct, tag, err := AEADEncrypt(AlgChaCha20Poly1305, material, nonce, aad, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	cases := map[string]func(){
		"ciphertext": func() { ct[0] ^= 0x01 },
		"tag":        func() { tag[0] ^= 0x01 },
		"nonce":      func() { nonce[0] ^= 0x01 },
		"aad":        func() { aad[0] ^= 0x01 },
	}
	for name, flip := range cases {
		t.Run(name, func(t *testing.T) {
			ctCopy := append([]byte(nil), ct...)
			tagCopy := append([]byte(nil), tag...)
			nonceCopy := append([]byte(nil), nonce...)
			aadCopy := append([]byte(nil), aad...)
			switch name {
			case "ciphertext":
				ctCopy[0] ^= 0x01
			case "tag":
				tagCopy[0] ^= 0x01
			case "nonce":
				nonceCopy[0] ^= 0x01
			case "aad":
				aadCopy[0] ^= 0x01
			}
			_ = flip
			_, err := AEADDecrypt(AlgChaCha20Poly1305, material, nonceCopy, aadCopy, ctCopy, tagCopy)
			if !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
			}
		})
	}
}

func TestAEADInvalidNonceLength(t *testing.T) {
	key, _ := GenerateSymmetricKey(AlgAES256GCM, Owner{}, 0)
	material, _ := key.Material()
	_, _, err := AEADEncrypt(AlgAES256GCM, material, make([]byte, 4), nil, []byte("x"))
	if !errors.Is(err, ErrInvalidNonceLength) {
		t.Fatalf("expected ErrInvalidNonceLength, got %v", err)
	}
}

func TestAEADLegacyCBCDecryptOnly(t *testing.T) {
	// AES-256-CBC has no Encrypt entry point in this engine; only a
	// decrypt path exists for legacy compatibility. Verify it round
	// trips against a hand-rolled PKCS7-padded ciphertext and rejects
	// tampered padding.
	key, _ := GenerateSymmetricKey(AlgAES256GCM, Owner{}, 0) // material reused, alg tag irrelevant to raw bytes
	material, _ := key.Material()
	iv, _ := RandomBytes(16)

	block := mustAESBlock(t, material)
	plaintext := []byte("legacy message!!") // 16 bytes, still gets padded to 32
	padded := pkcs7Pad(plaintext, 16)
	ciphertext := make([]byte, len(padded))
	cbcEncrypt(block, iv, padded, ciphertext)

	got, err := AEADDecryptLegacyCBC(material, iv, ciphertext)
	if err != nil {
		t.Fatalf("decrypt legacy cbc: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("legacy cbc roundtrip mismatch: got %q want %q", got, plaintext)
	}

	ciphertext[0] ^= 0x01
	if _, err := AEADDecryptLegacyCBC(material, iv, ciphertext); err == nil {
		t.Fatal("expected tampered legacy ciphertext to fail padding/auth check")
	}
}
