package crypto

import (
	"bytes"
	"testing"
)

func TestHKDFIsDeterministic(t *testing.T) {
	ikm := []byte("shared-secret-material")
	salt := []byte("salt")
	info := []byte("sonet:x3dh:root")

	out1, err := HKDF(ikm, salt, info, 64)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	out2, err := HKDF(ikm, salt, info, 64)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	if !bytes.Equal(out1, out2) {
		t.Fatal("expected HKDF to be deterministic for identical inputs")
	}
	if len(out1) != 64 {
		t.Fatalf("expected 64 bytes of output, got %d", len(out1))
	}
}

func TestHKDFDiffersByInfo(t *testing.T) {
	ikm := []byte("shared-secret-material")
	salt := []byte("salt")

	rootKey, err := HKDF(ikm, salt, []byte("sonet:x3dh:root"), 32)
	if err != nil {
		t.Fatalf("hkdf root: %v", err)
	}
	chainKey, err := HKDF(ikm, salt, []byte("sonet:ratchet:chain"), 32)
	if err != nil {
		t.Fatalf("hkdf chain: %v", err)
	}
	if bytes.Equal(rootKey, chainKey) {
		t.Fatal("expected different info strings to yield different derived keys")
	}
}

func TestHKDFEmptySaltDoesNotCollapseToFixedConstant(t *testing.T) {
	ikm := []byte("ikm")
	info := []byte("info")

	out, err := HKDF(ikm, nil, info, 32)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	zero := make([]byte, 32)
	if bytes.Equal(out, zero) {
		t.Fatal("expected non-zero output for empty salt")
	}

	// A different ikm with the same empty salt must still diverge,
	// proving the substituted salt is bound to ikm/info and not a
	// single fixed public constant shared by every caller.
	out2, err := HKDF([]byte("different-ikm"), nil, info, 32)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	if bytes.Equal(out, out2) {
		t.Fatal("expected different ikm to yield different output under empty-salt substitution")
	}
}

func TestHashAlgorithms(t *testing.T) {
	data := []byte("hash me")
	for _, alg := range []Algorithm{AlgSHA256, AlgSHA512, AlgBLAKE2b} {
		alg := alg
		t.Run(string(alg), func(t *testing.T) {
			digest, err := Hash(alg, data)
			if err != nil {
				t.Fatalf("hash: %v", err)
			}
			if len(digest) == 0 {
				t.Fatal("expected non-empty digest")
			}
			again, err := Hash(alg, data)
			if err != nil {
				t.Fatalf("hash: %v", err)
			}
			if !bytes.Equal(digest, again) {
				t.Fatal("expected hash to be deterministic")
			}
		})
	}
}

func TestFingerprintOmitsMaterialButIsStable(t *testing.T) {
	key, err := GenerateSymmetricKey(AlgAES256GCM, Owner{User: "alice"}, 0)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	fp1, err := Fingerprint(key)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := Fingerprint(key)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatal("expected fingerprint to be stable across calls")
	}
	if bytes.Contains([]byte(key.String()), []byte(fp1)) {
		t.Fatal("key.String() must not leak fingerprint-derivable material")
	}
}
