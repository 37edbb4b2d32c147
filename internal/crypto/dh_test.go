package crypto

import (
	"bytes"
	"testing"
)

func TestDHIsCommutative(t *testing.T) {
	for _, alg := range []Algorithm{AlgX25519, AlgECDHP256} {
		alg := alg
		t.Run(string(alg), func(t *testing.T) {
			aPriv, aPub, err := GenerateKeyPair(alg, Owner{User: "alice"}, 0)
			if err != nil {
				t.Fatalf("generate alice keypair: %v", err)
			}
			bPriv, bPub, err := GenerateKeyPair(alg, Owner{User: "bob"}, 0)
			if err != nil {
				t.Fatalf("generate bob keypair: %v", err)
			}

			sharedAB, err := DH(aPriv, bPub)
			if err != nil {
				t.Fatalf("dh(a_priv, b_pub): %v", err)
			}
			sharedBA, err := DH(bPriv, aPub)
			if err != nil {
				t.Fatalf("dh(b_priv, a_pub): %v", err)
			}
			if !bytes.Equal(sharedAB, sharedBA) {
				t.Fatalf("dh not commutative: %x != %x", sharedAB, sharedBA)
			}
		})
	}
}

func TestDHRejectsMismatchedAlgorithms(t *testing.T) {
	xPriv, _, err := GenerateKeyPair(AlgX25519, Owner{}, 0)
	if err != nil {
		t.Fatalf("generate x25519: %v", err)
	}
	_, ecPub, err := GenerateKeyPair(AlgECDHP256, Owner{}, 0)
	if err != nil {
		t.Fatalf("generate ecdh: %v", err)
	}
	if _, err := DH(xPriv, ecPub); err == nil {
		t.Fatal("expected error mixing X25519 private with ECDH-P256 public")
	}
}

func TestGenerateKeyPairRejectsUnknownProtocol(t *testing.T) {
	if _, _, err := GenerateKeyPair(AlgAES256GCM, Owner{}, 0); err == nil {
		t.Fatal("expected error generating DH keypair for a non-DH algorithm")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair(AlgEd25519, Owner{User: "alice"}, 0)
	if err != nil {
		t.Fatalf("generate ed25519 keypair: %v", err)
	}
	msg := []byte("prekey bundle contents")
	sig, err := Sign(priv, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(pub, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0x01
	if Verify(pub, tampered, sig) {
		t.Fatal("expected verification of tampered message to fail")
	}
}
