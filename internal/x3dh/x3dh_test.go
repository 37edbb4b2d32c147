package x3dh

import (
	"testing"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
	"github.com/jaydenbeard/messaging-app/internal/registry"
)

func registerTestDevice(t *testing.T, user, device string) (*registry.DeviceState, *registry.KeyBundle) {
	t.Helper()
	r := registry.NewRegistry()
	state, bundle, err := r.Register(user, device)
	if err != nil {
		t.Fatalf("register %s/%s: %v", user, device, err)
	}
	return state, bundle
}

func TestInitiateProducesHandshakeWithOneTimePrekey(t *testing.T) {
	alice, _ := registerTestDevice(t, "alice", "phone")
	_, bobBundle := registerTestDevice(t, "bob", "phone")

	otk := bobBundle.OneTimePrekeys[0]
	snapshot := *bobBundle
	snapshot.OneTimePrekeys = []*crypto.Key{otk}

	h, err := Initiate(alice, &snapshot, true)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if h.RootKey == nil {
		t.Fatal("expected a derived root key")
	}
	if !h.IsInitiator {
		t.Fatal("expected IsInitiator")
	}
	if h.TheirRatchetPub != nil {
		t.Fatal("initiator should not yet know the acceptor's ratchet key")
	}
	if h.ConsumedOneTimePrekeyID != otk.ID() {
		t.Fatalf("expected consumed OTK id %s, got %s", otk.ID(), h.ConsumedOneTimePrekeyID)
	}
}

func TestInitiateWithoutOneTimePrekey(t *testing.T) {
	alice, _ := registerTestDevice(t, "alice", "phone")
	_, bobBundle := registerTestDevice(t, "bob", "phone")

	snapshot := *bobBundle
	snapshot.OneTimePrekeys = nil

	h, err := Initiate(alice, &snapshot, true)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if h.ConsumedOneTimePrekeyID != "" {
		t.Fatal("expected no consumed OTK id when pool empty")
	}
}

func TestInitiateRejectsTamperedBundle(t *testing.T) {
	alice, _ := registerTestDevice(t, "alice", "phone")
	_, bobBundle := registerTestDevice(t, "bob", "phone")

	tampered := *bobBundle
	tampered.Version++

	if _, err := Initiate(alice, &tampered, true); err != ErrInvalidBundleSignature {
		t.Fatalf("expected ErrInvalidBundleSignature, got %v", err)
	}
}

func TestInitiateAndAcceptDeriveEqualRootKeys(t *testing.T) {
	alice, _ := registerTestDevice(t, "alice", "phone")
	bob, bobBundle := registerTestDevice(t, "bob", "phone")

	otk := bobBundle.OneTimePrekeys[0]
	snapshot := *bobBundle
	snapshot.OneTimePrekeys = []*crypto.Key{otk}

	hAlice, err := Initiate(alice, &snapshot, true)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	otkPriv, ok := bob.OneTimePrekeyPrivs[otk.ID()]
	if !ok {
		t.Fatalf("expected bob to hold private half of consumed otk %s", otk.ID())
	}

	hBob, err := Accept(bob, alice.IdentityDHPub, hAlice.EphemeralPub, otkPriv)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	aliceMaterial, err := hAlice.RootKey.Material()
	if err != nil {
		t.Fatalf("alice root key material: %v", err)
	}
	bobMaterial, err := hBob.RootKey.Material()
	if err != nil {
		t.Fatalf("bob root key material: %v", err)
	}

	if len(aliceMaterial) != 32 || len(bobMaterial) != 32 {
		t.Fatalf("expected 32-byte root keys, got %d/%d", len(aliceMaterial), len(bobMaterial))
	}
	if string(aliceMaterial) != string(bobMaterial) {
		t.Fatal("expected both sides of the handshake to derive the same root key")
	}
	if hBob.IsInitiator {
		t.Fatal("acceptor handshake must not report IsInitiator")
	}
	if hBob.TheirRatchetPub == nil || hBob.TheirRatchetPub.ID() != hAlice.EphemeralPub.ID() {
		t.Fatal("expected acceptor to record the initiator's ephemeral as TheirRatchetPub")
	}
}

func TestAcceptRequiresSignedPrekey(t *testing.T) {
	bob := &registry.DeviceState{UserID: "bob", DeviceID: "phone"}
	alicePriv, alicePub, err := crypto.GenerateKeyPair(crypto.AlgX25519, crypto.Owner{}, 0)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	defer alicePriv.Destroy()

	if _, err := Accept(bob, alicePub, alicePub, nil); err != ErrMissingRatchetKeys {
		t.Fatalf("expected ErrMissingRatchetKeys, got %v", err)
	}
}
