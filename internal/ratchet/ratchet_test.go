package ratchet

import (
	"testing"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
	"github.com/jaydenbeard/messaging-app/internal/registry"
	"github.com/jaydenbeard/messaging-app/internal/x3dh"
)

// pairedSessions runs a full X3DH handshake between two freshly
// registered devices and returns the resulting ratchet states wired so
// alice.Encrypt pairs with bob.Decrypt and vice versa.
func pairedSessions(t *testing.T) (alice, bob *State) {
	t.Helper()

	r := registry.NewRegistry()
	aliceDev, _, err := r.Register("alice", "phone")
	if err != nil {
		t.Fatalf("register alice: %v", err)
	}
	bobDev, bobBundle, err := r.Register("bob", "phone")
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}

	otkPub, ok, err := r.ConsumeOneTimePrekey("bob", "phone")
	if err != nil || !ok {
		t.Fatalf("consume otk: ok=%v err=%v", ok, err)
	}
	snapshot := *bobBundle
	snapshot.OneTimePrekeys = []*crypto.Key{otkPub}

	hAlice, err := x3dh.Initiate(aliceDev, &snapshot, true)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	otkPriv, _, err := r.ConsumeOneTimePrekeyPriv("bob", "phone", otkPub.ID())
	if err != nil || otkPriv == nil {
		t.Fatalf("consume otk priv: %v", err)
	}

	hBob, err := x3dh.Accept(bobDev, aliceDev.IdentityDHPub, hAlice.EphemeralPub, otkPriv)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	alice, err = New(hAlice, hAlice.SessionID, "chat-1")
	if err != nil {
		t.Fatalf("new alice state: %v", err)
	}
	bob, err = New(hBob, hBob.SessionID, "chat-1")
	if err != nil {
		t.Fatalf("new bob state: %v", err)
	}
	return alice, bob
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := pairedSessions(t)

	header, ct, tag, err := alice.Encrypt([]byte("hello bob"), []byte("aad"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	plaintext, err := bob.Decrypt(header, ct, tag, []byte("aad"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("expected %q, got %q", "hello bob", plaintext)
	}
	if bob.NRecv != 1 {
		t.Fatalf("expected NRecv=1, got %d", bob.NRecv)
	}
}

func TestOutOfOrderDeliveryAllDecrypt(t *testing.T) {
	alice, bob := pairedSessions(t)

	type sealed struct {
		header  Header
		ct, tag []byte
		pt      string
	}
	var msgs []sealed
	for i := 0; i < 5; i++ {
		pt := string(rune('a' + i))
		h, ct, tag, err := alice.Encrypt([]byte(pt), nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		msgs = append(msgs, sealed{h, ct, tag, pt})
	}

	// Deliver in reverse order.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		pt, err := bob.Decrypt(m.header, m.ct, m.tag, nil)
		if err != nil {
			t.Fatalf("decrypt msg %d: %v", i, err)
		}
		if string(pt) != m.pt {
			t.Fatalf("msg %d: expected %q got %q", i, m.pt, pt)
		}
	}

	if len(bob.skipped) != 0 {
		t.Fatalf("expected no skipped keys left after full delivery, got %d", len(bob.skipped))
	}
}

func TestMessageLossLeavesExactlyOneSkippedKey(t *testing.T) {
	alice, bob := pairedSessions(t)

	h0, ct0, tag0, err := alice.Encrypt([]byte("first"), nil)
	if err != nil {
		t.Fatalf("encrypt 0: %v", err)
	}
	_, _, _, err = alice.Encrypt([]byte("lost"), nil) // never delivered
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	h2, ct2, tag2, err := alice.Encrypt([]byte("third"), nil)
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}

	if _, err := bob.Decrypt(h0, ct0, tag0, nil); err != nil {
		t.Fatalf("decrypt 0: %v", err)
	}
	pt2, err := bob.Decrypt(h2, ct2, tag2, nil)
	if err != nil {
		t.Fatalf("decrypt 2: %v", err)
	}
	if string(pt2) != "third" {
		t.Fatalf("expected 'third', got %q", pt2)
	}

	if len(bob.skipped) != 1 {
		t.Fatalf("expected exactly 1 skipped key, got %d", len(bob.skipped))
	}
}

func TestReplayIsDetected(t *testing.T) {
	alice, bob := pairedSessions(t)

	h, ct, tag, err := alice.Encrypt([]byte("once"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := bob.Decrypt(h, ct, tag, nil); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}
	if _, err := bob.Decrypt(h, ct, tag, nil); err != ErrReplayDetected {
		t.Fatalf("expected ErrReplayDetected on replay, got %v", err)
	}
}

func TestDHRatchetAdvancesOnReply(t *testing.T) {
	alice, bob := pairedSessions(t)

	h1, ct1, tag1, err := alice.Encrypt([]byte("ping"), nil)
	if err != nil {
		t.Fatalf("encrypt ping: %v", err)
	}
	if _, err := bob.Decrypt(h1, ct1, tag1, nil); err != nil {
		t.Fatalf("decrypt ping: %v", err)
	}

	rootBefore, err := bob.RootKey.Material()
	if err != nil {
		t.Fatalf("root before: %v", err)
	}
	rootBeforeCopy := append([]byte(nil), rootBefore...)

	h2, ct2, tag2, err := bob.Encrypt([]byte("pong"), nil)
	if err != nil {
		t.Fatalf("encrypt pong: %v", err)
	}
	if h2.DHPub == h1.DHPub {
		t.Fatal("expected bob's ratchet key to differ from alice's after bob's own send")
	}

	if _, err := alice.Decrypt(h2, ct2, tag2, nil); err != nil {
		t.Fatalf("decrypt pong: %v", err)
	}

	rootAfter, err := alice.RootKey.Material()
	if err != nil {
		t.Fatalf("root after: %v", err)
	}
	if string(rootAfter) == string(rootBeforeCopy) {
		t.Fatal("expected root key to change after a full DH ratchet step")
	}
	if alice.TheirRatchetPub == nil {
		t.Fatal("expected alice to record bob's new ratchet public key")
	}
	gotPub, err := alice.TheirRatchetPub.Material()
	if err != nil {
		t.Fatalf("alice their-ratchet material: %v", err)
	}
	wantPub, err := bob.OurRatchetPub.Material()
	if err != nil {
		t.Fatalf("bob our-ratchet material: %v", err)
	}
	if string(gotPub) != string(wantPub) {
		t.Fatal("expected alice to adopt bob's new ratchet public key")
	}
}

func TestTamperedTagFailsAuthenticationAndDoesNotMutateState(t *testing.T) {
	alice, bob := pairedSessions(t)

	h, ct, tag, err := alice.Encrypt([]byte("msg"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := append([]byte(nil), tag...)
	tampered[0] ^= 0xFF

	nRecvBefore := bob.NRecv
	if _, err := bob.Decrypt(h, ct, tampered, nil); err == nil {
		t.Fatal("expected tampered tag to fail authentication")
	}
	if bob.NRecv != nRecvBefore {
		t.Fatal("expected no state mutation after failed authentication")
	}

	// The untampered message must still decrypt correctly afterward.
	pt, err := bob.Decrypt(h, ct, tag, nil)
	if err != nil {
		t.Fatalf("decrypt after failed attempt: %v", err)
	}
	if string(pt) != "msg" {
		t.Fatalf("expected 'msg', got %q", pt)
	}
}

func TestTamperedHeaderFailsAuthentication(t *testing.T) {
	alice, bob := pairedSessions(t)

	h, ct, tag, err := alice.Encrypt([]byte("msg"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	h.N++ // forge the sequence number

	if _, err := bob.Decrypt(h, ct, tag, nil); err == nil {
		t.Fatal("expected forged header to fail authentication")
	}
}

func TestTamperedAADFailsAuthentication(t *testing.T) {
	alice, bob := pairedSessions(t)

	h, ct, tag, err := alice.Encrypt([]byte("msg"), []byte("correct-aad"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := bob.Decrypt(h, ct, tag, []byte("wrong-aad")); err == nil {
		t.Fatal("expected mismatched aad to fail authentication")
	}
}

func TestSkippedKeyBudgetExceeded(t *testing.T) {
	alice, bob := pairedSessions(t)
	bob.SetMaxSkipped(2)

	for i := 0; i < 2; i++ {
		if _, _, _, err := alice.Encrypt([]byte("filler"), nil); err != nil {
			t.Fatalf("encrypt filler %d: %v", i, err)
		}
	}
	h, ct, tag, err := alice.Encrypt([]byte("over budget"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := bob.Decrypt(h, ct, tag, nil); err != ErrSkippedKeyBudgetExceeded {
		t.Fatalf("expected ErrSkippedKeyBudgetExceeded, got %v", err)
	}
}

func TestSkippedKeyEvictionTracksDroppedCount(t *testing.T) {
	alice, bob := pairedSessions(t)
	bob.SetMaxSkipped(3)

	// Burn through messages so the skipped cache both fills and evicts:
	// send 6 messages, only deliver the last, forcing 5 skipped keys to
	// be produced against a budget of 3.
	var last struct {
		h   Header
		ct  []byte
		tag []byte
	}
	for i := 0; i < 6; i++ {
		h, ct, tag, err := alice.Encrypt([]byte("x"), nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		last.h, last.ct, last.tag = h, ct, tag
	}
	if _, err := bob.Decrypt(last.h, last.ct, last.tag, nil); err != nil {
		t.Fatalf("decrypt last: %v", err)
	}

	if bob.SkippedDropped() == 0 {
		t.Fatal("expected some skipped keys to have been evicted")
	}
	if len(bob.skipped) > 3 {
		t.Fatalf("expected skipped cache bounded at 3, got %d", len(bob.skipped))
	}
}

func TestMarkCompromisedRejectsFurtherUse(t *testing.T) {
	alice, bob := pairedSessions(t)
	alice.MarkCompromised()

	if _, _, _, err := alice.Encrypt([]byte("x"), nil); err != ErrCompromised {
		t.Fatalf("expected ErrCompromised on encrypt, got %v", err)
	}

	h, ct, tag, err := bob.Encrypt([]byte("still fine"), nil)
	if err != nil {
		t.Fatalf("bob encrypt: %v", err)
	}
	if _, err := alice.Decrypt(h, ct, tag, nil); err != ErrCompromised {
		t.Fatalf("expected ErrCompromised on decrypt, got %v", err)
	}
}

func TestSelfRatchetOnMessageBudgetExceeded(t *testing.T) {
	alice, bob := pairedSessions(t)
	alice.SetMaxPerChain(2)

	// Bob must reply once so alice learns a TheirRatchetPub to
	// self-ratchet against.
	h, ct, tag, err := bob.Encrypt([]byte("hi"), nil)
	if err != nil {
		t.Fatalf("bob encrypt: %v", err)
	}
	if _, err := alice.Decrypt(h, ct, tag, nil); err != nil {
		t.Fatalf("alice decrypt: %v", err)
	}

	firstPub := alice.OurRatchetPub.ID()
	for i := 0; i < 4; i++ {
		if _, _, _, err := alice.Encrypt([]byte("spam"), nil); err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
	}
	if alice.OurRatchetPub.ID() == firstPub {
		t.Fatal("expected alice's ratchet keypair to rotate after exceeding MAX_MESSAGES_PER_CHAIN")
	}
}
