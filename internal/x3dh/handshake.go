// Package x3dh runs Extended Triple Diffie-Hellman session initiation:
// the asynchronous key agreement that lets Alice start exchanging
// messages with Bob without either party being online at the same
// moment. It consumes registry.DeviceState/KeyBundle and produces a
// Handshake carrying everything internal/ratchet needs to initialize a
// Double Ratchet session.
package x3dh

import (
	"time"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
)

// Handshake is the result of running X3DH from either side. It is
// consumed exactly once, by ratchet.New, to seed a RatchetState; it
// holds no long-term secrets beyond the derived root key and the
// initial ratchet keypair, both of which the ratchet takes ownership
// of (and destroys in its own time).
type Handshake struct {
	// SessionID identifies the pairwise session this handshake begins.
	SessionID string

	// RootKey is the 32-byte output of HKDF over the concatenated DH
	// outputs, per spec.md §4.C step 6. ratchet.New derives the initial
	// chain keys from it and then keeps this same Key as the session's
	// RootKey, so it stays live for the session's lifetime.
	RootKey *crypto.Key

	// OurRatchetPriv/OurRatchetPub is the initial Double Ratchet
	// keypair. For the initiator this is the X3DH ephemeral keypair
	// reused directly (spec.md §4.C step 7: "our ratchet keypair
	// fresh" — the ephemeral already is fresh, so no second keypair
	// is generated). For the acceptor it is a freshly generated
	// keypair, never used to send anything: ratchet.New forces the
	// acceptor through a real DH ratchet step before its first
	// message (see internal/ratchet's mustRatchetBeforeSend), which
	// replaces this keypair before it is ever exposed in a header.
	OurRatchetPriv *crypto.Key
	OurRatchetPub  *crypto.Key

	// TheirRatchetPub is the peer's current ratchet public key. The
	// acceptor knows it immediately (the initiator's ephemeral public,
	// received in the handshake message). The initiator does not know
	// it yet — left nil until the acceptor's first, mandatory DH
	// ratchet step lands in a header.
	TheirRatchetPub *crypto.Key

	// IsInitiator distinguishes the two sides so ratchet.New knows
	// which chain-key label convention to apply (see ratchet.New).
	IsInitiator bool

	// EphemeralPub is the initiator's ephemeral public key (EK_pub).
	// The initiator always carries it here so it can be attached to
	// the first outbound handshake message; the acceptor carries the
	// copy it received from the initiator, for symmetry and so the
	// session can be logged/audited without re-deriving it.
	EphemeralPub *crypto.Key

	// ConsumedOneTimePrekeyID is the ID of the peer's one-time prekey
	// consumed for DH4, if any. The initiator reports this so the
	// session-establishment caller can tell the acceptor which private
	// half to retire via registry.ConsumeOneTimePrekeyPriv.
	ConsumedOneTimePrekeyID string

	// EstablishedAt records when the handshake completed. ratchet.New
	// does not read it: the ratchet's REKEY_INTERVAL clock starts from
	// New's own construction time.
	EstablishedAt time.Time
}

const (
	rootKeyInfo = "sonet:x3dh:root"

	// Chain-key derivation labels. The initiator's send chain must
	// equal the acceptor's recv chain and vice versa, so both sides
	// derive working chains straight from root_key without requiring
	// an initial DH step. Each label is passed as the HKDF info input;
	// what swaps between the two sides is which label feeds the send
	// chain and which the recv chain.
	chainLabelInitiatorSend = "sonet:ratchet:chain:initiator-send"
	chainLabelInitiatorRecv = "sonet:ratchet:chain:initiator-recv"
)
