// Package registry publishes and serves key bundles for X3DH session
// initiation, and rotates signed and one-time prekeys. It is the only
// component that holds private identity/prekey material outside of an
// active ratchet session.
package registry

import (
	"time"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
)

// KeyBundle is the publishable advertisement for a device: everything a
// peer needs to run X3DH against it. Private halves never appear here.
//
// Identity is split across two keys sharing one long-term lifecycle:
// IdentityPub (Ed25519) signs the bundle and log entries; IdentityDHPub
// (X25519) is the Diffie-Hellman contribution used in X3DH's DH1/DH3.
// Real Signal reuses a single Curve25519 key for both via a birational
// map (XEdDSA); this core keeps the two algorithms its primitives
// engine actually supports separate rather than implementing that
// conversion.
type KeyBundle struct {
	UserID         string
	DeviceID       string
	Version        int
	CreatedAt      time.Time
	LastRefresh    time.Time
	IsStale        bool
	IdentityPub    *crypto.Key // Ed25519, verifies Signature
	IdentityDHPub  *crypto.Key // X25519, used in DH1/DH3
	SignedPrekey   *crypto.Key // X25519
	OneTimePrekeys []*crypto.Key
	// Signature covers (UserID, DeviceID, Version, CreatedAt,
	// IdentityDHPub, SignedPrekey, OneTimePrekeys) under IdentityPub,
	// so a peer can detect a server that lies about keys.
	Signature []byte
}

// DeviceState is the private counterpart of a KeyBundle. It never
// leaves the device boundary the registry runs in.
type DeviceState struct {
	UserID             string
	DeviceID           string
	Version            int
	CreatedAt          time.Time
	LastRefresh        time.Time
	IdentityPriv       *crypto.Key
	IdentityPub        *crypto.Key
	IdentityDHPriv     *crypto.Key
	IdentityDHPub      *crypto.Key
	SignedPrekeyPriv   *crypto.Key
	SignedPrekeyPub    *crypto.Key
	SignedPrekeyRotAt  time.Time
	OneTimePrekeyPrivs map[string]*crypto.Key // keyed by OneTimePrekeyPubs[i].ID()
	OneTimePrekeyPubs  []*crypto.Key
}

// LogOperation identifies the kind of key-lifecycle event a KeyLogEntry
// records.
type LogOperation string

const (
	LogOpRegister  LogOperation = "register"
	LogOpRotateSPK LogOperation = "rotate_spk"
	LogOpRotateOTK LogOperation = "rotate_otk"
	LogOpRevoke    LogOperation = "revoke"
)

// KeyLogEntry is a transparency record: an append-only, hash-chained
// attestation of a key-lifecycle event, signed by the identity key the
// change pertains to. The chain lets a client that reviews its own
// history detect a server that silently swapped in a different key.
type KeyLogEntry struct {
	ID                string
	UserID            string
	DeviceID          string
	Operation         LogOperation
	OldKeyFingerprint string
	NewKeyFingerprint string
	PreviousHash      string
	EntryHash         string
	Timestamp         time.Time
	Signature         []byte
	Reason            string
}
