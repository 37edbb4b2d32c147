// Package ratchet implements the Double Ratchet: per-message
// forward-secret, post-compromise-secure encryption for a pairwise
// session, seeded by an x3dh.Handshake and advanced by a DH ratchet
// step whenever the peer's ratchet public key changes.
package ratchet

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
	"github.com/jaydenbeard/messaging-app/internal/x3dh"
)

// Phase is the lifecycle stage of a ratchet session.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseInitiated
	PhaseEstablished
	PhaseCompromised
	PhaseClosed
)

const (
	// DefaultMaxSkipped is MAX_SKIPPED_KEYS_PER_CHAIN's default.
	DefaultMaxSkipped = 1000
	// DefaultMaxPerChain is MAX_MESSAGES_PER_CHAIN's default.
	DefaultMaxPerChain = 1000
	// DefaultRekeyInterval is SESSION_KEY_ROTATION_HOURS's default.
	DefaultRekeyInterval = 24 * time.Hour

	chainLabelInitiatorSend = "sonet:ratchet:chain:initiator-send"
	chainLabelInitiatorRecv = "sonet:ratchet:chain:initiator-recv"
	messageKeyInfo          = "mk"
	chainStepInfo           = "ck"
	ratchetRecvInfo         = "ratchet_recv"
	ratchetSendInfo         = "ratchet_send"
)

// State is a single pairwise ratchet session. Every field below mirrors
// spec.md §3's RatchetState; Phase and the bookkeeping counters needed
// for Encrypt/Decrypt's self-triggered rekey are this core's additions.
// Each State is guarded by its own lock so distinct sessions never
// contend with one another (spec.md §5's per-session discipline).
type State struct {
	mu sync.Mutex

	SessionID         string
	ChatID            string
	OurIdentityPub    *crypto.Key
	TheirIdentityPub  *crypto.Key

	RootKey       *crypto.Key
	ChainSendKey  *crypto.Key
	ChainRecvKey  *crypto.Key

	OurRatchetPriv  *crypto.Key
	OurRatchetPub   *crypto.Key
	TheirRatchetPub *crypto.Key

	NSend, NRecv   uint32
	PN             uint32
	MsgsSinceRekey int

	CreatedAt     time.Time
	LastRatchetAt time.Time

	Phase Phase

	skipped      map[string][]byte
	skippedOrder []string
	delivered    map[string]bool
	deliveredOrder []string
	skippedDropped int

	maxSkipped    int
	maxPerChain   int
	rekeyInterval time.Duration

	// mustRatchetBeforeSend is set for the acceptor only. The acceptor's
	// initial send chain (derived straight from root_key in New, never
	// DH'd) has no counterpart the initiator can reconstruct by itself —
	// the initiator holds no ratchet public for the acceptor
	// (TheirRatchetPub is nil), so its first Decrypt always runs a DH
	// ratchet step and derives its recv chain from that step, never from
	// root_key's initiator-recv label. So the acceptor is
	// forced through a real DH ratchet step (selfRatchetLocked) before
	// its very first Encrypt, establishing the send chain the
	// initiator's first DH ratchet step will independently derive.
	mustRatchetBeforeSend bool
}

// New initializes a RatchetState from a completed X3DH handshake, per
// spec.md §4.C step 7. sessionID/chatID are caller-assigned identifiers
// (sessionID is normally h.SessionID, threaded through explicitly so a
// caller can rekey into a handshake's session under a different id if
// it chooses).
func New(h *x3dh.Handshake, sessionID, chatID string) (*State, error) {
	if h == nil || h.RootKey == nil {
		return nil, fmt.Errorf("%w: nil handshake or root key", ErrInvalidHeader)
	}

	rootMaterial, err := h.RootKey.Material()
	if err != nil {
		return nil, err
	}

	sendLabel, recvLabel := chainLabelInitiatorSend, chainLabelInitiatorRecv
	if !h.IsInitiator {
		sendLabel, recvLabel = chainLabelInitiatorRecv, chainLabelInitiatorSend
	}

	sendMaterial, err := crypto.HKDF(rootMaterial, nil, []byte(sendLabel), 32)
	if err != nil {
		return nil, fmt.Errorf("ratchet: derive send chain: %w", err)
	}
	recvMaterial, err := crypto.HKDF(rootMaterial, nil, []byte(recvLabel), 32)
	if err != nil {
		return nil, fmt.Errorf("ratchet: derive recv chain: %w", err)
	}

	owner := crypto.Owner{}
	if h.OurRatchetPub != nil {
		owner = h.OurRatchetPub.Owner()
	}

	sendKey, err := newSymmetricKey(owner, sendMaterial)
	if err != nil {
		return nil, err
	}
	recvKey, err := newSymmetricKey(owner, recvMaterial)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &State{
		SessionID:             sessionID,
		ChatID:                chatID,
		RootKey:               h.RootKey,
		ChainSendKey:          sendKey,
		ChainRecvKey:          recvKey,
		OurRatchetPriv:        h.OurRatchetPriv,
		OurRatchetPub:         h.OurRatchetPub,
		TheirRatchetPub:       h.TheirRatchetPub,
		CreatedAt:             now,
		LastRatchetAt:         now,
		Phase:                 PhaseInitiated,
		skipped:               make(map[string][]byte),
		delivered:             make(map[string]bool),
		maxSkipped:            DefaultMaxSkipped,
		maxPerChain:           DefaultMaxPerChain,
		rekeyInterval:         DefaultRekeyInterval,
		mustRatchetBeforeSend: !h.IsInitiator,
	}
	return s, nil
}

// SetMaxSkipped overrides MAX_SKIPPED_KEYS_PER_CHAIN for this session.
func (s *State) SetMaxSkipped(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSkipped = n
}

// SetMaxPerChain overrides MAX_MESSAGES_PER_CHAIN for this session.
func (s *State) SetMaxPerChain(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxPerChain = n
}

// SetRekeyInterval overrides SESSION_KEY_ROTATION_HOURS for this session.
func (s *State) SetRekeyInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rekeyInterval = d
}

// SkippedDropped reports how many skipped message keys have been
// evicted (FIFO) since the cache bound was first reached, per spec.md
// §4.D step 3's "drop oldest and record the loss." Not a metrics
// exposition surface — just a counter the caller may log or alert on.
func (s *State) SkippedDropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skippedDropped
}

// MarkCompromised wipes root and chain keys; the next outbound message
// on this session requires a fresh X3DH handshake (spec.md §4.D
// Compromise recovery).
func (s *State) MarkCompromised() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RootKey.Destroy()
	s.ChainSendKey.Destroy()
	s.ChainRecvKey.Destroy()
	for _, mk := range s.skipped {
		zeroBytes(mk)
	}
	s.skipped = make(map[string][]byte)
	s.skippedOrder = nil
	s.Phase = PhaseCompromised
}

func newSymmetricKey(owner crypto.Owner, material []byte) (*crypto.Key, error) {
	k, err := crypto.GenerateSymmetricKey(crypto.AlgChaCha20Poly1305, owner, 0)
	if err != nil {
		return nil, err
	}
	current, err := k.Material()
	if err != nil {
		return nil, err
	}
	copy(current, material)
	return k, nil
}

func replaceKeyMaterial(k *crypto.Key, material []byte) error {
	current, err := k.Material()
	if err != nil {
		return err
	}
	copy(current, material)
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func skipKey(dhPub [32]byte, n uint32) string {
	return hex.EncodeToString(dhPub[:]) + ":" + fmt.Sprint(n)
}

func ratchetPubBytes(k *crypto.Key) ([32]byte, error) {
	var out [32]byte
	material, err := k.Material()
	if err != nil {
		return out, err
	}
	if len(material) != 32 {
		return out, fmt.Errorf("%w: ratchet public key must be 32 bytes", ErrInvalidHeader)
	}
	copy(out[:], material)
	return out, nil
}

func keysEqual(a *crypto.Key, b [32]byte) (bool, error) {
	if a == nil {
		return false, nil
	}
	material, err := a.Material()
	if err != nil {
		return false, err
	}
	return bytes.Equal(material, b[:]), nil
}
