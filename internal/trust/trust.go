// Package trust holds pairwise trust assertions (spec.md §3's
// TrustState) and the human-verifiable safety number two identity keys
// reduce to — the out-of-band check a user runs once to be sure a
// conversation's identity keys are who they expect, independent of
// anything the registry or ratchet attest to on their own.
package trust

import (
	"crypto/sha256"
	"strings"
	"sync"
	"time"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
)

// Level is how a pairwise trust assertion was established.
type Level int

const (
	LevelUnverified Level = iota
	LevelSafetyNumber
	LevelQR
)

// State is a single (user, peer) trust assertion, per spec.md §3's
// TrustState.
type State struct {
	UserID         string
	PeerUserID     string
	Level          Level
	EstablishedAt  time.Time
	LastVerifiedAt time.Time
	IsActive       bool
}

// Store holds every (user, peer) trust assertion this device knows
// about. One lock guards the whole map — trust changes are rare
// compared to the per-session/per-group traffic internal/ratchet and
// internal/group serve, so the finer per-resource locking those
// packages use isn't warranted here.
type Store struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewStore creates an empty trust Store.
func NewStore() *Store {
	return &Store{states: make(map[string]*State)}
}

func pairKey(user, peer string) string { return user + "\x00" + peer }

// MarkVerified records that user has verified peer's identity key,
// through level (safety number comparison or QR scan).
func (s *Store) MarkVerified(user, peer string, level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(user, peer)
	now := time.Now().UTC()
	st, ok := s.states[key]
	if !ok {
		st = &State{UserID: user, PeerUserID: peer, EstablishedAt: now}
		s.states[key] = st
	}
	st.Level = level
	st.LastVerifiedAt = now
	st.IsActive = true
}

// Get returns the trust state for (user, peer), or (nil, false) if
// none has been recorded — callers should treat that the same as
// LevelUnverified.
func (s *Store) Get(user, peer string) (*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[pairKey(user, peer)]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

// Revoke marks a trust assertion inactive — called when a peer's
// identity key changes out from under a previously verified session,
// so stale trust doesn't silently carry forward onto a new key.
func (s *Store) Revoke(user, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[pairKey(user, peer)]; ok {
		st.IsActive = false
	}
}

// SafetyNumber derives the 60-digit (12-group) safety number for a
// pair of identity keys, the same algorithm the teacher's
// ComputeSafetyNumber uses, generalized from (identityKey, phone)
// pairs to bare identity keys — this core has no phone-number field to
// fold in, and ordering by the keys' own hex material gives the same
// order-independence property phone-number sorting did.
func SafetyNumber(a, b *crypto.Key) (string, error) {
	aMat, err := a.Material()
	if err != nil {
		return "", err
	}
	bMat, err := b.Material()
	if err != nil {
		return "", err
	}

	var combined []byte
	if string(aMat) < string(bMat) {
		combined = append(append([]byte{}, aMat...), bMat...)
	} else {
		combined = append(append([]byte{}, bMat...), aMat...)
	}

	hash := sha256.Sum256(combined)

	digits := make([]byte, 0, 60)
	for i := 0; i < 12; i++ {
		offset := i * 5 / 2
		var value uint32
		if i%2 == 0 {
			value = uint32(hash[offset])<<12 | uint32(hash[offset+1])<<4 | uint32(hash[offset+2])>>4
		} else {
			value = uint32(hash[offset]&0x0F)<<16 | uint32(hash[offset+1])<<8 | uint32(hash[offset+2])
		}
		value %= 100000
		digits = append(digits,
			'0'+byte((value/10000)%10),
			'0'+byte((value/1000)%10),
			'0'+byte((value/100)%10),
			'0'+byte((value/10)%10),
			'0'+byte(value%10),
		)
	}
	return string(digits), nil
}

// FormatSafetyNumber lays out a 60-digit safety number as two rows of
// six 5-digit groups for display, same grouping the teacher's
// FormatSafetyNumber uses.
func FormatSafetyNumber(safetyNumber string) string {
	if len(safetyNumber) != 60 {
		return safetyNumber
	}
	groups := make([]string, 12)
	for i := 0; i < 12; i++ {
		groups[i] = safetyNumber[i*5 : i*5+5]
	}
	return strings.Join(groups[:6], " ") + "\n" + strings.Join(groups[6:], " ")
}
