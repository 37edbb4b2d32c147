package group

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jaydenbeard/messaging-app/internal/crypto"
	"github.com/jaydenbeard/messaging-app/internal/ratchet"
)

// CreateGroup assigns leaf indices to creator and members, generates a
// long-term group_key and the epoch-1 key (the same key — the first
// epoch has nothing to rekey away from), and registers the group with
// m, per spec.md §4.E's create_group.
func (m *Manager) CreateGroup(creator string, members []string) (*State, error) {
	groupKey, err := crypto.GenerateSymmetricKey(crypto.AlgAES256GCM, crypto.Owner{}, 0)
	if err != nil {
		return nil, fmt.Errorf("group: generate group key: %w", err)
	}
	epochKey, err := groupKey.Clone()
	if err != nil {
		return nil, fmt.Errorf("group: clone initial epoch key: %w", err)
	}

	groupID := uuid.NewString()
	state := newState(groupID, creator, members, groupKey, epochKey)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups == nil {
		m.groups = make(map[string]*groupEntry)
	}
	m.groups[groupID] = &groupEntry{state: state}
	return state, nil
}

func (m *Manager) lookup(groupID string) (*groupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.groups[groupID]
	if !ok {
		return nil, ErrUnknownGroup
	}
	return e, nil
}

// AddMember appends user to groupID's roster, bumps the epoch, mints a
// fresh epoch key, and wraps it for the new member over their pairwise
// ratchet session via sender — resolving spec.md §9's open note that
// epoch-key distribution to a joining member isn't otherwise specified.
// sender may be nil, in which case the epoch key is minted and the
// roster updated but no distribution ciphertext is produced; callers
// that already have another delivery path for the new member can use
// this to skip it.
func (m *Manager) AddMember(groupID, user string, sender ratchet.Sender) error {
	e, err := m.lookup(groupID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.addMemberLocked(user)
	newKey, err := e.state.rekeyLocked()
	if err != nil {
		return err
	}

	if sender == nil {
		return nil
	}
	material, err := newKey.Material()
	if err != nil {
		return err
	}
	if _, err := sender.Encrypt(user, material); err != nil {
		return fmt.Errorf("group: distribute epoch key to %s: %w", user, err)
	}
	return nil
}

// RemoveMember drops user from groupID's roster, bumps the epoch, and
// mints a fresh epoch key the removed member never receives: every
// epoch_number greater than the one recorded here is unreachable to
// them, satisfying spec.md §4.E's exclusion invariant.
func (m *Manager) RemoveMember(groupID, user string) error {
	e, err := m.lookup(groupID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.IsMember(user) {
		return ErrNotAMember
	}
	delete(e.state.members, user)
	for i, m := range e.state.memberOrder {
		if m == user {
			e.state.memberOrder = append(e.state.memberOrder[:i], e.state.memberOrder[i+1:]...)
			break
		}
	}
	e.state.removedAt[user] = e.state.epochNumber

	_, err = e.state.rekeyLocked()
	return err
}

// EncryptGroup seals plaintext under the current epoch key, per
// spec.md §4.E's encrypt_group. The wire header (group_id ‖
// epoch_number ‖ nonce, spec.md §6) is folded into the AEAD's
// associated data so a message can never be replayed against a
// different group or epoch than the one it authenticated under.
func (m *Manager) EncryptGroup(groupID string, plaintext, aad []byte) (epoch uint64, nonce, ct, tag []byte, err error) {
	e, err := m.lookup(groupID)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := e.state.currentEpochKey()
	if err != nil {
		return 0, nil, nil, nil, err
	}
	keyMaterial, err := key.Material()
	if err != nil {
		return 0, nil, nil, nil, err
	}
	nonce, err = crypto.RandomBytes(12)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	header := groupHeader(groupID, e.state.epochNumber, nonce)
	ct, tag, err = crypto.AEADEncrypt(crypto.AlgAES256GCM, keyMaterial, nonce, append(append([]byte{}, aad...), header...), plaintext)
	if err != nil {
		return 0, nil, nil, nil, err
	}
	return e.state.epochNumber, nonce, ct, tag, nil
}

// DecryptGroup opens a message sealed under a specific epoch, per
// spec.md §4.E's decrypt_group. A caller presenting an epoch older
// than the retention window or unknown to the group gets
// ErrEpochTooOld/ErrUnknownEpoch rather than a silent failure, matching
// spec.md §4.E's named failure modes.
func (m *Manager) DecryptGroup(groupID string, epoch uint64, nonce, ct, tag, aad []byte) ([]byte, error) {
	e, err := m.lookup(groupID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := e.state.epochKey(epoch)
	if err != nil {
		return nil, err
	}
	keyMaterial, err := key.Material()
	if err != nil {
		return nil, err
	}
	header := groupHeader(groupID, epoch, nonce)
	plaintext, err := crypto.AEADDecrypt(crypto.AlgAES256GCM, keyMaterial, nonce, append(append([]byte{}, aad...), header...), ct, tag)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
