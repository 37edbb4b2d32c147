package group

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
)

// snapshot is the session-store blob shape for a single group, per
// spec.md §4.F: group state serializes the same way ratchet state
// does, long-term group/epoch key material included — there is no
// fresher derivation a restore could fall back to instead.
type snapshot struct {
	GroupID     string            `json:"group_id"`
	Creator     string            `json:"creator"`
	Members     []string          `json:"members"`
	RemovedAt   map[string]uint64 `json:"removed_at,omitempty"`
	GroupKey    []byte            `json:"group_key"`
	EpochKeys   map[uint64][]byte `json:"epoch_keys"`
	EpochOrder  []uint64          `json:"epoch_order"`
	EpochNumber uint64            `json:"epoch_number"`
	Retention   int               `json:"retention"`
	CreatedAt   time.Time         `json:"created_at"`
}

// MarshalGroup serializes groupID's current state to a session-store
// blob.
func (m *Manager) MarshalGroup(groupID string) ([]byte, error) {
	e, err := m.lookup(groupID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	groupKeyMat, err := e.state.groupKey.Material()
	if err != nil {
		return nil, err
	}
	epochKeys := make(map[uint64][]byte, len(e.state.epochKeys))
	for epoch, k := range e.state.epochKeys {
		mat, err := k.Material()
		if err != nil {
			return nil, err
		}
		epochKeys[epoch] = mat
	}

	snap := snapshot{
		GroupID:     e.state.GroupID,
		Creator:     e.state.Creator,
		Members:     append([]string(nil), e.state.memberOrder...),
		RemovedAt:   e.state.removedAt,
		GroupKey:    groupKeyMat,
		EpochKeys:   epochKeys,
		EpochOrder:  append([]uint64(nil), e.state.epochOrder...),
		EpochNumber: e.state.epochNumber,
		Retention:   e.state.retention,
		CreatedAt:   e.state.CreatedAt,
	}
	return json.Marshal(snap)
}

// RestoreGroup rebuilds a group State from a blob produced by
// MarshalGroup and registers it with m under its original group id.
func (m *Manager) RestoreGroup(blob []byte) (*State, error) {
	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("group: unmarshal session blob: %w", err)
	}

	owner := crypto.Owner{}
	groupKey, err := crypto.ImportKey(crypto.AlgAES256GCM, snap.GroupKey, owner, 0)
	if err != nil {
		return nil, err
	}
	epochKeys := make(map[uint64]*crypto.Key, len(snap.EpochKeys))
	for epoch, mat := range snap.EpochKeys {
		k, err := crypto.ImportKey(crypto.AlgAES256GCM, mat, owner, 0)
		if err != nil {
			return nil, err
		}
		epochKeys[epoch] = k
	}

	removedAt := snap.RemovedAt
	if removedAt == nil {
		removedAt = make(map[string]uint64)
	}

	members := make(map[string]int, len(snap.Members))
	for i, user := range snap.Members {
		members[user] = i
	}

	state := &State{
		GroupID:     snap.GroupID,
		Creator:     snap.Creator,
		members:     members,
		memberOrder: append([]string(nil), snap.Members...),
		removedAt:   removedAt,
		groupKey:    groupKey,
		epochKeys:   epochKeys,
		epochOrder:  append([]uint64(nil), snap.EpochOrder...),
		epochNumber: snap.EpochNumber,
		retention:   snap.Retention,
		CreatedAt:   snap.CreatedAt,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups == nil {
		m.groups = make(map[string]*groupEntry)
	}
	m.groups[state.GroupID] = &groupEntry{state: state}
	return state, nil
}
