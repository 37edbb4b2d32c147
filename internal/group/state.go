// Package group implements the MLS-style group manager: confidentiality
// for multi-party chats via an epoch-keyed AEAD scheme, rekeying on
// every membership change so a removed member loses access to every
// epoch that follows their removal.
package group

import (
	"sync"
	"time"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
)

// DefaultEpochRetention is EPOCH_KEY_RETENTION_COUNT's default: how many
// past epoch keys DecryptGroup still accepts, to tolerate messages that
// were in flight when the roster last changed.
const DefaultEpochRetention = 10

// State is a single group's membership and epoch-key history. Every
// mutating method is called through Manager, which owns the per-group
// lock; State itself carries no lock of its own.
type State struct {
	GroupID string
	Creator string

	members     map[string]int
	memberOrder []string
	removedAt   map[string]uint64

	groupKey    *crypto.Key
	epochKeys   map[uint64]*crypto.Key
	epochOrder  []uint64
	epochNumber uint64

	retention int

	CreatedAt time.Time
}

func newState(groupID, creator string, members []string, groupKey *crypto.Key, epochKey *crypto.Key) *State {
	s := &State{
		GroupID:     groupID,
		Creator:     creator,
		members:     make(map[string]int),
		removedAt:   make(map[string]uint64),
		groupKey:    groupKey,
		epochKeys:   make(map[uint64]*crypto.Key),
		epochNumber: 1,
		retention:   DefaultEpochRetention,
		CreatedAt:   time.Now().UTC(),
	}
	for _, m := range members {
		s.addMemberLocked(m)
	}
	if _, ok := s.members[creator]; !ok {
		s.addMemberLocked(creator)
	}
	s.epochKeys[1] = epochKey
	s.epochOrder = append(s.epochOrder, 1)
	return s
}

func (s *State) addMemberLocked(user string) {
	if _, ok := s.members[user]; ok {
		return
	}
	s.members[user] = len(s.memberOrder)
	s.memberOrder = append(s.memberOrder, user)
}

// IsMember reports whether user currently belongs to the group.
func (s *State) IsMember(user string) bool {
	_, ok := s.members[user]
	return ok
}

// EpochNumber returns the group's current (latest) epoch number.
func (s *State) EpochNumber() uint64 { return s.epochNumber }

// MemberCount returns the number of current members.
func (s *State) MemberCount() int { return len(s.members) }

func (s *State) currentEpochKey() (*crypto.Key, error) {
	k, ok := s.epochKeys[s.epochNumber]
	if !ok {
		return nil, ErrUnknownEpoch
	}
	return k, nil
}

func (s *State) epochKey(epoch uint64) (*crypto.Key, error) {
	if epoch == 0 || epoch > s.epochNumber {
		return nil, ErrUnknownEpoch
	}
	if s.epochNumber-epoch >= uint64(s.retention) {
		return nil, ErrEpochTooOld
	}
	k, ok := s.epochKeys[epoch]
	if !ok {
		return nil, ErrUnknownEpoch
	}
	return k, nil
}

// rekeyLocked mints a fresh, independently random epoch key and bumps
// epoch_number by exactly one, per spec.md §4.E's invariant. The new
// key is never derived from the prior epoch key or from groupKey, so a
// member excluded at this point has no path to it even if they retained
// every earlier secret.
func (s *State) rekeyLocked() (*crypto.Key, error) {
	owner := crypto.Owner{}
	k, err := crypto.GenerateSymmetricKey(crypto.AlgAES256GCM, owner, 0)
	if err != nil {
		return nil, err
	}
	s.epochNumber++
	s.epochKeys[s.epochNumber] = k
	s.epochOrder = append(s.epochOrder, s.epochNumber)
	s.evictOldEpochsLocked()
	return k, nil
}

func (s *State) evictOldEpochsLocked() {
	for len(s.epochOrder) > 0 && s.epochNumber-s.epochOrder[0] >= uint64(s.retention) {
		oldest := s.epochOrder[0]
		s.epochOrder = s.epochOrder[1:]
		if k, ok := s.epochKeys[oldest]; ok {
			k.Destroy()
			delete(s.epochKeys, oldest)
		}
	}
}

// Manager owns every group this process knows about, each guarded by
// its own lock so unrelated groups never contend — the same
// per-resource discipline internal/ratchet applies per session.
type Manager struct {
	mu     sync.Mutex
	groups map[string]*groupEntry
}

type groupEntry struct {
	mu    sync.Mutex
	state *State
}

// NewManager creates an empty group Manager.
func NewManager() *Manager {
	return &Manager{groups: make(map[string]*groupEntry)}
}
