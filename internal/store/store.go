// Package store is the opaque persistence boundary spec.md §4.F
// describes: ratchet and group state cross it as plain byte blobs the
// core itself never interprets beyond the leading version tag. What
// backs a Store — a filesystem, a database, an object store — is the
// store's own concern; the core only ever calls Save/Load/Delete/
// ListIDs.
package store

import (
	"context"
	"fmt"
	"time"
)

// Store is the persistence contract every ratchet/group session
// crosses to survive a process restart. Implementations MUST encrypt
// blobs at rest themselves — spec.md §4.F assigns that responsibility
// to the store, not the core, since the core already excludes
// long-term private material that can be freshly re-derived and has no
// opinion on how the rest should be protected on disk.
type Store interface {
	Save(ctx context.Context, sessionID string, blob []byte) error
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Delete(ctx context.Context, sessionID string) error
	ListIDs(ctx context.Context) ([]string, error)
}

// ExpirableStore is implemented by stores that can report how long a
// session has sat unused. Cleanup needs this to apply spec.md §4.F's
// 30-day pruning rule without forcing every Store implementation to
// carry a timestamp the base contract otherwise has no use for.
type ExpirableStore interface {
	Store
	LastUsed(ctx context.Context, sessionID string) (time.Time, error)
}

// LoadAll loads every persisted session blob at startup, per spec.md
// §4.F's "startup loads the persisted index; missing or corrupt blobs
// are reported, not silently dropped." A failed Load for one session
// is collected into errs rather than aborting the whole load or being
// dropped silently; the caller decides what to do with a partially
// recovered session set.
func LoadAll(ctx context.Context, s Store) (blobs map[string][]byte, errs []error) {
	ids, err := s.ListIDs(ctx)
	if err != nil {
		return nil, []error{fmt.Errorf("store: list session ids: %w", err)}
	}
	blobs = make(map[string][]byte, len(ids))
	for _, id := range ids {
		blob, err := s.Load(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("store: load session %s: %w", id, err))
			continue
		}
		blobs[id] = blob
	}
	return blobs, errs
}
