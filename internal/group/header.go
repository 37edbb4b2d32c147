package group

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// groupHeader builds the group message header spec.md §6 defines: 16
// bytes group_id, 4 bytes epoch_number, 12 bytes nonce. It is never
// sent separately — it is folded into the AEAD associated data so a
// tampered group_id/epoch/nonce fails authentication instead of
// silently misrouting or replaying under a different epoch.
//
// epoch is carried as uint64 in the Go API for headroom, but the wire
// format is 4 bytes; groups are expected to stay well under 2^32
// membership changes, so the low 32 bits are what travel on the wire.
func groupHeader(groupID string, epoch uint64, nonce []byte) []byte {
	buf := make([]byte, 16+4+len(nonce))
	if id, err := uuid.Parse(groupID); err == nil {
		copy(buf[0:16], id[:])
	} else {
		copy(buf[0:16], groupID)
	}
	binary.BigEndian.PutUint32(buf[16:20], uint32(epoch))
	copy(buf[20:], nonce)
	return buf
}
