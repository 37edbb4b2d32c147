package ratchet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
)

// snapshot is the on-the-wire shape Marshal/Unmarshal exchange with a
// session store blob, per spec.md §4.F: "State blobs are serialized
// excluding long-term private key material where a fresh derivation is
// possible; the ratchet's own private keys are serialized, since losing
// them means losing the session." Every field below is either public
// material, the session's own ratchet private key, or plain counters —
// nothing here is a long-term identity secret, so there is nothing to
// exclude.
type snapshot struct {
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`

	RootKey      []byte `json:"root_key"`
	ChainSendKey []byte `json:"chain_send_key"`
	ChainRecvKey []byte `json:"chain_recv_key"`

	OurRatchetPriv  []byte `json:"our_ratchet_priv"`
	OurRatchetPub   []byte `json:"our_ratchet_pub"`
	TheirRatchetPub []byte `json:"their_ratchet_pub,omitempty"`

	OwnerUser   string `json:"owner_user"`
	OwnerDevice string `json:"owner_device"`

	NSend          uint32 `json:"n_send"`
	NRecv          uint32 `json:"n_recv"`
	PN             uint32 `json:"pn"`
	MsgsSinceRekey int    `json:"msgs_since_rekey"`

	CreatedAt     time.Time `json:"created_at"`
	LastRatchetAt time.Time `json:"last_ratchet_at"`

	Phase                 Phase `json:"phase"`
	MustRatchetBeforeSend bool  `json:"must_ratchet_before_send,omitempty"`

	Skipped        map[string][]byte `json:"skipped,omitempty"`
	SkippedOrder   []string          `json:"skipped_order,omitempty"`
	Delivered      []string          `json:"delivered,omitempty"`
	DeliveredOrder []string          `json:"delivered_order,omitempty"`
	SkippedDropped int               `json:"skipped_dropped"`

	MaxSkipped    int           `json:"max_skipped"`
	MaxPerChain   int           `json:"max_per_chain"`
	RekeyInterval time.Duration `json:"rekey_interval"`
}

// Marshal serializes s into a session-store blob. Compromised sessions
// refuse to serialize — there is nothing worth persisting once the
// chain keys have been wiped, and a caller that tries anyway almost
// certainly has a bug.
func (s *State) Marshal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase == PhaseCompromised {
		return nil, ErrCompromised
	}

	rootMat, err := s.RootKey.Material()
	if err != nil {
		return nil, err
	}
	sendMat, err := s.ChainSendKey.Material()
	if err != nil {
		return nil, err
	}
	recvMat, err := s.ChainRecvKey.Material()
	if err != nil {
		return nil, err
	}
	privMat, err := s.OurRatchetPriv.Material()
	if err != nil {
		return nil, err
	}
	pubMat, err := ratchetPubBytes(s.OurRatchetPub)
	if err != nil {
		return nil, err
	}

	var theirPub []byte
	if s.TheirRatchetPub != nil {
		theirMat, err := s.TheirRatchetPub.Material()
		if err != nil {
			return nil, err
		}
		theirPub = theirMat
	}

	owner := s.OurRatchetPub.Owner()

	delivered := make([]string, 0, len(s.delivered))
	for k := range s.delivered {
		delivered = append(delivered, k)
	}

	snap := snapshot{
		SessionID:       s.SessionID,
		ChatID:          s.ChatID,
		RootKey:         rootMat,
		ChainSendKey:    sendMat,
		ChainRecvKey:    recvMat,
		OurRatchetPriv:  privMat,
		OurRatchetPub:   pubMat[:],
		TheirRatchetPub: theirPub,
		OwnerUser:       owner.User,
		OwnerDevice:     owner.Device,
		NSend:           s.NSend,
		NRecv:           s.NRecv,
		PN:              s.PN,
		MsgsSinceRekey:  s.MsgsSinceRekey,
		CreatedAt:       s.CreatedAt,
		LastRatchetAt:   s.LastRatchetAt,
		Phase:           s.Phase,
		Skipped:         s.skipped,
		SkippedOrder:    s.skippedOrder,
		Delivered:       delivered,
		DeliveredOrder:  s.deliveredOrder,
		SkippedDropped:  s.skippedDropped,
		MaxSkipped:      s.maxSkipped,
		MaxPerChain:     s.maxPerChain,
		RekeyInterval:   s.rekeyInterval,
	}
	snap.MustRatchetBeforeSend = s.mustRatchetBeforeSend

	return json.Marshal(snap)
}

// Unmarshal restores a State from a blob produced by Marshal.
func Unmarshal(blob []byte) (*State, error) {
	var snap snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("ratchet: unmarshal session blob: %w", err)
	}

	owner := crypto.Owner{User: snap.OwnerUser, Device: snap.OwnerDevice}

	rootKey, err := crypto.ImportKey(crypto.AlgHKDFIKM, snap.RootKey, owner, 0)
	if err != nil {
		return nil, err
	}
	sendKey, err := crypto.ImportKey(crypto.AlgChaCha20Poly1305, snap.ChainSendKey, owner, 0)
	if err != nil {
		return nil, err
	}
	recvKey, err := crypto.ImportKey(crypto.AlgChaCha20Poly1305, snap.ChainRecvKey, owner, 0)
	if err != nil {
		return nil, err
	}
	ratchetPriv, err := crypto.ImportKey(crypto.AlgX25519, snap.OurRatchetPriv, owner, 0)
	if err != nil {
		return nil, err
	}
	ratchetPub, err := crypto.ImportKey(crypto.AlgX25519, snap.OurRatchetPub, owner, 0)
	if err != nil {
		return nil, err
	}

	var theirPub *crypto.Key
	if len(snap.TheirRatchetPub) > 0 {
		theirPub, err = crypto.ImportKey(crypto.AlgX25519, snap.TheirRatchetPub, owner, 0)
		if err != nil {
			return nil, err
		}
	}

	delivered := make(map[string]bool, len(snap.Delivered))
	for _, k := range snap.Delivered {
		delivered[k] = true
	}
	skipped := snap.Skipped
	if skipped == nil {
		skipped = make(map[string][]byte)
	}

	return &State{
		SessionID:       snap.SessionID,
		ChatID:          snap.ChatID,
		RootKey:         rootKey,
		ChainSendKey:    sendKey,
		ChainRecvKey:    recvKey,
		OurRatchetPriv:  ratchetPriv,
		OurRatchetPub:   ratchetPub,
		TheirRatchetPub: theirPub,
		NSend:           snap.NSend,
		NRecv:           snap.NRecv,
		PN:              snap.PN,
		MsgsSinceRekey:  snap.MsgsSinceRekey,
		CreatedAt:       snap.CreatedAt,
		LastRatchetAt:   snap.LastRatchetAt,
		Phase:           snap.Phase,
		skipped:         skipped,
		skippedOrder:    snap.SkippedOrder,
		delivered:       delivered,
		deliveredOrder:  snap.DeliveredOrder,
		skippedDropped:  snap.SkippedDropped,
		maxSkipped:      snap.MaxSkipped,
		maxPerChain:     snap.MaxPerChain,
		rekeyInterval:   snap.RekeyInterval,

		mustRatchetBeforeSend: snap.MustRatchetBeforeSend,
	}, nil
}
