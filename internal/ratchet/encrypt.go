package ratchet

import (
	"fmt"
	"time"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
)

// Encrypt seals plaintext under the current sending chain, per
// spec.md §4.D's Sending algorithm. aad is folded into the AEAD's
// associated data alongside the message header, so a tampered header
// field fails authentication rather than silently misrouting.
//
// The returned ciphertext is nonce‖ct: the 40-byte header wire format
// (spec.md §6) has no field for the fresh 12-byte nonce step 3 calls
// for, so it travels as a prefix of the opaque ciphertext blob instead
// of a named return value. Decrypt expects the same layout.
func (s *State) Encrypt(plaintext, aad []byte) (Header, []byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase == PhaseCompromised {
		return Header{}, nil, nil, ErrCompromised
	}

	if s.shouldSelfRatchetLocked() {
		if err := s.selfRatchetLocked(); err != nil {
			return Header{}, nil, nil, err
		}
	}

	chainMaterial, err := s.ChainSendKey.Material()
	if err != nil {
		return Header{}, nil, nil, err
	}
	mk, err := crypto.HKDF(chainMaterial, nil, []byte(messageKeyInfo), 32)
	if err != nil {
		return Header{}, nil, nil, fmt.Errorf("ratchet: derive message key: %w", err)
	}
	nextChain, err := crypto.HKDF(chainMaterial, nil, []byte(chainStepInfo), 32)
	if err != nil {
		zeroBytes(mk)
		return Header{}, nil, nil, fmt.Errorf("ratchet: advance send chain: %w", err)
	}

	ourPubBytes, err := ratchetPubBytes(s.OurRatchetPub)
	if err != nil {
		zeroBytes(mk)
		return Header{}, nil, nil, err
	}
	header := Header{DHPub: ourPubBytes, PN: s.PN, N: s.NSend}

	nonce, err := crypto.RandomBytes(12)
	if err != nil {
		zeroBytes(mk)
		return Header{}, nil, nil, err
	}
	ct, tag, err := crypto.AEADEncrypt(crypto.AlgChaCha20Poly1305, mk, nonce, append(append([]byte{}, aad...), header.Bytes()...), plaintext)
	zeroBytes(mk)
	if err != nil {
		return Header{}, nil, nil, err
	}

	if err := replaceKeyMaterial(s.ChainSendKey, nextChain); err != nil {
		return Header{}, nil, nil, err
	}
	s.NSend++
	s.MsgsSinceRekey++
	s.Phase = PhaseEstablished

	return header, append(nonce, ct...), tag, nil
}

func (s *State) shouldSelfRatchetLocked() bool {
	if s.mustRatchetBeforeSend {
		return true
	}
	if s.TheirRatchetPub == nil {
		return false
	}
	if s.MsgsSinceRekey > s.maxPerChain {
		return true
	}
	return time.Since(s.LastRatchetAt) > s.rekeyInterval
}

// selfRatchetLocked lets a sender proactively refresh its send chain
// against the peer's last known ratchet public key, either because
// MAX_PER_CHAIN/REKEY_INTERVAL was exceeded (spec.md §4.D step 7) or
// because this is the acceptor's mandatory first ratchet step (see
// State.mustRatchetBeforeSend). It derives the new chain with the same
// DH output and the same "ratchet_recv" label prepareDHRatchetStep's
// first stage uses to reconstruct it: that stage is what the peer runs
// the first time it sees this side's new dh_pub, and a label mismatch
// would mean the two sides compute different chain bytes from
// identical DH inputs. It only touches the sending side: the
// receiving chain only rotates in prepareDHRatchetStep, on whichever
// side actually observes a new incoming dh_pub.
func (s *State) selfRatchetLocked() error {
	rootMaterial, err := s.RootKey.Material()
	if err != nil {
		return err
	}
	newPriv, newPub, err := crypto.GenerateKeyPair(crypto.AlgX25519, s.OurRatchetPub.Owner(), 0)
	if err != nil {
		return fmt.Errorf("ratchet: generate self-ratchet keypair: %w", err)
	}
	dhOut, err := crypto.DH(newPriv, s.TheirRatchetPub)
	if err != nil {
		newPriv.Destroy()
		return fmt.Errorf("ratchet: self-ratchet dh: %w", err)
	}
	derived, err := crypto.HKDF(append(append([]byte{}, rootMaterial...), dhOut...), nil, []byte(ratchetRecvInfo), 64)
	zeroBytes(dhOut)
	if err != nil {
		newPriv.Destroy()
		return fmt.Errorf("ratchet: derive self-ratchet keys: %w", err)
	}

	if err := replaceKeyMaterial(s.RootKey, derived[:32]); err != nil {
		newPriv.Destroy()
		return err
	}
	if err := replaceKeyMaterial(s.ChainSendKey, derived[32:]); err != nil {
		newPriv.Destroy()
		return err
	}

	s.OurRatchetPriv.Destroy()
	s.OurRatchetPriv = newPriv
	s.OurRatchetPub = newPub
	s.PN = s.NSend
	s.NSend = 0
	s.MsgsSinceRekey = 0
	s.LastRatchetAt = time.Now().UTC()
	s.mustRatchetBeforeSend = false
	return nil
}
