package ratchet

import (
	"fmt"
	"time"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
)

const nonceSize = 12

// Decrypt opens a message produced by the peer's Encrypt, per spec.md
// §4.D's Receiving algorithm. ct must be the nonce‖ciphertext blob
// Encrypt returns. No partial plaintext is ever returned, and no field
// is committed to s until the AEAD call itself succeeds — a forged
// header that forces a spurious DH ratchet step still leaves the
// session in its prior state if the message then fails to decrypt.
func (s *State) Decrypt(h Header, ct, tag, aad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Phase == PhaseCompromised {
		return nil, ErrCompromised
	}
	if len(ct) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrInvalidHeader)
	}
	nonce, body := ct[:nonceSize], ct[nonceSize:]

	same, err := keysEqual(s.TheirRatchetPub, h.DHPub)
	if err != nil {
		return nil, err
	}

	step := &stagedStep{}
	if !same {
		if err := s.prepareDHRatchetStep(h, step); err != nil {
			return nil, err
		}
	}

	effectiveChainRecv := s.ChainRecvKey
	effectiveNRecv := s.NRecv
	if step.applied {
		effectiveChainRecv = step.newChainRecv
		effectiveNRecv = 0
	}

	key := skipKey(h.DHPub, h.N)

	if h.N < effectiveNRecv {
		mk, ok := s.skipped[key]
		if !ok {
			if s.delivered[key] {
				return nil, ErrReplayDetected
			}
			return nil, ErrSkippedKeyMissing
		}
		plaintext, err := aeadOpen(mk, nonce, tag, aad, h, body)
		if err != nil {
			return nil, err
		}
		s.commitStep(step)
		s.deleteSkipped(key)
		s.markDelivered(key)
		return plaintext, nil
	}

	newSkips := append([]pendingSkip{}, step.closingSkips...)
	chainMaterial, err := effectiveChainRecv.Material()
	if err != nil {
		return nil, err
	}
	if h.N > effectiveNRecv {
		if h.N-effectiveNRecv > uint32(s.maxSkipped) {
			return nil, ErrSkippedKeyBudgetExceeded
		}
		for n := effectiveNRecv; n < h.N; n++ {
			mk, err := crypto.HKDF(chainMaterial, nil, []byte(messageKeyInfo), 32)
			if err != nil {
				return nil, fmt.Errorf("ratchet: derive skipped key: %w", err)
			}
			next, err := crypto.HKDF(chainMaterial, nil, []byte(chainStepInfo), 32)
			if err != nil {
				return nil, fmt.Errorf("ratchet: advance recv chain: %w", err)
			}
			chainMaterial = next
			newSkips = append(newSkips, pendingSkip{key: skipKey(h.DHPub, n), mk: mk})
		}
	}

	mk, err := crypto.HKDF(chainMaterial, nil, []byte(messageKeyInfo), 32)
	if err != nil {
		return nil, fmt.Errorf("ratchet: derive message key: %w", err)
	}
	finalChain, err := crypto.HKDF(chainMaterial, nil, []byte(chainStepInfo), 32)
	if err != nil {
		return nil, fmt.Errorf("ratchet: advance recv chain: %w", err)
	}

	plaintext, err := aeadOpen(mk, nonce, tag, aad, h, body)
	if err != nil {
		return nil, err
	}

	s.commitStep(step)
	for _, ps := range newSkips {
		s.addSkipped(ps.key, ps.mk)
	}
	if err := replaceKeyMaterial(s.ChainRecvKey, finalChain); err != nil {
		return nil, err
	}
	s.NRecv = h.N + 1
	s.markDelivered(key)
	return plaintext, nil
}

// aeadOpen authenticates and decrypts a single message body. tag is the
// 16-byte AEAD tag Encrypt returned alongside the nonce‖ciphertext blob,
// carried as its own argument throughout Decrypt rather than re-split
// out of ct — ct never has the tag appended to it.
func aeadOpen(mk, nonce, tag, aad []byte, h Header, ct []byte) ([]byte, error) {
	defer zeroBytes(mk)
	plaintext, err := crypto.AEADDecrypt(crypto.AlgChaCha20Poly1305, mk, nonce, append(append([]byte{}, aad...), h.Bytes()...), ct, tag)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

type pendingSkip struct {
	key string
	mk  []byte
}

type stagedStep struct {
	applied      bool
	newRoot      []byte
	newChainSend []byte
	newChainRecv *crypto.Key
	newOurPriv   *crypto.Key
	newOurPub    *crypto.Key
	theirPubKey  *crypto.Key
	pn           uint32
	closingSkips []pendingSkip
}

// skipClosingChain derives and stages the message keys still
// outstanding on the receive chain a DH ratchet step is about to
// replace, from the current receive counter up to pn — the number of
// messages the peer sent on its previous sending chain before
// ratcheting (Header.PN), per spec.md §4.D's DH ratchet step item 1:
// "store any remaining skipped keys for the old their_ratchet_pub."
// Without this, a message still in flight on the old chain when the
// ratchet step lands would re-trigger a step against a stale pub and
// fail to decrypt, instead of being found in the skipped-key cache.
func (s *State) skipClosingChain(pn uint32) ([]pendingSkip, error) {
	if s.TheirRatchetPub == nil || pn <= s.NRecv {
		return nil, nil
	}
	if pn-s.NRecv > uint32(s.maxSkipped) {
		return nil, ErrSkippedKeyBudgetExceeded
	}
	oldPubBytes, err := ratchetPubBytes(s.TheirRatchetPub)
	if err != nil {
		return nil, err
	}
	chainMaterial, err := s.ChainRecvKey.Material()
	if err != nil {
		return nil, err
	}
	skips := make([]pendingSkip, 0, pn-s.NRecv)
	for n := s.NRecv; n < pn; n++ {
		mk, err := crypto.HKDF(chainMaterial, nil, []byte(messageKeyInfo), 32)
		if err != nil {
			return nil, fmt.Errorf("ratchet: derive closing-chain skipped key: %w", err)
		}
		next, err := crypto.HKDF(chainMaterial, nil, []byte(chainStepInfo), 32)
		if err != nil {
			return nil, fmt.Errorf("ratchet: advance closing chain: %w", err)
		}
		chainMaterial = next
		skips = append(skips, pendingSkip{key: skipKey(oldPubBytes, n), mk: mk})
	}
	return skips, nil
}

// prepareDHRatchetStep computes the full eight-step DH ratchet step
// from spec.md §4.D into a staged struct without mutating s, so a
// subsequent AEAD failure leaves the session untouched.
func (s *State) prepareDHRatchetStep(h Header, step *stagedStep) error {
	closingSkips, err := s.skipClosingChain(h.PN)
	if err != nil {
		return err
	}
	step.closingSkips = closingSkips

	rootMaterial, err := s.RootKey.Material()
	if err != nil {
		return err
	}

	owner := s.OurRatchetPriv.Owner()
	theirPubKey, err := crypto.ImportKey(crypto.AlgX25519, h.DHPub[:], owner, 0)
	if err != nil {
		return fmt.Errorf("ratchet: import peer ratchet key: %w", err)
	}

	dhOut, err := crypto.DH(s.OurRatchetPriv, theirPubKey)
	if err != nil {
		return fmt.Errorf("ratchet: dh ratchet step dh_out: %w", err)
	}
	derivedRecv, err := crypto.HKDF(append(append([]byte{}, rootMaterial...), dhOut...), nil, []byte(ratchetRecvInfo), 64)
	zeroBytes(dhOut)
	if err != nil {
		return fmt.Errorf("ratchet: derive recv chain: %w", err)
	}

	newPriv, newPub, err := crypto.GenerateKeyPair(crypto.AlgX25519, owner, 0)
	if err != nil {
		return fmt.Errorf("ratchet: generate fresh ratchet keypair: %w", err)
	}

	dhOut2, err := crypto.DH(newPriv, theirPubKey)
	if err != nil {
		newPriv.Destroy()
		return fmt.Errorf("ratchet: dh ratchet step dh_out2: %w", err)
	}
	derivedSend, err := crypto.HKDF(append(append([]byte{}, derivedRecv[:32]...), dhOut2...), nil, []byte(ratchetSendInfo), 64)
	zeroBytes(dhOut2)
	if err != nil {
		newPriv.Destroy()
		return fmt.Errorf("ratchet: derive send chain: %w", err)
	}

	newChainRecv, err := newSymmetricKey(s.OurRatchetPriv.Owner(), derivedRecv[32:])
	if err != nil {
		newPriv.Destroy()
		return err
	}

	step.applied = true
	step.newRoot = derivedSend[:32]
	step.newChainSend = derivedSend[32:]
	step.newChainRecv = newChainRecv
	step.newOurPriv = newPriv
	step.newOurPub = newPub
	step.theirPubKey = theirPubKey
	step.pn = s.NSend
	return nil
}

// commitStep writes a staged DH ratchet step into s. Called only after
// the triggering message has successfully authenticated.
func (s *State) commitStep(step *stagedStep) {
	if !step.applied {
		return
	}
	if err := replaceKeyMaterial(s.RootKey, step.newRoot); err != nil {
		return
	}
	if err := replaceKeyMaterial(s.ChainSendKey, step.newChainSend); err != nil {
		return
	}
	s.ChainRecvKey.Destroy()
	s.ChainRecvKey = step.newChainRecv
	s.OurRatchetPriv.Destroy()
	s.OurRatchetPriv = step.newOurPriv
	s.OurRatchetPub = step.newOurPub

	if s.TheirRatchetPub != nil {
		s.TheirRatchetPub.Destroy()
	}
	s.TheirRatchetPub = step.theirPubKey

	s.PN = step.pn
	s.NSend = 0
	s.NRecv = 0
	s.MsgsSinceRekey = 0
	s.LastRatchetAt = time.Now().UTC()
}

func (s *State) deleteSkipped(key string) {
	delete(s.skipped, key)
	for i, k := range s.skippedOrder {
		if k == key {
			s.skippedOrder = append(s.skippedOrder[:i], s.skippedOrder[i+1:]...)
			break
		}
	}
}

func (s *State) addSkipped(key string, mk []byte) {
	if len(s.skipped) >= s.maxSkipped {
		s.evictOldestSkipped()
	}
	s.skipped[key] = mk
	s.skippedOrder = append(s.skippedOrder, key)
}

func (s *State) evictOldestSkipped() {
	if len(s.skippedOrder) == 0 {
		return
	}
	oldest := s.skippedOrder[0]
	s.skippedOrder = s.skippedOrder[1:]
	if mk, ok := s.skipped[oldest]; ok {
		zeroBytes(mk)
		delete(s.skipped, oldest)
	}
	s.skippedDropped++
}

func (s *State) markDelivered(key string) {
	if s.delivered[key] {
		return
	}
	if len(s.deliveredOrder) >= s.maxSkipped {
		oldest := s.deliveredOrder[0]
		s.deliveredOrder = s.deliveredOrder[1:]
		delete(s.delivered, oldest)
	}
	s.delivered[key] = true
	s.deliveredOrder = append(s.deliveredOrder, key)
}
