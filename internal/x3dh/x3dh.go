package x3dh

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jaydenbeard/messaging-app/internal/crypto"
	"github.com/jaydenbeard/messaging-app/internal/registry"
)

// Initiate runs the initiator's half of X3DH: our is the device
// starting the session, peer is the freshly fetched and verified key
// bundle of the device being contacted. If requireDH3 is false and our
// identity private key is unavailable, the handshake proceeds with only
// DH1‖DH2 — spec.md §9's flagged, non-default weakening kept only for
// parity with the source behavior; production callers pass true.
//
// If peer carries a one-time prekey (peer.OneTimePrekeys[0] — the
// caller is expected to have already called registry.ConsumeOneTimePrekey
// and passed in the resulting single-entry bundle snapshot, since the
// registry, not this package, owns prekey lifecycle), DH4 is folded in
// and Handshake.ConsumedOneTimePrekeyID is set so the caller can tell
// the peer which private half to retire. An empty OneTimePrekeys list
// runs DH1‖DH2‖DH3 only.
func Initiate(our *registry.DeviceState, peer *registry.KeyBundle, requireDH3 bool) (*Handshake, error) {
	if !registry.VerifyBundle(peer) {
		return nil, ErrInvalidBundleSignature
	}

	ekPriv, ekPub, err := crypto.GenerateKeyPair(crypto.AlgX25519, crypto.Owner{User: our.UserID, Device: our.DeviceID}, 0)
	if err != nil {
		return nil, fmt.Errorf("x3dh: generate ephemeral keypair: %w", err)
	}

	dh1, err := crypto.DH(ekPriv, peer.IdentityDHPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: DH1: %w", err)
	}
	dh2, err := crypto.DH(ekPriv, peer.SignedPrekey)
	if err != nil {
		return nil, fmt.Errorf("x3dh: DH2: %w", err)
	}

	var dh3 []byte
	if our.IdentityDHPriv != nil {
		dh3, err = crypto.DH(our.IdentityDHPriv, peer.SignedPrekey)
		if err != nil {
			return nil, fmt.Errorf("x3dh: DH3: %w", err)
		}
	} else if requireDH3 {
		return nil, ErrIdentityPrivUnavailable
	}

	ikm := append(append([]byte{}, dh1...), dh2...)
	ikm = append(ikm, dh3...)

	var consumedID string
	if len(peer.OneTimePrekeys) > 0 {
		otk := peer.OneTimePrekeys[0]
		dh4, err := crypto.DH(ekPriv, otk)
		if err != nil {
			return nil, fmt.Errorf("x3dh: DH4: %w", err)
		}
		ikm = append(ikm, dh4...)
		consumedID = otk.ID()
	}

	// spec.md §4.C step 6 calls for a random salt, but X3DH is
	// asynchronous and the handshake message this core defines (the
	// identity/ephemeral public keys and consumed-OTK id — see
	// Handshake) carries no salt-transport field, so a random salt
	// here would leave the acceptor unable to reproduce root_key at
	// all. Both sides instead rely on HKDF's empty-salt substitution
	// (deterministic, bound to ikm/info — see internal/crypto/kdf.go),
	// which reproduces the same root key from the same DH inputs
	// without needing an out-of-band channel for the salt itself.
	rootMaterial, err := crypto.HKDF(ikm, nil, []byte(rootKeyInfo), 32)
	if err != nil {
		return nil, fmt.Errorf("x3dh: derive root key: %w", err)
	}
	rootKey, err := crypto.GenerateSymmetricKey(crypto.AlgHKDFIKM, crypto.Owner{User: our.UserID, Device: our.DeviceID}, 0)
	if err != nil {
		return nil, fmt.Errorf("x3dh: allocate root key: %w", err)
	}
	if err := overwriteMaterial(rootKey, rootMaterial); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()

	return &Handshake{
		SessionID:               sessionID,
		RootKey:                 rootKey,
		OurRatchetPriv:          ekPriv,
		OurRatchetPub:           ekPub,
		TheirRatchetPub:         nil,
		IsInitiator:             true,
		EphemeralPub:            ekPub,
		ConsumedOneTimePrekeyID: consumedID,
		EstablishedAt:           time.Now().UTC(),
	}, nil
}

// Accept runs the acceptor's half of X3DH. our is the device that
// published the bundle the initiator used; theirIdentityPub is the
// initiator's X25519 identity DH public key (registry.KeyBundle's
// IdentityDHPub, not the Ed25519 signing key — DH3's mirror needs a
// DH-capable key on both sides); theirEphemeralPub is the initiator's
// ephemeral X25519 public key (EK_pub). consumedOTK, if non-nil, is the
// private half of the one-time prekey the initiator consumed, looked up
// by the caller via registry.ConsumeOneTimePrekeyPriv using the prekey
// ID carried in the handshake message.
func Accept(our *registry.DeviceState, theirIdentityPub, theirEphemeralPub *crypto.Key, consumedOTK *crypto.Key) (*Handshake, error) {
	if our.SignedPrekeyPriv == nil {
		return nil, ErrMissingRatchetKeys
	}

	dh1, err := crypto.DH(our.IdentityDHPriv, theirEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: DH1 (mirror): %w", err)
	}
	dh2, err := crypto.DH(our.SignedPrekeyPriv, theirEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("x3dh: DH2 (mirror): %w", err)
	}

	// Mirror of the initiator's DH3 = dh(our.identity_priv,
	// peer.signed_prekey_pub): the acceptor holds the signed-prekey
	// private half and needs the initiator's identity DH public.
	var dh3 []byte
	if theirIdentityPub != nil {
		dh3, err = crypto.DH(our.SignedPrekeyPriv, theirIdentityPub)
		if err != nil {
			return nil, fmt.Errorf("x3dh: DH3 (mirror): %w", err)
		}
	}

	var consumedID string
	var dh4 []byte
	if consumedOTK != nil {
		dh4, err = crypto.DH(consumedOTK, theirEphemeralPub)
		if err != nil {
			return nil, fmt.Errorf("x3dh: DH4 (mirror): %w", err)
		}
		consumedID = consumedOTK.ID()
	}

	ikm := append(append([]byte{}, dh1...), dh2...)
	ikm = append(ikm, dh3...)
	ikm = append(ikm, dh4...)

	// Like Initiate, the acceptor passes no salt: the handshake message
	// carries none, so both sides rely on HKDF's empty-salt substitution,
	// which binds the extract step to ikm/info and keeps both
	// derivations reproducible from the same IKM.
	rootMaterial, err := crypto.HKDF(ikm, nil, []byte(rootKeyInfo), 32)
	if err != nil {
		return nil, fmt.Errorf("x3dh: derive root key: %w", err)
	}
	rootKey, err := crypto.GenerateSymmetricKey(crypto.AlgHKDFIKM, crypto.Owner{User: our.UserID, Device: our.DeviceID}, 0)
	if err != nil {
		return nil, fmt.Errorf("x3dh: allocate root key: %w", err)
	}
	if err := overwriteMaterial(rootKey, rootMaterial); err != nil {
		return nil, err
	}

	// The acceptor's initial Double Ratchet keypair is freshly generated,
	// not reused from X3DH: its send chain only ever becomes live once
	// ratchet.New forces a real DH ratchet step before the acceptor's
	// first message (see State.mustRatchetBeforeSend), which replaces
	// this keypair immediately anyway.
	ourRatchetPriv, ourRatchetPub, err := crypto.GenerateKeyPair(crypto.AlgX25519, crypto.Owner{User: our.UserID, Device: our.DeviceID}, 0)
	if err != nil {
		return nil, fmt.Errorf("x3dh: generate acceptor ratchet keypair: %w", err)
	}

	return &Handshake{
		SessionID:               uuid.NewString(),
		RootKey:                 rootKey,
		OurRatchetPriv:          ourRatchetPriv,
		OurRatchetPub:           ourRatchetPub,
		TheirRatchetPub:         theirEphemeralPub,
		IsInitiator:             false,
		EphemeralPub:            theirEphemeralPub,
		ConsumedOneTimePrekeyID: consumedID,
		EstablishedAt:           time.Now().UTC(),
	}, nil
}

// overwriteMaterial replaces a freshly allocated symmetric Key's random
// material with derived bytes, since crypto.GenerateSymmetricKey always
// fills material with fresh CSPRNG output and there is no exported
// constructor that takes caller-supplied bytes directly.
func overwriteMaterial(k *crypto.Key, material []byte) error {
	current, err := k.Material()
	if err != nil {
		return err
	}
	copy(current, material)
	return nil
}
