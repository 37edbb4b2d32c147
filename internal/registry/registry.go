package registry

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaydenbeard/messaging-app/internal/crypto"
)

const (
	// DefaultOneTimePrekeyPoolSize is ONE_TIME_PREKEY_POOL_SIZE's default.
	DefaultOneTimePrekeyPoolSize = 100
	// DefaultOneTimePrekeyWatermark triggers replenishment below this count.
	DefaultOneTimePrekeyWatermark = 10
	// DefaultSignedPrekeyRotation is SIGNED_PREKEY_ROTATION_DAYS's default.
	DefaultSignedPrekeyRotation = 7 * 24 * time.Hour
	// DefaultBundleTTL is how long a bundle is considered fresh before
	// GetBundle marks it stale. Not a named spec.md §6 knob; tied to
	// SESSION_KEY_ROTATION_HOURS's default since no separate bundle-TTL
	// knob is defined.
	DefaultBundleTTL = 24 * time.Hour
	// DefaultMaxLogEntries bounds the in-memory transparency log.
	DefaultMaxLogEntries = 10000
	// logRetention is the FIFO eviction age for log entries (spec.md §3).
	logRetention = 30 * 24 * time.Hour
)

func deviceKey(user, device string) string { return user + "/" + device }

// Registry holds every locally-known device's private key state, the
// bundles published for them, and the append-only key-transparency log.
// A real deployment would split "devices we hold private keys for"
// (this process's own devices) from "bundles fetched from peers", but
// spec.md §4.B models both through the same GetBundle/RegisterDevice
// surface, so one map serves both roles here.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*DeviceState
	bundles map[string]*KeyBundle

	logMu sync.Mutex
	log   []*KeyLogEntry

	oneTimePoolSize       int
	oneTimeWatermark      int
	signedPrekeyRotation  time.Duration
	bundleTTL             time.Duration
	maxLogEntries         int
	logger                *log.Logger
}

// NewRegistry creates an empty Registry with spec.md §6 defaults.
func NewRegistry() *Registry {
	return &Registry{
		devices:              make(map[string]*DeviceState),
		bundles:              make(map[string]*KeyBundle),
		oneTimePoolSize:      DefaultOneTimePrekeyPoolSize,
		oneTimeWatermark:     DefaultOneTimePrekeyWatermark,
		signedPrekeyRotation: DefaultSignedPrekeyRotation,
		bundleTTL:            DefaultBundleTTL,
		maxLogEntries:        DefaultMaxLogEntries,
		logger:               log.New(os.Stdout, "[KEY-REGISTRY] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// SetOneTimePrekeyPoolSize overrides the pool size and watermark used by
// RotateOneTimePrekeys / the rotation scheduler.
func (r *Registry) SetOneTimePrekeyPoolSize(poolSize, watermark int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oneTimePoolSize = poolSize
	r.oneTimeWatermark = watermark
}

// SetSignedPrekeyRotationInterval overrides the signed prekey's rotation period.
func (r *Registry) SetSignedPrekeyRotationInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signedPrekeyRotation = d
}

// SetBundleTTL overrides how long a bundle is considered fresh.
func (r *Registry) SetBundleTTL(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundleTTL = d
}

func generateIdentityKeys(owner crypto.Owner) (signPriv, signPub, dhPriv, dhPub *crypto.Key, err error) {
	signPriv, signPub, err = crypto.GenerateKeyPair(crypto.AlgEd25519, owner, 0)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("registry: generate identity signing keypair: %w", err)
	}
	dhPriv, dhPub, err = crypto.GenerateKeyPair(crypto.AlgX25519, owner, 0)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("registry: generate identity dh keypair: %w", err)
	}
	return signPriv, signPub, dhPriv, dhPub, nil
}

func generateSignedPrekey(identitySignPriv *crypto.Key, owner crypto.Owner) (priv, pub *crypto.Key, sig []byte, err error) {
	priv, pub, err = crypto.GenerateKeyPair(crypto.AlgX25519, owner, 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("registry: generate signed prekey: %w", err)
	}
	pubMaterial, err := pub.Material()
	if err != nil {
		return nil, nil, nil, err
	}
	sig, err = crypto.Sign(identitySignPriv, pubMaterial)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("registry: sign prekey: %w", err)
	}
	return priv, pub, sig, nil
}

func generateOneTimePrekeys(n int, owner crypto.Owner) (privs map[string]*crypto.Key, pubs []*crypto.Key, err error) {
	privs = make(map[string]*crypto.Key, n)
	pubs = make([]*crypto.Key, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateKeyPair(crypto.AlgX25519, owner, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("registry: generate one-time prekey %d: %w", i, err)
		}
		privs[pub.ID()] = priv
		pubs = append(pubs, pub)
	}
	return privs, pubs, nil
}

// canonicalBundleBytes returns the byte sequence a KeyBundle's
// Signature is computed over: UserID, DeviceID, Version, CreatedAt,
// IdentityDHPub, SignedPrekey and OneTimePrekeys, in that fixed order,
// so signing and verification agree byte-for-byte. IdentityPub,
// LastRefresh and IsStale are not covered.
func canonicalBundleBytes(b *KeyBundle) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(b.UserID)
	buf.WriteByte(0)
	buf.WriteString(b.DeviceID)
	buf.WriteByte(0)
	var versionBytes [8]byte
	binary.BigEndian.PutUint64(versionBytes[:], uint64(b.Version))
	buf.Write(versionBytes[:])

	createdBytes, err := b.CreatedAt.UTC().MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf.Write(createdBytes)

	idDH, err := b.IdentityDHPub.Material()
	if err != nil {
		return nil, err
	}
	buf.Write(idDH)

	spk, err := b.SignedPrekey.Material()
	if err != nil {
		return nil, err
	}
	buf.Write(spk)

	for _, otk := range b.OneTimePrekeys {
		material, err := otk.Material()
		if err != nil {
			return nil, err
		}
		buf.Write(material)
	}
	return buf.Bytes(), nil
}

// RegisterDevice generates a fresh signed prekey and one-time prekey
// pool for (user, device), given its long-term identity keypair, and
// returns both the private DeviceState and the signed, publishable
// KeyBundle. It performs no registry-state mutation; call
// (*Registry).Register to also store and log the result.
func RegisterDevice(user, device string, identitySignPriv, identitySignPub *crypto.Key, poolSize int) (*DeviceState, *KeyBundle, error) {
	owner := crypto.Owner{User: user, Device: device}

	_, _, identityDHPriv, identityDHPub, err := generateIdentityKeys(owner)
	if err != nil {
		return nil, nil, err
	}

	spkPriv, spkPub, _, err := generateSignedPrekey(identitySignPriv, owner)
	if err != nil {
		return nil, nil, err
	}

	if poolSize <= 0 {
		poolSize = DefaultOneTimePrekeyPoolSize
	}
	otkPrivs, otkPubs, err := generateOneTimePrekeys(poolSize, owner)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	state := &DeviceState{
		UserID:             user,
		DeviceID:           device,
		Version:            1,
		CreatedAt:          now,
		LastRefresh:        now,
		IdentityPriv:       identitySignPriv,
		IdentityPub:        identitySignPub,
		IdentityDHPriv:     identityDHPriv,
		IdentityDHPub:      identityDHPub,
		SignedPrekeyPriv:   spkPriv,
		SignedPrekeyPub:    spkPub,
		SignedPrekeyRotAt:  now,
		OneTimePrekeyPrivs: otkPrivs,
		OneTimePrekeyPubs:  otkPubs,
	}

	bundle := &KeyBundle{
		UserID:         user,
		DeviceID:       device,
		Version:        1,
		CreatedAt:      now,
		LastRefresh:    now,
		IdentityPub:    identitySignPub,
		IdentityDHPub:  identityDHPub,
		SignedPrekey:   spkPub,
		OneTimePrekeys: append([]*crypto.Key(nil), otkPubs...),
	}
	canonical, err := canonicalBundleBytes(bundle)
	if err != nil {
		return nil, nil, err
	}
	bundle.Signature, err = crypto.Sign(identitySignPriv, canonical)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: sign bundle: %w", err)
	}

	return state, bundle, nil
}

// Register generates a fresh identity signing keypair, builds a device
// via RegisterDevice, and stores the result in the registry, emitting a
// KeyLogEntry. Use this for a device the registry generates and holds
// end-to-end; use RegisterDevice directly when the caller already owns
// an identity keypair minted elsewhere.
func (r *Registry) Register(user, device string) (*DeviceState, *KeyBundle, error) {
	owner := crypto.Owner{User: user, Device: device}
	identitySignPriv, identitySignPub, _, _, err := generateIdentityKeys(owner)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	poolSize := r.oneTimePoolSize
	r.mu.Unlock()

	state, bundle, err := RegisterDevice(user, device, identitySignPriv, identitySignPub, poolSize)
	if err != nil {
		return nil, nil, err
	}

	key := deviceKey(user, device)
	r.mu.Lock()
	if _, exists := r.devices[key]; exists {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrAlreadyRegistered, user, device)
	}
	r.devices[key] = state
	r.bundles[key] = bundle
	r.mu.Unlock()

	newFp, err := crypto.Fingerprint(state.IdentityPub)
	if err != nil {
		return nil, nil, err
	}
	r.appendLogEntry(user, device, LogOpRegister, "", newFp, state.IdentityPriv, "initial registration")
	r.logger.Printf("registered device %s/%s with %d one-time prekeys", user, device, len(state.OneTimePrekeyPubs))

	return state, bundle, nil
}

// RotateOneTimePrekeys replenishes a device's one-time prekey pool up
// to count fresh keys, appended to the existing pool, and logs the
// rotation.
func (r *Registry) RotateOneTimePrekeys(user, device string, count int) error {
	key := deviceKey(user, device)

	r.mu.Lock()
	state, ok := r.devices[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrDeviceNotFound, user, device)
	}
	r.mu.Unlock()

	if count <= 0 {
		count = DefaultOneTimePrekeyPoolSize
	}
	owner := crypto.Owner{User: user, Device: device}
	newPrivs, newPubs, err := generateOneTimePrekeys(count, owner)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for id, priv := range newPrivs {
		state.OneTimePrekeyPrivs[id] = priv
	}
	state.OneTimePrekeyPubs = append(state.OneTimePrekeyPubs, newPubs...)
	state.Version++
	state.LastRefresh = time.Now().UTC()

	bundle, ok := r.bundles[key]
	if ok {
		bundle.OneTimePrekeys = append(bundle.OneTimePrekeys, newPubs...)
		bundle.Version = state.Version
		bundle.LastRefresh = state.LastRefresh
		bundle.IsStale = false
		canonical, err := canonicalBundleBytes(bundle)
		if err == nil {
			sig, signErr := crypto.Sign(state.IdentityPriv, canonical)
			if signErr == nil {
				bundle.Signature = sig
			}
		}
	}
	r.mu.Unlock()

	r.appendLogEntry(user, device, LogOpRotateOTK, "", "", state.IdentityPriv,
		fmt.Sprintf("replenished %d one-time prekeys", count))
	r.logger.Printf("rotated one-time prekeys for %s/%s (+%d)", user, device, count)
	return nil
}

// RotateSignedPrekey generates a fresh signed prekey for the device,
// signs it with the identity key, and logs the rotation. Called on the
// 7-day default schedule by the rotation scheduler, or on demand.
func (r *Registry) RotateSignedPrekey(user, device string) error {
	key := deviceKey(user, device)

	r.mu.Lock()
	state, ok := r.devices[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrDeviceNotFound, user, device)
	}
	r.mu.Unlock()

	oldFp, err := crypto.Fingerprint(state.SignedPrekeyPub)
	if err != nil {
		return err
	}

	owner := crypto.Owner{User: user, Device: device}
	spkPriv, spkPub, _, err := generateSignedPrekey(state.IdentityPriv, owner)
	if err != nil {
		return err
	}

	r.mu.Lock()
	state.SignedPrekeyPriv = spkPriv
	state.SignedPrekeyPub = spkPub
	state.SignedPrekeyRotAt = time.Now().UTC()
	state.Version++
	state.LastRefresh = state.SignedPrekeyRotAt

	bundle, ok := r.bundles[key]
	if ok {
		bundle.SignedPrekey = spkPub
		bundle.Version = state.Version
		bundle.LastRefresh = state.LastRefresh
		bundle.IsStale = false
		canonical, canErr := canonicalBundleBytes(bundle)
		if canErr == nil {
			sig, signErr := crypto.Sign(state.IdentityPriv, canonical)
			if signErr == nil {
				bundle.Signature = sig
			}
		}
	}
	r.mu.Unlock()

	newFp, err := crypto.Fingerprint(spkPub)
	if err != nil {
		return err
	}
	r.appendLogEntry(user, device, LogOpRotateSPK, oldFp, newFp, state.IdentityPriv, "scheduled signed prekey rotation")
	r.logger.Printf("rotated signed prekey for %s/%s", user, device)
	return nil
}

// GetBundle returns the latest bundle for (user, device). If the bundle
// has not been refreshed within the registry's bundle TTL, IsStale is
// set before returning (but the bundle is still returned — a caller
// may choose to proceed or request a fresh one).
func (r *Registry) GetBundle(user, device string) (*KeyBundle, error) {
	key := deviceKey(user, device)

	r.mu.Lock()
	defer r.mu.Unlock()
	bundle, ok := r.bundles[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrDeviceNotFound, user, device)
	}
	if time.Since(bundle.LastRefresh) > r.bundleTTL {
		bundle.IsStale = true
	}
	return bundle, nil
}

// ConsumeOneTimePrekey atomically removes one one-time prekey from the
// advertised pool for (user, device) and returns its public key, or
// (nil, false, nil) if the pool is empty (the caller falls back to a
// DH1/DH2/DH3-only session).
//
// This is the "soft" half of a two-phase consumption: the prekey is
// taken out of circulation immediately, so no other session initiator
// can be handed the same one, but the matching private key stays in
// OneTimePrekeyPrivs. The owning device looks it up by this public
// key's ID later, via ConsumeOneTimePrekeyPriv, when it actually
// accepts the handshake — it cannot do so here because it may not be
// online at the moment a peer fetches its bundle.
func (r *Registry) ConsumeOneTimePrekey(user, device string) (*crypto.Key, bool, error) {
	key := deviceKey(user, device)

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.devices[key]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s/%s", ErrDeviceNotFound, user, device)
	}
	if len(state.OneTimePrekeyPubs) == 0 {
		return nil, false, nil
	}

	pub := state.OneTimePrekeyPubs[0]
	state.OneTimePrekeyPubs = state.OneTimePrekeyPubs[1:]
	if _, ok := state.OneTimePrekeyPrivs[pub.ID()]; !ok {
		return nil, false, fmt.Errorf("registry: one-time prekey %s missing private half", pub.ID())
	}

	if bundle, ok := r.bundles[key]; ok {
		for i, candidate := range bundle.OneTimePrekeys {
			if candidate.ID() == pub.ID() {
				bundle.OneTimePrekeys = append(bundle.OneTimePrekeys[:i], bundle.OneTimePrekeys[i+1:]...)
				break
			}
		}
	}

	remaining := len(state.OneTimePrekeyPubs)
	if remaining < r.oneTimeWatermark {
		r.logger.Printf("one-time prekey pool for %s/%s below watermark (%d/%d)", user, device, remaining, r.oneTimeWatermark)
	}

	return pub, true, nil
}

// ConsumeOneTimePrekeyPriv is the "hard" half of two-phase one-time
// prekey consumption: it looks up the private key matching pubID (a
// public key ID previously handed to a peer by ConsumeOneTimePrekey)
// and deletes it, so it can never be used again. The caller — the
// device accepting an X3DH handshake — learns pubID out-of-band, from
// the initiator's handshake message.
func (r *Registry) ConsumeOneTimePrekeyPriv(user, device, pubID string) (*crypto.Key, bool, error) {
	key := deviceKey(user, device)

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.devices[key]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s/%s", ErrDeviceNotFound, user, device)
	}

	priv, ok := state.OneTimePrekeyPrivs[pubID]
	if !ok {
		return nil, false, nil
	}
	delete(state.OneTimePrekeyPrivs, pubID)

	return priv, true, nil
}

// VerifyBundle checks a bundle's signature under its own claimed
// identity key. A bundle that fails this check must be rejected by the
// caller before any DH is performed against it.
func VerifyBundle(b *KeyBundle) bool {
	if b == nil || b.IdentityPub == nil || b.IdentityDHPub == nil || b.SignedPrekey == nil {
		return false
	}
	canonical, err := canonicalBundleBytes(b)
	if err != nil {
		return false
	}
	return crypto.Verify(b.IdentityPub, canonical, b.Signature)
}

func (r *Registry) appendLogEntry(user, device string, op LogOperation, oldFp, newFp string, signer *crypto.Key, reason string) {
	r.logMu.Lock()
	defer r.logMu.Unlock()

	previousHash := "genesis"
	if n := len(r.log); n > 0 {
		previousHash = r.log[n-1].EntryHash
	}

	entry := &KeyLogEntry{
		ID:                uuid.New().String(),
		UserID:            user,
		DeviceID:          device,
		Operation:         op,
		OldKeyFingerprint: oldFp,
		NewKeyFingerprint: newFp,
		PreviousHash:      previousHash,
		Timestamp:         time.Now().UTC(),
		Reason:            reason,
	}

	digestInput, err := entryHashInput(entry)
	if err == nil {
		digest, hashErr := crypto.Hash(crypto.AlgSHA256, digestInput)
		if hashErr == nil {
			entry.EntryHash = fmt.Sprintf("%x", digest)
		}
	}
	if signer != nil {
		if sig, err := crypto.Sign(signer, digestInput); err == nil {
			entry.Signature = sig
		}
	}

	r.log = append(r.log, entry)
	r.evictLogLocked()
}

func entryHashInput(e *KeyLogEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(e.UserID)
	buf.WriteByte(0)
	buf.WriteString(e.DeviceID)
	buf.WriteByte(0)
	buf.WriteString(string(e.Operation))
	buf.WriteByte(0)
	buf.WriteString(e.OldKeyFingerprint)
	buf.WriteByte(0)
	buf.WriteString(e.NewKeyFingerprint)
	buf.WriteByte(0)
	buf.WriteString(e.PreviousHash)
	buf.WriteByte(0)
	ts, err := e.Timestamp.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf.Write(ts)
	return buf.Bytes(), nil
}

// evictLogLocked drops entries older than the 30-day retention window,
// then trims from the front if still over maxLogEntries. logMu must be
// held by the caller.
func (r *Registry) evictLogLocked() {
	cutoff := time.Now().UTC().Add(-logRetention)
	first := 0
	for first < len(r.log) && r.log[first].Timestamp.Before(cutoff) {
		first++
	}
	if first > 0 {
		r.log = append([]*KeyLogEntry(nil), r.log[first:]...)
	}
	if len(r.log) > r.maxLogEntries {
		overflow := len(r.log) - r.maxLogEntries
		r.log = append([]*KeyLogEntry(nil), r.log[overflow:]...)
	}
}

// KeyHistory returns a copy of the transparency log entries for a user,
// oldest first.
func (r *Registry) KeyHistory(user string) []*KeyLogEntry {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	var out []*KeyLogEntry
	for _, e := range r.log {
		if e.UserID == user {
			out = append(out, e)
		}
	}
	return out
}

// VerifyKeyChain replays a user's key history and confirms the hash
// chain and every entry's signature, mirroring the teacher's
// KeyTransparencyLog.VerifyKeyChain, generalized from a DB-backed log
// to this in-memory bounded one.
func (r *Registry) VerifyKeyChain(user string, signer *crypto.Key) bool {
	entries := r.KeyHistory(user)
	previousHash := "genesis"
	for _, e := range entries {
		if e.PreviousHash != previousHash {
			return false
		}
		digestInput, err := entryHashInput(e)
		if err != nil {
			return false
		}
		digest, err := crypto.Hash(crypto.AlgSHA256, digestInput)
		if err != nil {
			return false
		}
		if fmt.Sprintf("%x", digest) != e.EntryHash {
			return false
		}
		if signer != nil && !crypto.Verify(signer, digestInput, e.Signature) {
			return false
		}
		previousHash = e.EntryHash
	}
	return true
}
