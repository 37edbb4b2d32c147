// Package e2ee ties the primitives engine, key registry, X3DH, Double
// Ratchet, group manager, and session store into the single data flow
// spec.md §2 describes: register → handshake → ratchet → (optionally)
// group-encrypt, with every session surviving a restart through the
// store boundary. It is the one package a host application (the actual
// chat server, a CLI, a test harness) needs to import to drive the
// whole core — everything else stays an internal implementation detail.
package e2ee

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/jaydenbeard/messaging-app/internal/crypto"
	"github.com/jaydenbeard/messaging-app/internal/group"
	"github.com/jaydenbeard/messaging-app/internal/ratchet"
	"github.com/jaydenbeard/messaging-app/internal/registry"
	"github.com/jaydenbeard/messaging-app/internal/store"
	"github.com/jaydenbeard/messaging-app/internal/trust"
	"github.com/jaydenbeard/messaging-app/internal/x3dh"
)

var facadeLogger = log.New(os.Stdout, "[E2EE] ", log.Ldate|log.Ltime|log.LUTC)

// Facade is the single entry point a host application drives. One
// Facade serves every user/device this process is responsible for — in
// the same single-process model internal/ratchet's and internal/x3dh's
// own tests use, where one registry.Registry mediates both sides of a
// handshake.
type Facade struct {
	Registry *registry.Registry
	Groups   *group.Manager
	Trust    *trust.Store

	store store.Store

	mu           sync.Mutex
	sessions     map[string]*ratchet.State
	directByPeer map[string]string // "user\x00peer" -> sessionID, for group epoch-key distribution
}

// NewFacade wires a Facade over s, the session-store backend a host
// application has chosen (store.Memory, store.File, or its own
// store.Store implementation).
func NewFacade(s store.Store) *Facade {
	return &Facade{
		Registry:     registry.NewRegistry(),
		Groups:       group.NewManager(),
		Trust:        trust.NewStore(),
		store:        s,
		sessions:     make(map[string]*ratchet.State),
		directByPeer: make(map[string]string),
	}
}

func directKey(user, peer string) string { return user + "\x00" + peer }

// RegisterDevice publishes a fresh device's key bundle, per spec.md
// §4.B's register_device.
func (f *Facade) RegisterDevice(user, device string) (*registry.DeviceState, *registry.KeyBundle, error) {
	return f.Registry.Register(user, device)
}

// InitiateSession runs the initiator's side of X3DH against peer's
// published bundle and seeds a Double Ratchet session from the result,
// per spec.md §2's handshake-then-ratchet flow. The new session is
// cached in memory and flushed to the store immediately so a crash
// right after the handshake doesn't lose it.
func (f *Facade) InitiateSession(ctx context.Context, our *registry.DeviceState, peer *registry.KeyBundle, sessionID, chatID string) (*ratchet.State, error) {
	snapshot := *peer
	if otk, ok, err := f.Registry.ConsumeOneTimePrekey(peer.UserID, peer.DeviceID); err != nil {
		return nil, fmt.Errorf("e2ee: consume peer one-time prekey: %w", err)
	} else if ok {
		snapshot.OneTimePrekeys = []*crypto.Key{otk}
	} else {
		snapshot.OneTimePrekeys = nil
	}

	h, err := x3dh.Initiate(our, &snapshot, true)
	if err != nil {
		return nil, fmt.Errorf("e2ee: initiate x3dh: %w", err)
	}
	if sessionID == "" {
		sessionID = h.SessionID
	}

	state, err := ratchet.New(h, sessionID, chatID)
	if err != nil {
		return nil, fmt.Errorf("e2ee: seed ratchet from handshake: %w", err)
	}

	f.mu.Lock()
	f.sessions[sessionID] = state
	f.directByPeer[directKey(our.UserID, peer.UserID)] = sessionID
	f.mu.Unlock()

	if err := f.persist(ctx, sessionID, state); err != nil {
		facadeLogger.Printf("warning: failed to persist new session %s: %v", sessionID, err)
	}
	return state, nil
}

// AcceptSession runs the acceptor's side of X3DH against the
// initiator's handshake message and seeds a Double Ratchet session
// from the result. consumedOTKPubID is the one-time prekey id the
// initiator's handshake message names, if any — the registry, not this
// package, looks up and retires the matching private half.
func (f *Facade) AcceptSession(ctx context.Context, our *registry.DeviceState, theirIdentityPub, theirEphemeralPub *crypto.Key, consumedOTKPubID, peerUser, sessionID, chatID string) (*ratchet.State, error) {
	var consumedOTK *crypto.Key
	if consumedOTKPubID != "" {
		otk, ok, err := f.Registry.ConsumeOneTimePrekeyPriv(our.UserID, our.DeviceID, consumedOTKPubID)
		if err != nil {
			return nil, fmt.Errorf("e2ee: consume our one-time prekey: %w", err)
		}
		if ok {
			consumedOTK = otk
		}
	}

	h, err := x3dh.Accept(our, theirIdentityPub, theirEphemeralPub, consumedOTK)
	if err != nil {
		return nil, fmt.Errorf("e2ee: accept x3dh: %w", err)
	}
	if sessionID == "" {
		sessionID = h.SessionID
	}

	state, err := ratchet.New(h, sessionID, chatID)
	if err != nil {
		return nil, fmt.Errorf("e2ee: seed ratchet from handshake: %w", err)
	}

	f.mu.Lock()
	f.sessions[sessionID] = state
	f.directByPeer[directKey(our.UserID, peerUser)] = sessionID
	f.mu.Unlock()

	if err := f.persist(ctx, sessionID, state); err != nil {
		facadeLogger.Printf("warning: failed to persist new session %s: %v", sessionID, err)
	}
	return state, nil
}

// SendMessage encrypts plaintext on sessionID's sending chain and
// flushes the session's updated state to the store — a synchronous,
// one-write-per-message flush rather than a coalescing background
// flusher, which a host application serving high message volume may
// want to replace with its own batching around the same Session/
// persist calls.
func (f *Facade) SendMessage(ctx context.Context, sessionID string, plaintext, aad []byte) (ratchet.Header, []byte, []byte, error) {
	state, err := f.Session(sessionID)
	if err != nil {
		return ratchet.Header{}, nil, nil, err
	}
	header, ct, tag, err := state.Encrypt(plaintext, aad)
	if err != nil {
		return ratchet.Header{}, nil, nil, err
	}
	if err := f.persist(ctx, sessionID, state); err != nil {
		facadeLogger.Printf("warning: failed to persist session %s after send: %v", sessionID, err)
	}
	return header, ct, tag, nil
}

// ReceiveMessage decrypts a message produced by the peer's
// SendMessage and flushes the session's updated state to the store.
func (f *Facade) ReceiveMessage(ctx context.Context, sessionID string, h ratchet.Header, ct, tag, aad []byte) ([]byte, error) {
	state, err := f.Session(sessionID)
	if err != nil {
		return nil, err
	}
	plaintext, err := state.Decrypt(h, ct, tag, aad)
	if err != nil {
		return nil, err
	}
	if err := f.persist(ctx, sessionID, state); err != nil {
		facadeLogger.Printf("warning: failed to persist session %s after receive: %v", sessionID, err)
	}
	return plaintext, nil
}

// Session returns the in-memory ratchet state for sessionID, loading
// it from the store on a cache miss (e.g. the first message after a
// process restart).
func (f *Facade) Session(sessionID string) (*ratchet.State, error) {
	f.mu.Lock()
	state, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if ok {
		return state, nil
	}

	blob, err := f.store.Load(context.Background(), sessionID)
	if err != nil {
		return nil, fmt.Errorf("e2ee: load session %s: %w", sessionID, err)
	}
	state, err = ratchet.Unmarshal(blob)
	if err != nil {
		return nil, fmt.Errorf("e2ee: restore session %s: %w", sessionID, err)
	}

	f.mu.Lock()
	f.sessions[sessionID] = state
	f.mu.Unlock()
	return state, nil
}

func (f *Facade) persist(ctx context.Context, sessionID string, state *ratchet.State) error {
	if f.store == nil {
		return nil
	}
	blob, err := state.Marshal()
	if err != nil {
		return err
	}
	return f.store.Save(ctx, sessionID, blob)
}

// sessionSender adapts a Facade's direct pairwise sessions to
// ratchet.Sender, so Groups.AddMember can wrap a fresh epoch key for a
// joining member without internal/group knowing anything about
// Facade's session bookkeeping.
type sessionSender struct {
	facade *Facade
	ctx    context.Context
	from   string
}

func (s *sessionSender) Encrypt(peerUser string, plaintext []byte) ([]byte, error) {
	s.facade.mu.Lock()
	sessionID, ok := s.facade.directByPeer[directKey(s.from, peerUser)]
	s.facade.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("e2ee: no pairwise session with %s to distribute epoch key over", peerUser)
	}
	_, ct, tag, err := s.facade.SendMessage(s.ctx, sessionID, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return append(ct, tag...), nil
}

// SenderFor returns a ratchet.Sender that distributes group epoch keys
// from "from" over whatever pairwise session already exists with each
// peer, for use with AddMember.
func (f *Facade) SenderFor(ctx context.Context, from string) ratchet.Sender {
	return &sessionSender{facade: f, ctx: ctx, from: from}
}
