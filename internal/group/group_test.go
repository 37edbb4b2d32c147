package group

import "testing"

type fakeSender struct {
	delivered map[string][]byte
	err       error
}

func newFakeSender() *fakeSender {
	return &fakeSender{delivered: make(map[string][]byte)}
}

func (f *fakeSender) Encrypt(peerUser string, plaintext []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	ct := append([]byte(nil), plaintext...)
	f.delivered[peerUser] = ct
	return ct, nil
}

func TestCreateGroupAssignsEpochOne(t *testing.T) {
	m := NewManager()
	state, err := m.CreateGroup("alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if state.EpochNumber() != 1 {
		t.Fatalf("expected epoch 1, got %d", state.EpochNumber())
	}
	if state.MemberCount() != 3 {
		t.Fatalf("expected 3 members (creator + 2), got %d", state.MemberCount())
	}
	if !state.IsMember("alice") || !state.IsMember("bob") || !state.IsMember("carol") {
		t.Fatal("expected all three to be members")
	}
}

func TestEncryptDecryptGroupRoundTrip(t *testing.T) {
	m := NewManager()
	state, err := m.CreateGroup("alice", []string{"bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	epoch, nonce, ct, tag, err := m.EncryptGroup(state.GroupID, []byte("hello group"), []byte("aad"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", epoch)
	}

	plaintext, err := m.DecryptGroup(state.GroupID, epoch, nonce, ct, tag, []byte("aad"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plaintext) != "hello group" {
		t.Fatalf("expected %q, got %q", "hello group", plaintext)
	}
}

func TestAddMemberBumpsEpochAndDistributesKey(t *testing.T) {
	m := NewManager()
	state, err := m.CreateGroup("alice", []string{"bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	sender := newFakeSender()
	if err := m.AddMember(state.GroupID, "dave", sender); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if state.EpochNumber() != 2 {
		t.Fatalf("expected epoch 2 after add, got %d", state.EpochNumber())
	}
	if !state.IsMember("dave") {
		t.Fatal("expected dave to be a member")
	}
	if _, ok := sender.delivered["dave"]; !ok {
		t.Fatal("expected the new epoch key to be wrapped for dave")
	}
}

func TestRemoveMemberCannotDecryptFutureEpoch(t *testing.T) {
	m := NewManager()
	state, err := m.CreateGroup("alice", []string{"bob", "carol"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	epoch1, nonce1, ct1, tag1, err := m.EncryptGroup(state.GroupID, []byte("before removal"), nil)
	if err != nil {
		t.Fatalf("encrypt before removal: %v", err)
	}

	if err := m.RemoveMember(state.GroupID, "carol"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if state.EpochNumber() != 2 {
		t.Fatalf("expected epoch 2 after removal, got %d", state.EpochNumber())
	}
	if state.IsMember("carol") {
		t.Fatal("expected carol to no longer be a member")
	}

	// The message sealed before removal still decrypts (within the
	// retention window) — removal doesn't retroactively break old epochs.
	pt, err := m.DecryptGroup(state.GroupID, epoch1, nonce1, ct1, tag1, nil)
	if err != nil {
		t.Fatalf("decrypt epoch 1 after removal: %v", err)
	}
	if string(pt) != "before removal" {
		t.Fatalf("expected %q, got %q", "before removal", pt)
	}

	// A fresh message under the new epoch must not open under carol's
	// last known key — simulated here by confirming epoch 2's key
	// differs in that it authenticates independently under its own
	// epoch number only.
	epoch2, nonce2, ct2, tag2, err := m.EncryptGroup(state.GroupID, []byte("after removal"), nil)
	if err != nil {
		t.Fatalf("encrypt after removal: %v", err)
	}
	if epoch2 != 2 {
		t.Fatalf("expected epoch 2, got %d", epoch2)
	}
	if _, err := m.DecryptGroup(state.GroupID, epoch1, nonce2, ct2, tag2, nil); err == nil {
		t.Fatal("expected epoch-1 key to fail against an epoch-2 ciphertext")
	}
}

func TestRemoveMemberRejectsNonMember(t *testing.T) {
	m := NewManager()
	state, err := m.CreateGroup("alice", []string{"bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := m.RemoveMember(state.GroupID, "ghost"); err != ErrNotAMember {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestDecryptGroupUnknownEpoch(t *testing.T) {
	m := NewManager()
	state, err := m.CreateGroup("alice", []string{"bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	_, nonce, ct, tag, err := m.EncryptGroup(state.GroupID, []byte("x"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := m.DecryptGroup(state.GroupID, 99, nonce, ct, tag, nil); err != ErrUnknownEpoch {
		t.Fatalf("expected ErrUnknownEpoch, got %v", err)
	}
}

func TestDecryptGroupEpochTooOld(t *testing.T) {
	m := NewManager()
	state, err := m.CreateGroup("alice", []string{"bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	epoch1, nonce1, ct1, tag1, err := m.EncryptGroup(state.GroupID, []byte("ancient"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Churn the roster past the retention window so epoch 1 is evicted.
	for i := 0; i < DefaultEpochRetention+2; i++ {
		sender := newFakeSender()
		user := string(rune('a' + i))
		if err := m.AddMember(state.GroupID, user, sender); err != nil {
			t.Fatalf("add member %d: %v", i, err)
		}
	}

	if _, err := m.DecryptGroup(state.GroupID, epoch1, nonce1, ct1, tag1, nil); err != ErrEpochTooOld {
		t.Fatalf("expected ErrEpochTooOld, got %v", err)
	}
}

func TestUnknownGroupOperations(t *testing.T) {
	m := NewManager()
	if err := m.AddMember("nope", "bob", nil); err != ErrUnknownGroup {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
	if err := m.RemoveMember("nope", "bob"); err != ErrUnknownGroup {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
	if _, _, _, _, err := m.EncryptGroup("nope", []byte("x"), nil); err != ErrUnknownGroup {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
}

func TestTamperedTagFailsAuthentication(t *testing.T) {
	m := NewManager()
	state, err := m.CreateGroup("alice", []string{"bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	epoch, nonce, ct, tag, err := m.EncryptGroup(state.GroupID, []byte("msg"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tampered := append([]byte(nil), tag...)
	tampered[0] ^= 0xFF
	if _, err := m.DecryptGroup(state.GroupID, epoch, nonce, ct, tampered, nil); err != ErrAuthenticationFailed {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}
