package ratchet

import "testing"

func TestMarshalUnmarshalRoundTripPreservesSendReceive(t *testing.T) {
	alice, bob := pairedSessions(t)

	header, ct, tag, err := alice.Encrypt([]byte("before snapshot"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := bob.Decrypt(header, ct, tag, nil); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	blob, err := alice.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored, err := Unmarshal(blob)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	header2, ct2, tag2, err := restored.Encrypt([]byte("after restore"), nil)
	if err != nil {
		t.Fatalf("encrypt after restore: %v", err)
	}
	plaintext, err := bob.Decrypt(header2, ct2, tag2, nil)
	if err != nil {
		t.Fatalf("decrypt after restore: %v", err)
	}
	if string(plaintext) != "after restore" {
		t.Fatalf("expected %q, got %q", "after restore", plaintext)
	}
}

func TestMarshalRejectsCompromisedSession(t *testing.T) {
	alice, _ := pairedSessions(t)
	alice.MarkCompromised()

	if _, err := alice.Marshal(); err != ErrCompromised {
		t.Fatalf("expected ErrCompromised, got %v", err)
	}
}
