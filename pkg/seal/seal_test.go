package seal

import (
	"bytes"
	"testing"
)

func TestSealRoundTrip(t *testing.T) {
	s, err := New("pairing-key")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	plaintext := []byte(`{"tool":"echo","args":{"text":"hi"}}`)
	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatal("sealed payload equals plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip = %q, want %q", opened, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	s, _ := New("pairing-key")
	sealed, err := s.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.Open(sealed); err == nil {
		t.Error("expected tampered ciphertext to fail authentication")
	}

	if _, err := s.Open([]byte("tiny")); err != ErrCiphertextTooShort {
		t.Errorf("short ciphertext error = %v, want ErrCiphertextTooShort", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, _ := New("key-a")
	b, _ := New("key-b")

	sealed, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Error("expected decryption under the wrong key to fail")
	}
}

func TestNilSealerPassthrough(t *testing.T) {
	var s *Sealer
	if s.Enabled() {
		t.Error("nil sealer reports enabled")
	}

	payload := []byte("plain")
	sealed, err := s.Seal(payload)
	if err != nil || !bytes.Equal(sealed, payload) {
		t.Errorf("nil Seal = (%q, %v), want passthrough", sealed, err)
	}
	opened, err := s.Open(payload)
	if err != nil || !bytes.Equal(opened, payload) {
		t.Errorf("nil Open = (%q, %v), want passthrough", opened, err)
	}
}

func TestNewRejectsEmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected empty master key to be rejected")
	}
}

func TestGenerateMasterKey(t *testing.T) {
	a, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	b, _ := GenerateMasterKey()
	if a == b {
		t.Error("two generated keys are identical")
	}
	if len(a) < 32 {
		t.Errorf("key %q looks too short", a)
	}
}
