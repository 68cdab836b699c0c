package mfa

import (
	"bytes"
	"errors"
	"testing"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	return s
}

func TestSealOpen(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal([]byte("JBSWY3DPEHPK3PXP"), []byte("totp:1"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("JBSWY3DP")) {
		t.Fatal("sealed value leaks plaintext")
	}
	out, err := s.Open(sealed, []byte("totp:1"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(out) != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("unexpected plaintext %q", out)
	}

	again, _ := s.Seal([]byte("JBSWY3DPEHPK3PXP"), []byte("totp:1"))
	if bytes.Equal(sealed, again) {
		t.Fatal("expected fresh nonce per seal")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s := testSealer(t)
	sealed, _ := s.Seal([]byte("secret"), []byte("totp:1"))

	if _, err := s.Open(sealed, []byte("totp:2")); !errors.Is(err, ErrUnseal) {
		t.Fatalf("expected ErrUnseal for foreign owner, got %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := s.Open(sealed, []byte("totp:1")); !errors.Is(err, ErrUnseal) {
		t.Fatalf("expected ErrUnseal for modified value, got %v", err)
	}
	if _, err := s.Open([]byte{1, 2}, nil); !errors.Is(err, ErrUnseal) {
		t.Fatalf("expected ErrUnseal for short value, got %v", err)
	}
	if _, err := NewSealer([]byte("short")); !errors.Is(err, ErrSealKeySize) {
		t.Fatalf("expected ErrSealKeySize, got %v", err)
	}
}
