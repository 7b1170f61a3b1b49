package vault

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	v := New("test-passphrase")
	plaintext := []byte("hello, vault!")

	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := New("correct-passphrase")
	v2 := New("wrong-passphrase")

	sealed, err := v1.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := v2.Open(sealed); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestDifferentPassphrasesDifferentKeys(t *testing.T) {
	v1 := New("passphrase-one")
	v2 := New("passphrase-two")

	if v1.key == v2.key {
		t.Fatal("different passphrases produced the same key")
	}
}

func TestSealedBlobVaries(t *testing.T) {
	v := New("test")

	a, err := v.Seal([]byte("same input"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := v.Seal([]byte("same input"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext produced identical blobs")
	}
}

func TestOpenTruncated(t *testing.T) {
	v := New("test")

	if _, err := v.Open([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}

func TestEmptyPlaintext(t *testing.T) {
	v := New("test")

	sealed, err := v.Seal([]byte{})
	if err != nil {
		t.Fatalf("seal empty: %v", err)
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open empty: %v", err)
	}

	if len(opened) != 0 {
		t.Fatalf("expected empty, got %d bytes", len(opened))
	}
}
