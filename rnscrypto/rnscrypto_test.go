package rnscrypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestTruncatedHashLen(t *testing.T) {
	h := TruncatedHash([]byte("example.fruits"))
	if len(h) != TruncatedHashLen {
		t.Fatalf("expected %d bytes, got %d", TruncatedHashLen, len(h))
	}
}

func TestTruncatedHashStable(t *testing.T) {
	a := TruncatedHash([]byte("same input"))
	b := TruncatedHash([]byte("same input"))
	if !bytes.Equal(a, b) {
		t.Fatal("truncated hash not stable across calls")
	}
}

func TestX25519ExchangeSymmetric(t *testing.T) {
	aPriv, aPub, err := X25519KeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	bPriv, bPub, err := X25519KeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	s1, err := X25519Exchange(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := X25519Exchange(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("shared secrets differ")
	}
}

func TestFernetRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	f, err := NewFernet(key)
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	envelope, err := f.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.Decrypt(envelope)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestFernetDecryptTamperedRejected(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	f, _ := NewFernet(key)

	envelope, err := f.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	envelope[len(envelope)-1] ^= 0xFF

	if _, err := f.Decrypt(envelope); err == nil {
		t.Fatal("expected hmac verification to fail on tampered envelope")
	}
}

func TestValidatePointRejectsGarbage(t *testing.T) {
	bad := make([]byte, 32)
	for i := range bad {
		bad[i] = 0xFF
	}
	if err := ValidatePoint(bad); err == nil {
		t.Fatal("expected invalid point to be rejected")
	}
}
