// Package rnscrypto holds the primitive cryptographic building blocks shared
// by identity, link and resource: hashing, HKDF key derivation, X25519
// key agreement and Ed25519 point validation.
package rnscrypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// TruncatedHashLen is the length in bytes of identity and destination hashes.
const TruncatedHashLen = 10

// FullHash returns SHA-256(data).
func FullHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// TruncatedHash returns the first TruncatedHashLen bytes of SHA-256(data).
func TruncatedHash(data []byte) []byte {
	h := FullHash(data)
	out := make([]byte, TruncatedHashLen)
	copy(out, h[:TruncatedHashLen])
	return out
}

// DeriveKey runs HKDF-SHA256 over ikm with the given salt and info, producing
// length bytes of key material.
func DeriveKey(ikm, salt, info []byte, length int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return out, nil
}

// X25519KeyPair generates a fresh Curve25519 keypair.
func X25519KeyPair(rand io.Reader) (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate x25519 private key: %w", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive x25519 public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// X25519Exchange computes the shared secret between a local private key and
// a remote public key.
func X25519Exchange(priv, peerPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 exchange: %w", err)
	}
	if isZero(shared) {
		return nil, fmt.Errorf("x25519 exchange produced an all-zero shared secret")
	}
	return shared, nil
}

// ValidatePoint rejects Ed25519 public keys that do not decode to a valid
// curve point (e.g. torsion or malformed material carried in an announce).
func ValidatePoint(pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("invalid ed25519 point: %w", err)
	}
	return nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
