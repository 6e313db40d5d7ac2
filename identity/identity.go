// Package identity implements the Reticulum Identity: a long-term
// Ed25519 signing keypair plus an X25519 exchange keypair, used to sign,
// verify, and encrypt/decrypt to a public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/hexlattice/reticulum/rnscrypto"
)

// PublicKeyLen is the length of the concatenated Ed25519+X25519 public form.
const PublicKeyLen = ed25519.PublicKeySize + 32 // 64

// Identity holds a Reticulum keypair. A public-only Identity (no private
// key material) is what Recall() returns for a remote peer learned from an
// announce.
type Identity struct {
	edPub  ed25519.PublicKey
	edPriv ed25519.PrivateKey // nil on public-only identities
	xPub   [32]byte
	xPriv  [32]byte // zero on public-only identities

	hash []byte // cached 10-byte truncated hash of the public form
}

// New generates a fresh Ed25519+X25519 keypair.
func New() (*Identity, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	xPriv, xPub, err := rnscrypto.X25519KeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 keypair: %w", err)
	}

	id := &Identity{edPub: edPub, edPriv: edPriv, xPub: xPub, xPriv: xPriv}
	id.hash = computeHash(id.PublicBytes())
	return id, nil
}

// FromPublicBytes constructs a public-only Identity from a 64-byte public
// form (32-byte Ed25519 public key || 32-byte X25519 public key). Used to
// materialize the identity behind a received announce.
func FromPublicBytes(pub [PublicKeyLen]byte) (*Identity, error) {
	edPub := ed25519.PublicKey(append([]byte(nil), pub[:32]...))
	if err := rnscrypto.ValidatePoint(edPub); err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	id := &Identity{edPub: edPub}
	copy(id.xPub[:], pub[32:64])
	id.hash = computeHash(pub)
	return id, nil
}

// PublicBytes returns the 64-byte public form: Ed25519 pub || X25519 pub.
func (id *Identity) PublicBytes() [PublicKeyLen]byte {
	var out [PublicKeyLen]byte
	copy(out[:32], id.edPub)
	copy(out[32:], id.xPub[:])
	return out
}

// Hash returns the cached 10-byte truncated identity hash.
func (id *Identity) Hash() []byte {
	return id.hash
}

// IsPublicOnly reports whether this Identity lacks private key material.
func (id *Identity) IsPublicOnly() bool {
	return id.edPriv == nil
}

func computeHash(pub [PublicKeyLen]byte) []byte {
	return rnscrypto.TruncatedHash(pub[:])
}

// Sign signs message with the Ed25519 private key. Fails with a typed error
// if no private key is present (e.g. on a public-only identity recalled
// from an announce).
func (id *Identity) Sign(message []byte) ([]byte, error) {
	if id.edPriv == nil {
		return nil, fmt.Errorf("identity: sign requires a private key")
	}
	return ed25519.Sign(id.edPriv, message), nil
}

// Validate verifies an Ed25519 signature against this identity's public key.
func (id *Identity) Validate(signature, message []byte) bool {
	return ed25519.Verify(id.edPub, message, signature)
}

// Encrypt encrypts plaintext to this identity's X25519 public key:
// ephemeral X25519 -> HKDF-SHA256(len=32, salt=identity hash) -> the
// Fernet-equivalent AES-128-CBC+HMAC envelope. The result is
// ephemeral_pub(32) || iv(16) || ciphertext || hmac(32).
func (id *Identity) Encrypt(plaintext []byte) ([]byte, error) {
	ePriv, ePub, err := rnscrypto.X25519KeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	shared, err := rnscrypto.X25519Exchange(ePriv, id.xPub)
	if err != nil {
		return nil, fmt.Errorf("ephemeral x25519 exchange: %w", err)
	}
	key, err := rnscrypto.DeriveKey(shared, id.hash, nil, 32)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	f, err := rnscrypto.NewFernet(key)
	if err != nil {
		return nil, fmt.Errorf("build fernet envelope: %w", err)
	}
	envelope, err := f.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt envelope: %w", err)
	}

	out := make([]byte, 0, 32+len(envelope))
	out = append(out, ePub[:]...)
	out = append(out, envelope...)
	return out, nil
}

// Decrypt is the inverse of Encrypt, run on the private identity the
// message was addressed to. Authentication failure returns (nil, false)
// and MUST NOT be propagated as an error through the event loop: callers
// log and drop.
func (id *Identity) Decrypt(ciphertext []byte) ([]byte, bool) {
	if id.edPriv == nil && isZero(id.xPriv[:]) {
		return nil, false
	}
	if len(ciphertext) < 32 {
		return nil, false
	}

	var ePub [32]byte
	copy(ePub[:], ciphertext[:32])
	envelope := ciphertext[32:]

	shared, err := rnscrypto.X25519Exchange(id.xPriv, ePub)
	if err != nil {
		return nil, false
	}
	key, err := rnscrypto.DeriveKey(shared, id.hash, nil, 32)
	if err != nil {
		return nil, false
	}
	f, err := rnscrypto.NewFernet(key)
	if err != nil {
		return nil, false
	}
	plaintext, err := f.Decrypt(envelope)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

// Prove builds a PROOF packet payload for packetHash: packet_hash || sign(packet_hash).
func (id *Identity) Prove(packetHash [32]byte) ([]byte, error) {
	sig, err := id.Sign(packetHash[:])
	if err != nil {
		return nil, fmt.Errorf("prove: %w", err)
	}
	out := make([]byte, 0, 32+len(sig))
	out = append(out, packetHash[:]...)
	out = append(out, sig...)
	return out, nil
}

// ValidateAnnounce verifies that signature authenticates
// destinationHash || publicKey || randomHash || appData under the Ed25519
// key embedded in publicKey, per §4.1.
func ValidateAnnounce(destinationHash []byte, publicKey [PublicKeyLen]byte, randomHash [10]byte, appData []byte, signature [64]byte) bool {
	edPub := ed25519.PublicKey(publicKey[:32])
	if rnscrypto.ValidatePoint(edPub) != nil {
		return false
	}
	message := make([]byte, 0, len(destinationHash)+PublicKeyLen+10+len(appData))
	message = append(message, destinationHash...)
	message = append(message, publicKey[:]...)
	message = append(message, randomHash[:]...)
	message = append(message, appData...)
	return ed25519.Verify(edPub, message, signature[:])
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
