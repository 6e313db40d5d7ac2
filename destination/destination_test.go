package destination

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/hexlattice/reticulum/identity"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/rnscrypto"
)

func TestDottedComponentRejected(t *testing.T) {
	id, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(In, Single, id, "example.fruits"); err == nil {
		t.Fatal("expected dotted app_name to be rejected")
	}
	if _, err := New(In, Single, id, "example", "a.b"); err == nil {
		t.Fatal("expected dotted aspect to be rejected")
	}
}

func TestSingleDestinationHash(t *testing.T) {
	id, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(In, Single, id, "example", "fruits")
	if err != nil {
		t.Fatal(err)
	}

	expectedName := "example.fruits." + hex.EncodeToString(id.Hash())
	if d.Name != expectedName {
		t.Fatalf("name mismatch: got %q want %q", d.Name, expectedName)
	}
	expectedHash := rnscrypto.TruncatedHash([]byte(expectedName))
	if !bytes.Equal(d.Hash, expectedHash) {
		t.Fatal("destination hash mismatch")
	}
}

func TestAnnounceAndValidate(t *testing.T) {
	id, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(In, Single, id, "example", "fruits")
	if err != nil {
		t.Fatal(err)
	}

	appData := []byte("Peach")
	pkt, err := d.Announce(appData)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Type != packet.TypeAnnounce {
		t.Fatal("expected ANNOUNCE packet type")
	}

	pub := pkt.Payload[:identity.PublicKeyLen]
	var pubArr [identity.PublicKeyLen]byte
	copy(pubArr[:], pub)

	var randomHash [10]byte
	copy(randomHash[:], pkt.Payload[identity.PublicKeyLen:identity.PublicKeyLen+10])

	var sig [64]byte
	copy(sig[:], pkt.Payload[identity.PublicKeyLen+10:identity.PublicKeyLen+10+64])

	gotAppData := pkt.Payload[identity.PublicKeyLen+10+64:]
	if !bytes.Equal(gotAppData, appData) {
		t.Fatal("app_data mismatch")
	}

	if !identity.ValidateAnnounce(pkt.DestinationHash, pubArr, randomHash, gotAppData, sig) {
		t.Fatal("announce should validate")
	}
}

func TestGroupEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	sender := &Destination{Type: Group, GroupKey: key}
	receiver := &Destination{Type: Group, GroupKey: key}

	ciphertext, err := sender.Encrypt([]byte("group message"))
	if err != nil {
		t.Fatal(err)
	}
	plaintext, ok := receiver.Decrypt(ciphertext)
	if !ok {
		t.Fatal("expected decrypt to succeed")
	}
	if string(plaintext) != "group message" {
		t.Fatal("round trip mismatch")
	}
}

func TestPlainPassthrough(t *testing.T) {
	d := &Destination{Type: Plain}
	ciphertext, err := d.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	plaintext, ok := d.Decrypt(ciphertext)
	if !ok || string(plaintext) != "hello" {
		t.Fatal("PLAIN destination must pass data through unchanged")
	}
}
