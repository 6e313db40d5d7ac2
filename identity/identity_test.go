package identity

import (
	"bytes"
	"testing"
)

func TestSignValidateRoundTrip(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("reticulum")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !id.Validate(sig, msg) {
		t.Fatal("signature should validate")
	}
	if id.Validate(sig, []byte("tampered")) {
		t.Fatal("signature should not validate against different message")
	}
}

func TestPublicOnlyCannotSign(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatal(err)
	}
	pubOnly, err := FromPublicBytes(id.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	if !pubOnly.IsPublicOnly() {
		t.Fatal("expected public-only identity")
	}
	if _, err := pubOnly.Sign([]byte("x")); err == nil {
		t.Fatal("expected sign to fail on a public-only identity")
	}
}

func TestHashStableAcrossSerialize(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatal(err)
	}
	pubOnly, err := FromPublicBytes(id.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(id.Hash(), pubOnly.Hash()) {
		t.Fatal("hash must be stable across serialize/deserialize")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	recipient, err := New()
	if err != nil {
		t.Fatal(err)
	}
	pubOnly, err := FromPublicBytes(recipient.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("a message for the destination")
	ciphertext, err := pubOnly.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := recipient.Decrypt(ciphertext)
	if !ok {
		t.Fatal("decrypt should succeed")
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecryptFailsSilentlyOnTamper(t *testing.T) {
	recipient, err := New()
	if err != nil {
		t.Fatal(err)
	}
	pubOnly, _ := FromPublicBytes(recipient.PublicBytes())
	ciphertext, err := pubOnly.Encrypt([]byte("msg"))
	if err != nil {
		t.Fatal(err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, ok := recipient.Decrypt(ciphertext); ok {
		t.Fatal("expected decrypt to fail, not panic or succeed")
	}
}

func TestValidateAnnounce(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatal(err)
	}
	destHash := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	var randomHash [10]byte
	copy(randomHash[:], []byte("abcde12345"))
	appData := []byte("Peach")

	pub := id.PublicBytes()
	message := append(append(append(append([]byte{}, destHash...), pub[:]...), randomHash[:]...), appData...)
	sigBytes, err := id.Sign(message)
	if err != nil {
		t.Fatal(err)
	}
	var sig [64]byte
	copy(sig[:], sigBytes)

	if !ValidateAnnounce(destHash, pub, randomHash, appData, sig) {
		t.Fatal("expected announce to validate")
	}

	sig[0] ^= 0xFF
	if ValidateAnnounce(destHash, pub, randomHash, appData, sig) {
		t.Fatal("expected tampered signature to fail validation")
	}
}

func TestKnownDestinationsRememberRecall(t *testing.T) {
	table := NewKnownDestinations()
	id, err := New()
	if err != nil {
		t.Fatal(err)
	}
	destHash := []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	var packetHash [32]byte
	packetHash[0] = 0x42

	table.Remember(packetHash, destHash, id.PublicBytes(), []byte("Peach"))

	recalled, rec, ok := table.Recall(destHash)
	if !ok {
		t.Fatal("expected recall to find the record")
	}
	if !bytes.Equal(recalled.Hash(), id.Hash()) {
		t.Fatal("recalled identity hash mismatch")
	}
	if !bytes.Equal(rec.AppData, []byte("Peach")) {
		t.Fatal("app data mismatch")
	}

	first := rec.FirstSeen
	table.Remember(packetHash, destHash, id.PublicBytes(), []byte("Peach"))
	_, rec2, _ := table.Recall(destHash)
	if !rec2.FirstSeen.Equal(first) {
		t.Fatal("replaying an announce must not change first-seen time")
	}
}

func TestKnownDestinationsSnapshotRestore(t *testing.T) {
	source := NewKnownDestinations()
	id, err := New()
	if err != nil {
		t.Fatal(err)
	}
	destHash := []byte{3, 3, 3, 3, 3, 3, 3, 3, 3, 3}
	var packetHash [32]byte
	packetHash[0] = 0x7

	source.Remember(packetHash, destHash, id.PublicBytes(), []byte("Daisy"))

	snapshot := source.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snapshot))
	}

	restored := NewKnownDestinations()
	for _, e := range snapshot {
		restored.Restore(e)
	}

	got, rec, ok := restored.Recall(destHash)
	if !ok {
		t.Fatal("expected restored table to recall the entry")
	}
	if !bytes.Equal(got.Hash(), id.Hash()) {
		t.Fatal("restored identity hash mismatch")
	}
	if !bytes.Equal(rec.AppData, []byte("Daisy")) {
		t.Fatal("restored app data mismatch")
	}
}
