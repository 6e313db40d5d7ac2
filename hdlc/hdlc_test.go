package hdlc

import (
	"bytes"
	"testing"
)

func TestEncodeEscapesFlagAndEsc(t *testing.T) {
	raw := []byte{0x01, FLAG, 0x02, ESC, 0x03}
	framed := Encode(raw)

	if framed[0] != FLAG || framed[len(framed)-1] != FLAG {
		t.Fatal("frame must be delimited by FLAG bytes")
	}

	// raw is shorter than HeaderMinSize, so a Reader would discard it as
	// idle padding; the round trip is covered by TestRoundTripFrame below.
	want := []byte{FLAG, 0x01, ESC, FLAG ^ MASK, 0x02, ESC, ESC ^ MASK, 0x03, FLAG}
	if !bytes.Equal(framed, want) {
		t.Fatalf("escaped frame mismatch: got %x want %x", framed, want)
	}
}

func TestRoundTripFrame(t *testing.T) {
	raw := make([]byte, HeaderMinSize)
	for i := range raw {
		raw[i] = byte(i)
	}
	raw[1] = FLAG
	raw[2] = ESC

	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteFrame(raw); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("round trip mismatch: got %v, want %v", got, raw)
	}
}

func TestReaderSkipsIdleFlags(t *testing.T) {
	raw := make([]byte, HeaderMinSize)
	for i := range raw {
		raw[i] = byte(i + 1)
	}

	var buf bytes.Buffer
	buf.WriteByte(FLAG)
	buf.WriteByte(FLAG)
	buf.WriteByte(FLAG)
	buf.Write(Encode(raw))

	r := NewReader(&buf)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("frame after idle flags mismatched")
	}
}
