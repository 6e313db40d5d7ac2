package iface

import (
	"bytes"
	"testing"
)

func TestPipePairDeliversFramedPacket(t *testing.T) {
	a, b := NewPipePair(500)

	received := make(chan []byte, 1)
	b.SetReceiveCallback(func(raw []byte) {
		received <- raw
	})

	packet := make([]byte, 20)
	for i := range packet {
		packet[i] = byte(i)
	}
	if err := a.ProcessOutgoing(packet); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, packet) {
			t.Fatalf("round trip mismatch: got %x want %x", got, packet)
		}
	default:
		t.Fatal("expected a frame to be delivered synchronously")
	}
}

func TestPipeRejectsOversizedPacket(t *testing.T) {
	a, _ := NewPipePair(16)
	if err := a.ProcessOutgoing(make([]byte, 17)); err == nil {
		t.Fatal("expected mtu violation to be rejected")
	}
}
