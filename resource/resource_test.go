package resource

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/rnscrypto"
)

// fakeLink is a loopback LinkSender: SendEncrypted/SendRaw hand the wire
// bytes directly to whatever the test wires up as the peer's handler,
// standing in for the rest of the link (framing, RTT tracking). Encrypt
// and Decrypt go through a real Fernet so a sender/receiver pair of
// fakeLinks sharing the same fernet behaves like two ends of one link.
type fakeLink struct {
	mdu         int
	rtt         time.Duration
	fernet      *rnscrypto.Fernet
	onEncrypted func(context uint8, payload []byte)
	onRaw       func(context uint8, payload []byte)
}

func newFakeLinkPair(mdu int, rtt time.Duration) (a, b *fakeLink) {
	key := make([]byte, 32)
	f, err := rnscrypto.NewFernet(key)
	if err != nil {
		panic(err)
	}
	a = &fakeLink{mdu: mdu, rtt: rtt, fernet: f}
	b = &fakeLink{mdu: mdu, rtt: rtt, fernet: f}
	return a, b
}

func (f *fakeLink) SendEncrypted(context uint8, payload []byte) error {
	f.onEncrypted(context, payload)
	return nil
}
func (f *fakeLink) SendRaw(context uint8, payload []byte) error {
	f.onRaw(context, payload)
	return nil
}
func (f *fakeLink) MDU() int           { return f.mdu }
func (f *fakeLink) RTT() time.Duration { return f.rtt }
func (f *fakeLink) TrackOutgoing(h [32]byte)   {}
func (f *fakeLink) UntrackOutgoing(h [32]byte) {}
func (f *fakeLink) TrackIncoming(h [32]byte)   {}
func (f *fakeLink) UntrackIncoming(h [32]byte) {}
func (f *fakeLink) Encrypt(plaintext []byte) ([]byte, error) {
	return f.fernet.Encrypt(plaintext)
}
func (f *fakeLink) Decrypt(ciphertext []byte) ([]byte, bool) {
	plaintext, err := f.fernet.Decrypt(ciphertext)
	if err != nil {
		return nil, false
	}
	return plaintext, true
}

func TestPrepareAdvertiseAndTransferRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	senderLink, receiverLink := newFakeLinkPair(200, 5*time.Millisecond)

	res, err := Prepare(senderLink, payload, []byte("fox.txt"))
	if err != nil {
		t.Fatal(err)
	}

	var receivedResource *Resource
	var completed []byte
	var ok bool
	done := make(chan struct{}, 1)

	senderLink.onEncrypted = func(context uint8, wire []byte) {
		switch context {
		case packet.ContextResourceAdv:
			r, err := Accept(receiverLink, wire, func(data []byte, success bool) {
				completed, ok = data, success
				done <- struct{}{}
			})
			if err != nil {
				t.Fatal(err)
			}
			receivedResource = r
		case packet.ContextResourceReq:
			if err := res.HandleRequest(wire); err != nil {
				t.Fatal(err)
			}
		case packet.ContextResourceHMU:
			if err := receivedResource.HandleHashmapUpdate(wire); err != nil {
				t.Fatal(err)
			}
		}
	}
	senderLink.onRaw = func(context uint8, wire []byte) {
		switch context {
		case packet.ContextResource:
			if _, err := receivedResource.HandlePart(wire); err != nil {
				t.Fatal(err)
			}
		}
	}
	receiverLink.onEncrypted = func(context uint8, wire []byte) {
		senderLink.onEncrypted(context, wire)
	}
	receiverLink.onRaw = func(context uint8, wire []byte) {
		senderLink.onRaw(context, wire)
	}

	if err := res.Advertise(); err != nil {
		t.Fatal(err)
	}
	if receivedResource == nil {
		t.Fatal("expected advertisement to produce a receiving resource")
	}

	for i := 0; i < 10; i++ {
		if err := receivedResource.RequestMissing(); err != nil {
			t.Fatal(err)
		}
		receivedResource.mu.Lock()
		remaining := len(receivedResource.received) < receivedResource.total
		receivedResource.mu.Unlock()
		if !remaining {
			break
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transfer did not complete")
	}

	if !ok {
		t.Fatal("expected transfer to succeed")
	}
	if !bytes.Equal(completed, payload) {
		t.Fatal("assembled payload mismatch")
	}
}

func TestResourceRejectsOversizedPayload(t *testing.T) {
	link := &fakeLink{mdu: 200}
	_, err := Prepare(link, make([]byte, MaxEfficientSize+1), nil)
	if err == nil {
		t.Fatal("expected oversized payload to be rejected")
	}
}

func TestPrepareSegmentsSplitsOversizedPayload(t *testing.T) {
	link, _ := newFakeLinkPair(200, 0)
	data := make([]byte, MaxEfficientSize+1024)
	for i := range data {
		data[i] = byte(i)
	}

	segments, err := PrepareSegments(link, data, []byte("big.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}

	wantOriginal := sha256.Sum256(data)
	for i, seg := range segments {
		if seg.OriginalHash != wantOriginal {
			t.Fatalf("segment %d: original hash mismatch", i)
		}
		if seg.TotalSegments != 2 {
			t.Fatalf("segment %d: expected TotalSegments 2, got %d", i, seg.TotalSegments)
		}
		if seg.SegmentIndex != i {
			t.Fatalf("segment %d: expected SegmentIndex %d, got %d", i, i, seg.SegmentIndex)
		}
	}
	if segments[0].Metadata == nil {
		t.Fatal("expected first segment to carry caller metadata")
	}
	if segments[1].Metadata != nil {
		t.Fatal("expected trailing segments to carry no metadata")
	}
}

func TestPrepareSegmentsPassesThroughSmallPayload(t *testing.T) {
	link, _ := newFakeLinkPair(200, 0)
	segments, err := PrepareSegments(link, []byte("small payload"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment for a small payload, got %d", len(segments))
	}
	if segments[0].TotalSegments > 1 {
		t.Fatal("expected a single-segment transfer to not be marked as segmented")
	}
}

func TestWindowGrowsOnTimelyArrivalAndShrinksOnRetry(t *testing.T) {
	r := &Resource{
		Outgoing:    false,
		total:       1,
		window:      windowDefault,
		received:    make(map[int][]byte),
		byMapHash:   make(map[string]int),
		haveMap:     make([][]byte, 1),
		requestedAt: make(map[int]time.Time),
		link:        &fakeLink{rtt: time.Millisecond},
	}

	r.growWindow()
	if r.window != windowDefault+1 {
		t.Fatalf("expected window to grow to %d, got %d", windowDefault+1, r.window)
	}
	for i := 0; i < windowMax+5; i++ {
		r.growWindow()
	}
	if r.window != windowMax {
		t.Fatalf("expected window to cap at %d, got %d", windowMax, r.window)
	}

	r.haveMap[0] = []byte("0123456789")
	r.requestedAt[0] = time.Now().Add(-time.Hour)
	r.window = windowDefault
	r.missingIndices(time.Now())
	if r.window != windowDefault-1 {
		t.Fatalf("expected a retry to shrink the window to %d, got %d", windowDefault-1, r.window)
	}

	r.window = windowMin
	r.missingIndices(time.Now())
	if r.window != windowMin {
		t.Fatalf("expected window to floor at %d, got %d", windowMin, r.window)
	}
}
