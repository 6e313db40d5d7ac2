package link

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/hexlattice/reticulum/destination"
	"github.com/hexlattice/reticulum/identity"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/rnscrypto"
)

func newTestDestination(t *testing.T) (*destination.Destination, *identity.Identity) {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatal(err)
	}
	d, err := destination.New(destination.In, destination.Single, id, "example", "service")
	if err != nil {
		t.Fatal(err)
	}
	return d, id
}

func TestLinkHandshakeRoundTrip(t *testing.T) {
	serverDest, serverID := newTestDestination(t)

	clientSideKnown, err := identity.FromPublicBytes(serverID.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	clientView, err := destination.New(destination.Out, destination.Single, clientSideKnown, "example", "service")
	if err != nil {
		t.Fatal(err)
	}

	var lastClientPacket *packet.Packet
	clientLink, reqPkt, err := CreateRequest(clientView, packet.DefaultMTU, func(pkt *packet.Packet) error {
		lastClientPacket = pkt
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var lastServerPacket *packet.Packet
	serverLink, proofPkt, err := ValidateRequest(serverDest, reqPkt, packet.DefaultMTU, func(pkt *packet.Packet) error {
		lastServerPacket = pkt
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if serverLink.CurrentState() != Handshake {
		t.Fatalf("expected server link HANDSHAKE, got %s", serverLink.CurrentState())
	}

	if _, err := clientLink.CompleteHandshake(proofPkt); err != nil {
		t.Fatal(err)
	}
	if clientLink.CurrentState() != Active {
		t.Fatalf("expected client link ACTIVE, got %s", clientLink.CurrentState())
	}
	if lastClientPacket == nil || lastClientPacket.Context != packet.ContextLRRTT {
		t.Fatal("expected client to send an lrrtt packet")
	}

	if err := serverLink.CompleteResponderHandshake(lastClientPacket); err != nil {
		t.Fatal(err)
	}
	if serverLink.CurrentState() != Active {
		t.Fatalf("expected server link ACTIVE, got %s", serverLink.CurrentState())
	}
	if clientLink.RTT() <= 0 || serverLink.RTT() <= 0 {
		t.Fatal("expected a measured rtt on both sides")
	}
	_ = lastServerPacket

	ciphertext, err := clientLink.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	plaintext, ok := serverLink.Decrypt(ciphertext)
	if !ok || string(plaintext) != "hello" {
		t.Fatal("expected symmetric keys derived by both sides to match")
	}
}

func TestLinkTeardownReasons(t *testing.T) {
	dest, _ := newTestDestination(t)
	l := newLink(packet.DefaultMTU, func(pkt *packet.Packet) error { return nil })
	l.Dest = dest
	l.State = Active
	l.ID = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	key := make([]byte, 32)
	f, err := rnscrypto.NewFernet(key)
	if err != nil {
		t.Fatal(err)
	}
	l.fernet = f

	if err := l.Teardown(); err != nil {
		t.Fatal(err)
	}
	if l.CurrentState() != Closed {
		t.Fatal("expected link to be closed after teardown")
	}
	if l.Reason != ReasonDestinationClosed {
		t.Fatalf("expected DESTINATION_CLOSED, got %v", l.Reason)
	}
}

func TestLinkHandleCloseMarksInitiatorClosed(t *testing.T) {
	l := newLink(packet.DefaultMTU, func(pkt *packet.Packet) error { return nil })
	l.ID = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	l.State = Active

	if err := l.HandleClose(l.ID); err != nil {
		t.Fatal(err)
	}
	if l.Reason != ReasonInitiatorClosed {
		t.Fatalf("expected INITIATOR_CLOSED, got %v", l.Reason)
	}
}

func TestLinkProofBuildVerify(t *testing.T) {
	a := newLink(packet.DefaultMTU, func(pkt *packet.Packet) error { return nil })
	b := newLink(packet.DefaultMTU, func(pkt *packet.Packet) error { return nil })

	apub, apriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	a.localEdPriv = apriv
	a.localEdPub = apub
	b.peerEdPub = apub

	var hash [32]byte
	hash[0] = 0xAB
	proofPkt, err := a.BuildProof(hash)
	if err != nil {
		t.Fatal(err)
	}
	sig := append([]byte(nil), proofPkt.Payload[32:]...)
	if !b.VerifyProof(hash, sig) {
		t.Fatal("expected proof to verify")
	}
	sig[0] ^= 0xFF
	if b.VerifyProof(hash, sig) {
		t.Fatal("expected tampered proof to fail")
	}
}

func TestLinkWatchdogTimesOutPendingHandshake(t *testing.T) {
	l := newLink(packet.DefaultMTU, func(pkt *packet.Packet) error { return nil })
	l.State = Pending
	l.proofDeadline = time.Now().Add(-time.Second)

	l.OnDeadline(time.Now())
	if l.CurrentState() != Closed {
		t.Fatal("expected pending handshake to time out")
	}
	if l.Reason != ReasonTimeout {
		t.Fatalf("expected TIMEOUT, got %v", l.Reason)
	}
}

func TestMDUFormula(t *testing.T) {
	l := newLink(500, nil)
	if l.MDU() != mduFor(500) {
		t.Fatal("mdu mismatch")
	}
	if l.MDU() <= 0 || l.MDU() >= 500 {
		t.Fatalf("unexpected mdu %d", l.MDU())
	}
}
