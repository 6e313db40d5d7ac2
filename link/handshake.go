package link

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/hexlattice/reticulum/destination"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/rnscrypto"
	"github.com/vmihailenco/msgpack/v5"
)

// CreateRequest builds the LINKREQUEST packet an initiator sends to open a
// link to dest, and returns the not-yet-active Link tracking that attempt.
// The link id is the truncated hash of the packet itself, so both ends
// agree on it without negotiation.
func CreateRequest(dest *destination.Destination, mtu int, send func(pkt *packet.Packet) error) (*Link, *packet.Packet, error) {
	if dest.Type != destination.Single {
		return nil, nil, fmt.Errorf("links can only be requested to a SINGLE destination")
	}

	l := newLink(mtu, send)
	l.Initiator = true
	l.Dest = dest
	l.State = Pending

	xPriv, xPub, err := rnscrypto.X25519KeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral x25519 key: %w", err)
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral ed25519 key: %w", err)
	}
	l.localXPriv, l.localXPub = xPriv, xPub
	l.localEdPub, l.localEdPriv = edPub, edPriv

	payload := make([]byte, 0, 64)
	payload = append(payload, l.localXPub[:]...)
	payload = append(payload, l.localEdPub...)

	pkt := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestType:        packet.DestType(dest.Type),
		Type:            packet.TypeLinkRequest,
		DestinationHash: dest.Hash,
		Context:         packet.ContextNone,
		Payload:         payload,
	}

	hash := pkt.Hash()
	l.ID = append([]byte(nil), hash[:10]...)
	l.proofDeadline = time.Now().Add(ProofTimeout)
	l.handshakeSent = time.Now()

	return l, pkt, nil
}

// ValidateRequest is invoked on the responder side (wired through
// Destination.SetIncomingLinkRequestHandler) for an inbound LINKREQUEST. It
// derives the link id the same way the initiator did, builds the LRPROOF
// packet, and returns the new Link alongside it.
func ValidateRequest(dest *destination.Destination, requestPacket *packet.Packet, mtu int, send func(pkt *packet.Packet) error) (*Link, *packet.Packet, error) {
	if len(requestPacket.Payload) != 64 {
		return nil, nil, fmt.Errorf("malformed linkrequest payload: %d bytes", len(requestPacket.Payload))
	}
	if dest.Identity == nil || dest.Identity.IsPublicOnly() {
		return nil, nil, fmt.Errorf("cannot accept a link request for a destination with no private identity")
	}

	l := newLink(mtu, send)
	l.Initiator = false
	l.Dest = dest
	l.State = Handshake

	hash := requestPacket.Hash()
	l.ID = append([]byte(nil), hash[:10]...)

	copy(l.peerXPub[:], requestPacket.Payload[:32])
	l.peerEdPub = append(ed25519.PublicKey(nil), requestPacket.Payload[32:64]...)
	if err := rnscrypto.ValidatePoint(l.peerEdPub); err != nil {
		return nil, nil, fmt.Errorf("reject linkrequest: %w", err)
	}

	xPriv, xPub, err := rnscrypto.X25519KeyPair(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral x25519 key: %w", err)
	}
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral ed25519 key: %w", err)
	}
	l.localXPriv, l.localXPub = xPriv, xPub
	l.localEdPub, l.localEdPriv = edPub, edPriv

	shared, err := rnscrypto.X25519Exchange(l.localXPriv, l.peerXPub)
	if err != nil {
		return nil, nil, fmt.Errorf("link handshake x25519 exchange: %w", err)
	}
	if err := l.deriveKey(shared); err != nil {
		return nil, nil, err
	}

	signed := make([]byte, 0, 10+64)
	signed = append(signed, l.ID...)
	signed = append(signed, l.localXPub[:]...)
	signed = append(signed, l.localEdPub...)
	sig, err := dest.Sign(signed)
	if err != nil {
		return nil, nil, fmt.Errorf("sign lrproof: %w", err)
	}

	proofPayload := make([]byte, 0, len(signed)+len(sig))
	proofPayload = append(proofPayload, l.localXPub[:]...)
	proofPayload = append(proofPayload, l.localEdPub...)
	proofPayload = append(proofPayload, sig...)

	proofPkt := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestType:        packet.DestLink,
		Type:            packet.TypeProof,
		DestinationHash: l.ID,
		Context:         packet.ContextLRProof,
		Payload:         proofPayload,
	}

	l.proofDeadline = time.Now().Add(ProofTimeout)
	l.handshakeSent = time.Now()
	l.lastInboundAt = time.Now()

	return l, proofPkt, nil
}

// CompleteHandshake processes an inbound LRPROOF on the initiator side.
// On success it derives the shared symmetric key, measures RTT, transitions
// to ACTIVE, fires the established callback and sends the LRRTT packet
// itself through the link's send function; the returned packet is always
// nil.
func (l *Link) CompleteHandshake(proofPkt *packet.Packet) (*packet.Packet, error) {
	l.mu.Lock()
	if !l.Initiator || l.State != Pending {
		l.mu.Unlock()
		return nil, fmt.Errorf("link not waiting for a handshake proof")
	}
	if len(proofPkt.Payload) != 32+32+64 {
		l.mu.Unlock()
		return nil, fmt.Errorf("malformed lrproof payload: %d bytes", len(proofPkt.Payload))
	}

	var peerXPub [32]byte
	copy(peerXPub[:], proofPkt.Payload[:32])
	peerEdPub := append(ed25519.PublicKey(nil), proofPkt.Payload[32:64]...)
	sig := proofPkt.Payload[64:]

	if err := rnscrypto.ValidatePoint(peerEdPub); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("reject lrproof: %w", err)
	}

	signed := make([]byte, 0, 10+64)
	signed = append(signed, l.ID...)
	signed = append(signed, peerXPub[:]...)
	signed = append(signed, peerEdPub...)
	if !l.Dest.Identity.Validate(sig, signed) {
		l.mu.Unlock()
		return nil, fmt.Errorf("lrproof signature does not validate against destination identity")
	}

	shared, err := rnscrypto.X25519Exchange(l.localXPriv, peerXPub)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("link handshake x25519 exchange: %w", err)
	}
	if err := l.deriveKey(shared); err != nil {
		l.mu.Unlock()
		return nil, err
	}

	l.peerXPub = peerXPub
	l.peerEdPub = peerEdPub
	l.rtt = time.Since(l.handshakeSent)
	l.State = Active
	l.lastInboundAt = time.Now()
	established := l.onEstablished
	rtt := l.rtt
	l.mu.Unlock()

	if established != nil {
		established(l)
	}

	rttPayload, err := msgpack.Marshal(rtt.Seconds())
	if err != nil {
		return nil, fmt.Errorf("encode lrrtt payload: %w", err)
	}
	if err := l.SendEncrypted(packet.ContextLRRTT, rttPayload); err != nil {
		return nil, fmt.Errorf("send lrrtt: %w", err)
	}
	return nil, nil
}

// CompleteResponderHandshake processes an inbound LRRTT on the responder
// side, finalizing its own RTT measurement and transitioning to ACTIVE.
func (l *Link) CompleteResponderHandshake(rttPkt *packet.Packet) error {
	l.mu.Lock()
	if l.Initiator || l.State != Handshake {
		l.mu.Unlock()
		return fmt.Errorf("link not waiting for lrrtt")
	}
	plaintext, ok := l.decryptLocked(rttPkt.Payload)
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("lrrtt failed to decrypt")
	}
	var peerRTT float64
	if err := msgpack.Unmarshal(plaintext, &peerRTT); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("decode lrrtt payload: %w", err)
	}

	ownRTT := time.Since(l.handshakeSent)
	if d := time.Duration(peerRTT * float64(time.Second)); d > ownRTT {
		ownRTT = d
	}
	l.rtt = ownRTT
	l.State = Active
	l.lastInboundAt = time.Now()
	established := l.onEstablished
	l.mu.Unlock()

	if established != nil {
		established(l)
	}
	return nil
}

func (l *Link) decryptLocked(ciphertext []byte) ([]byte, bool) {
	if l.fernet == nil {
		return nil, false
	}
	pt, err := l.fernet.Decrypt(ciphertext)
	return pt, err == nil
}
