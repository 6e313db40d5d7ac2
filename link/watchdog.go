package link

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/hexlattice/reticulum/packet"
)

// NextDeadline returns the next time this link needs OnDeadline called,
// letting the owning engine drive many links from a single timer instead
// of a goroutine each.
func (l *Link) NextDeadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State {
	case Pending, Handshake:
		return l.proofDeadline
	case Active:
		return l.lastInboundAt.Add(KeepaliveInterval)
	case Stale:
		return l.staleDeadline
	default:
		return time.Time{}
	}
}

// OnDeadline advances the link's state machine if now has passed its
// current deadline.
func (l *Link) OnDeadline(now time.Time) {
	l.mu.Lock()

	switch l.State {
	case Pending, Handshake:
		if !now.Before(l.proofDeadline) {
			l.closeLocked(ReasonTimeout)
		}
		l.mu.Unlock()
		return

	case Active:
		if !now.Before(l.lastInboundAt.Add(KeepaliveInterval)) {
			l.State = Stale
			l.staleDeadline = now.Add(l.rtt*TrafficTimeoutFactor + StaleGrace)
			initiator := l.Initiator
			l.mu.Unlock()
			if initiator {
				_ = l.SendRaw(packet.ContextKeepalive, []byte{KeepaliveInitiatorByte})
			}
			return
		}
		l.mu.Unlock()
		return

	case Stale:
		if !now.Before(l.staleDeadline) {
			l.closeLocked(ReasonTimeout)
		}
		l.mu.Unlock()
		return

	default:
		l.mu.Unlock()
		return
	}
}

// NotifyInbound records that a packet addressed to this link just arrived,
// resetting the keepalive window and reviving a STALE link to ACTIVE.
func (l *Link) NotifyInbound(now time.Time, payloadLen int) {
	l.mu.Lock()
	l.lastInboundAt = now
	l.RxPackets++
	l.RxBytes += uint64(payloadLen)
	if l.State == Stale {
		l.State = Active
	}
	l.mu.Unlock()
}

// HandleKeepalive responds to an inbound KEEPALIVE byte. The initiator's
// 0xFF is answered with a bare 0xFE; the responder's echo requires no
// further reply.
func (l *Link) HandleKeepalive(payload []byte) error {
	if len(payload) == 1 && payload[0] == KeepaliveInitiatorByte {
		return l.SendRaw(packet.ContextKeepalive, []byte{KeepaliveResponderByte})
	}
	return nil
}

// BuildProof signs packetHash with the link's ephemeral Ed25519 key,
// producing the PROOF packet DATA recipients expect under PROVE_ALL /
// PROVE_APP for traffic carried over a link.
func (l *Link) BuildProof(packetHash [32]byte) (*packet.Packet, error) {
	l.mu.Lock()
	priv := l.localEdPriv
	id := l.ID
	l.mu.Unlock()
	if priv == nil {
		return nil, fmt.Errorf("link has no ephemeral signing key")
	}
	sig := ed25519.Sign(priv, packetHash[:])

	payload := make([]byte, 0, 32+64)
	payload = append(payload, packetHash[:]...)
	payload = append(payload, sig...)

	return &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestType:        packet.DestLink,
		Type:            packet.TypeProof,
		DestinationHash: id,
		Context:         packet.ContextLinkProof,
		Payload:         payload,
	}, nil
}

// VerifyProof validates a PROOF received over this link against the
// peer's ephemeral Ed25519 key (as opposed to its long-term identity,
// which per-packet link proofs never touch).
func (l *Link) VerifyProof(packetHash [32]byte, sig []byte) bool {
	l.mu.Lock()
	peer := l.peerEdPub
	l.mu.Unlock()
	if peer == nil {
		return false
	}
	return ed25519.Verify(peer, packetHash[:], sig)
}

// Teardown closes the link from the local side: it is sent as
// DESTINATION_CLOSED because the local application decided to close it,
// as distinct from InitiatorClosed, which is set on the peer that merely
// receives notice of the closure.
func (l *Link) Teardown() error {
	l.mu.Lock()
	if l.State == Closed {
		l.mu.Unlock()
		return nil
	}
	id := append([]byte(nil), l.ID...)
	l.mu.Unlock()

	if err := l.SendEncrypted(packet.ContextLinkClose, id); err != nil {
		return fmt.Errorf("send linkclose: %w", err)
	}

	l.mu.Lock()
	l.closeLocked(ReasonDestinationClosed)
	l.mu.Unlock()
	return nil
}

// HandleClose processes an inbound LINKCLOSE: the receiving side did not
// initiate the teardown, so it is marked InitiatorClosed.
func (l *Link) HandleClose(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State == Closed {
		return nil
	}
	if len(payload) != len(l.ID) || string(payload) != string(l.ID) {
		return fmt.Errorf("linkclose payload does not match link id")
	}
	l.closeLocked(ReasonInitiatorClosed)
	return nil
}

// closeLocked must be called with l.mu held.
func (l *Link) closeLocked(reason TeardownReason) {
	if l.State == Closed {
		return
	}
	l.State = Closed
	l.Reason = reason
	cb := l.onClosed
	if cb != nil {
		go cb(l, reason)
	}
}
