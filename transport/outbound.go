package transport

import (
	"fmt"
	"time"

	"github.com/hexlattice/reticulum/destination"
	"github.com/hexlattice/reticulum/link"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/resource"
)

// Announce builds and broadcasts an ANNOUNCE for dest.
func (e *Engine) Announce(dest *destination.Destination, appData []byte) error {
	pkt, err := dest.Announce(appData)
	if err != nil {
		return fmt.Errorf("transport: announce: %w", err)
	}
	return e.dispatchOutbound(pkt)
}

// Send encrypts plaintext for dest and transmits it as a DATA packet. If
// onResult is non-nil, a receipt is tracked and onResult is invoked once
// either a PROOF is received or the per-hop timeout elapses.
func (e *Engine) Send(dest *destination.Destination, plaintext []byte, hops int, onResult func(proved bool)) error {
	ciphertext, err := dest.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("transport: encrypt for destination: %w", err)
	}
	pkt := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestType:        packet.DestType(dest.Type),
		Type:            packet.TypeData,
		DestinationHash: dest.Hash,
		Context:         packet.ContextNone,
		Payload:         ciphertext,
	}

	if onResult != nil {
		hash := pkt.Hash()
		if hops <= 0 {
			hops = 1
		}
		e.mu.Lock()
		e.receipts[string(hash[:])] = &receipt{
			packetHash: hash,
			sentAt:     time.Now(),
			timeout:    TimeoutPerHop * time.Duration(hops),
			dest:       dest,
			onResult:   onResult,
		}
		e.mu.Unlock()
	}

	return e.dispatchOutbound(pkt)
}

// RequestLink initiates a Link to dest and returns it in PENDING state.
// The engine occupies the link's established callback to register the
// link's transient LINK destination; replacing it with
// l.SetEstablishedCallback drops that registration. l.CurrentState()
// reports when the link reaches ACTIVE.
func (e *Engine) RequestLink(dest *destination.Destination) (*link.Link, error) {
	l, reqPkt, err := link.CreateRequest(dest, e.mtu, e.dispatchOutbound)
	if err != nil {
		return nil, fmt.Errorf("transport: create link request: %w", err)
	}
	l.SetEstablishedCallback(func(established *link.Link) {
		e.onLinkEstablished(established)
	})

	e.mu.Lock()
	e.links[idHex(l.ID)] = l
	e.mu.Unlock()

	if err := e.dispatchOutbound(reqPkt); err != nil {
		return nil, fmt.Errorf("transport: send link request: %w", err)
	}
	return l, nil
}

// SendOverLink transmits plaintext as application DATA on an already
// established link.
func (e *Engine) SendOverLink(l *link.Link, plaintext []byte) error {
	return l.SendEncrypted(packet.ContextNone, plaintext)
}

// SendResource prepares data as a Resource transfer over l. Payloads above
// resource.MaxEfficientSize are split into segments (§4.6): only the
// first segment is advertised immediately, the rest are queued and
// advertised one at a time as each prior segment's RESOURCE_PRF arrives
// (see handleResourceProof).
func (e *Engine) SendResource(l *link.Link, data []byte, metadata []byte) (*resource.Resource, error) {
	segments, err := resource.PrepareSegments(l, data, metadata)
	if err != nil {
		return nil, fmt.Errorf("transport: prepare resource: %w", err)
	}
	first := segments[0]

	e.mu.Lock()
	e.resources[idHex(first.Hash[:])] = first
	if len(segments) > 1 {
		e.segmentQueues[idHex(first.OriginalHash[:])] = segments[1:]
	}
	e.mu.Unlock()

	if err := first.Advertise(); err != nil {
		return nil, fmt.Errorf("transport: advertise resource: %w", err)
	}
	return first, nil
}
