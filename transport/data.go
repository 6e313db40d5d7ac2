package transport

import (
	"encoding/hex"
	"time"

	"github.com/hexlattice/reticulum/destination"
	"github.com/hexlattice/reticulum/link"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/resource"
)

func (e *Engine) handleData(pkt *packet.Packet, hash [32]byte) {
	if pkt.DestType == packet.DestLink {
		e.handleLinkData(pkt, hash)
		return
	}

	e.mu.Lock()
	dest, ok := e.destinations[hex.EncodeToString(pkt.DestinationHash)]
	e.mu.Unlock()
	if !ok {
		return
	}

	dest.ReceiveData(pkt)
	if dest.ShouldProve(pkt) {
		e.sendIdentityProof(dest, hash)
	}
}

func (e *Engine) sendIdentityProof(dest *destination.Destination, hash [32]byte) {
	if dest.Identity == nil || dest.Identity.IsPublicOnly() {
		return
	}
	payload, err := dest.Identity.Prove(hash)
	if err != nil {
		e.logf("build identity proof failed", "error", err)
		return
	}
	proofPkt := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestType:        packet.DestType(dest.Type),
		Type:            packet.TypeProof,
		DestinationHash: dest.Hash,
		Context:         packet.ContextNone,
		Payload:         payload,
	}
	if err := e.dispatchOutbound(proofPkt); err != nil {
		e.logf("send identity proof failed", "error", err)
	}
}

func (e *Engine) handleLinkData(pkt *packet.Packet, hash [32]byte) {
	linkID := hex.EncodeToString(pkt.DestinationHash)

	e.mu.Lock()
	l, ok := e.links[linkID]
	e.mu.Unlock()
	if !ok {
		return
	}
	l.NotifyInbound(time.Now(), len(pkt.Payload))

	switch pkt.Context {
	case packet.ContextLRRTT:
		if err := l.CompleteResponderHandshake(pkt); err != nil {
			e.logf("lrrtt failed", "error", err)
		}
		return
	case packet.ContextKeepalive:
		_ = l.HandleKeepalive(pkt.Payload)
		return
	case packet.ContextLinkClose:
		plaintext, ok := l.Decrypt(pkt.Payload)
		if !ok {
			return
		}
		if err := l.HandleClose(plaintext); err != nil {
			e.logf("linkclose rejected", "error", err)
		}
		return
	case packet.ContextResourceAdv:
		e.handleResourceAdvertisement(l, pkt)
		return
	case packet.ContextResourceReq:
		e.handleResourceRequest(l, pkt)
		return
	case packet.ContextResourceHMU:
		e.handleResourceHashmapUpdate(l, pkt)
		return
	case packet.ContextResource:
		e.handleResourcePart(l, pkt)
		return
	case packet.ContextResourceICL, packet.ContextResourceRCL:
		e.handleResourceCancel(l, pkt)
		return
	}

	// Ordinary application DATA sent over the link: route through the
	// link's transient destination like any other destination traffic.
	e.mu.Lock()
	dest, ok := e.destinations[linkID]
	e.mu.Unlock()
	if !ok {
		return
	}
	dest.ReceiveData(pkt)
	if dest.ShouldProve(pkt) {
		proofPkt, err := l.BuildProof(hash)
		if err != nil {
			e.logf("build link proof failed", "error", err)
			return
		}
		if err := e.dispatchOutbound(proofPkt); err != nil {
			e.logf("send link proof failed", "error", err)
		}
	}
}

func (e *Engine) handleProof(pkt *packet.Packet) {
	switch pkt.Context {
	case packet.ContextLRProof:
		e.handleLRProof(pkt)
	case packet.ContextResourcePrf:
		e.handleResourceProof(pkt)
	case packet.ContextLinkProof, packet.ContextNone:
		e.handleReceiptProof(pkt)
	}
}

func (e *Engine) handleLRProof(pkt *packet.Packet) {
	linkID := hex.EncodeToString(pkt.DestinationHash)
	e.mu.Lock()
	l, ok := e.links[linkID]
	e.mu.Unlock()
	if !ok {
		return
	}
	if _, err := l.CompleteHandshake(pkt); err != nil {
		e.logf("lrproof rejected", "error", err)
	}
}

func (e *Engine) handleReceiptProof(pkt *packet.Packet) {
	if len(pkt.Payload) < 32 {
		return
	}
	key := string(pkt.Payload[:32])

	e.mu.Lock()
	r, ok := e.receipts[key]
	if ok {
		delete(e.receipts, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	var verified bool
	if r.link != nil {
		verified = r.link.VerifyProof(r.packetHash, pkt.Payload[32:])
	} else if r.dest != nil && r.dest.Identity != nil {
		verified = r.dest.Identity.Validate(pkt.Payload[32:], r.packetHash[:])
	}
	if r.onResult != nil {
		r.onResult(verified)
	}
}

func (e *Engine) findResourceForLink(l *link.Link, hash [32]byte) (*resource.Resource, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.resources[hex.EncodeToString(hash[:])]
	return res, ok
}

func (e *Engine) handleResourceAdvertisement(l *link.Link, pkt *packet.Packet) {
	plaintext, ok := l.Decrypt(pkt.Payload)
	if !ok {
		return
	}

	e.mu.Lock()
	concluded := e.resourceConcluded
	started := e.resourceStarted
	e.mu.Unlock()

	var res *resource.Resource
	res, err := resource.Accept(l, plaintext, func(data []byte, ok bool) {
		if concluded != nil {
			concluded(l, res, data, ok)
		}
	})
	if err != nil {
		e.logf("reject resource advertisement", "error", err)
		return
	}
	e.mu.Lock()
	e.resources[hex.EncodeToString(res.Hash[:])] = res
	e.mu.Unlock()

	if started != nil {
		started(l, res)
	}
	if err := res.RequestMissing(); err != nil {
		e.logf("resource request failed", "error", err)
	}
}

func (e *Engine) handleResourceRequest(l *link.Link, pkt *packet.Packet) {
	plaintext, ok := l.Decrypt(pkt.Payload)
	if !ok || len(plaintext) < 1 {
		return
	}
	// exhausted_flag(1) [|| last_known_map_hash(4)] || resource_hash(32) || ...
	off := 1
	if plaintext[0] == 1 {
		off += 4
	}
	if len(plaintext) < off+32 {
		return
	}
	var hash [32]byte
	copy(hash[:], plaintext[off:off+32])
	res, ok := e.findResourceForLink(l, hash)
	if !ok {
		return
	}
	if err := res.HandleRequest(plaintext); err != nil {
		e.logf("resource request handling failed", "error", err)
	}
}

func (e *Engine) handleResourceHashmapUpdate(l *link.Link, pkt *packet.Packet) {
	plaintext, ok := l.Decrypt(pkt.Payload)
	if !ok || len(plaintext) < 32 {
		return
	}
	var hash [32]byte
	copy(hash[:], plaintext[:32])
	res, ok := e.findResourceForLink(l, hash)
	if !ok {
		return
	}
	if err := res.HandleHashmapUpdate(plaintext); err != nil {
		e.logf("resource hashmap update failed", "error", err)
	}
}

func (e *Engine) handleResourcePart(l *link.Link, pkt *packet.Packet) {
	for _, hash := range l.IncomingResourceHashes() {
		res, ok := e.findResourceForLink(l, hash)
		if !ok {
			continue
		}
		if _, err := res.HandlePart(pkt.Payload); err == nil {
			return
		}
	}
}

func (e *Engine) handleResourceProof(pkt *packet.Packet) {
	if len(pkt.Payload) < 32 {
		return
	}
	var hash [32]byte
	copy(hash[:], pkt.Payload[:32])
	e.mu.Lock()
	res, ok := e.resources[hex.EncodeToString(hash[:])]
	e.mu.Unlock()
	if !ok {
		return
	}
	ok, err := res.HandleProof(pkt.Payload)
	if err != nil {
		e.logf("resource proof rejected", "error", err)
		return
	}
	if ok && res.TotalSegments > 1 {
		e.advanceSegment(res)
	}
}

// advanceSegment advertises the next queued segment of a multi-segment
// transfer once the prior segment's proof has arrived, per §4.6.
func (e *Engine) advanceSegment(completed *resource.Resource) {
	key := idHex(completed.OriginalHash[:])

	e.mu.Lock()
	queue := e.segmentQueues[key]
	var next *resource.Resource
	if len(queue) > 0 {
		next = queue[0]
		queue = queue[1:]
	}
	if len(queue) > 0 {
		e.segmentQueues[key] = queue
	} else {
		delete(e.segmentQueues, key)
	}
	if next != nil {
		e.resources[idHex(next.Hash[:])] = next
	}
	e.mu.Unlock()

	if next == nil {
		return
	}
	if err := next.Advertise(); err != nil {
		e.logf("advertise next segment failed", "error", err)
	}
}

func (e *Engine) handleResourceCancel(l *link.Link, pkt *packet.Packet) {
	plaintext, ok := l.Decrypt(pkt.Payload)
	if !ok || len(plaintext) < 32 {
		return
	}
	var hash [32]byte
	copy(hash[:], plaintext[:32])
	e.mu.Lock()
	delete(e.resources, hex.EncodeToString(hash[:]))
	e.mu.Unlock()
}
