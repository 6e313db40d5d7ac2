// Package transport implements the Reticulum Engine: the single
// arena-owned hub that holds every stateful table (registered
// destinations, in-flight links, in-flight resources, packet dedup and
// cache) and drives inbound/outbound packet dispatch across one or more
// Interfaces.
package transport

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hexlattice/reticulum/destination"
	"github.com/hexlattice/reticulum/identity"
	"github.com/hexlattice/reticulum/iface"
	"github.com/hexlattice/reticulum/link"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/resource"
)

const (
	dedupSize = 50_000
	dedupTTL  = 10 * time.Minute

	packetCacheSize = 2_000

	// TimeoutPerHop is the receipt timeout contribution of each hop a
	// packet is expected to traverse (§5).
	TimeoutPerHop = 5 * time.Second
)

// AnnounceHandler is notified of a validated, newly or repeatedly seen
// announce. destHashFilter (set at registration) limits which
// destinations it is called for.
type AnnounceHandler func(destinationHash []byte, id *identity.Identity, appData []byte)

type announceEntry struct {
	filter []byte // nil matches every destination
	cb     AnnounceHandler
}

type receipt struct {
	packetHash [32]byte
	sentAt     time.Time
	timeout    time.Duration
	dest       *destination.Destination
	link       *link.Link
	onResult   func(proved bool)
	done       bool
}

// Engine is the transport hub. All fields are owned here; Links and
// Resources reference their peers by id, never by pointer, so the Engine
// is the only place that can turn an id into a live object.
type Engine struct {
	mu sync.Mutex

	logger *slog.Logger
	mtu    int

	interfaces []iface.Interface

	destinations map[string]*destination.Destination // hex(hash) -> destination
	known        *identity.KnownDestinations

	links     map[string]*link.Link         // hex(link id) -> link, any state
	resources map[string]*resource.Resource // hex(resource hash) -> resource

	// segmentQueues holds the not-yet-advertised segments of a multi-segment
	// outgoing transfer, keyed by hex(original hash).
	segmentQueues map[string][]*resource.Resource

	receipts map[string]*receipt // string(raw packet hash bytes) -> receipt

	dedup       *expirable.LRU[string, struct{}]
	packetCache *lru.Cache[string, []byte]

	announceHandlers []announceEntry

	resourceStarted   func(l *link.Link, res *resource.Resource)
	resourceConcluded func(l *link.Link, res *resource.Resource, data []byte, ok bool)
}

// SetResourceStartedCallback registers cb to fire on the receiver's side
// as soon as a RESOURCE_ADV is accepted, before any parts arrive.
func (e *Engine) SetResourceStartedCallback(cb func(l *link.Link, res *resource.Resource)) {
	e.mu.Lock()
	e.resourceStarted = cb
	e.mu.Unlock()
}

// SetResourceConcludedCallback registers cb to fire on the receiver's
// side once a resource transfer finishes, successfully or not.
func (e *Engine) SetResourceConcludedCallback(cb func(l *link.Link, res *resource.Resource, data []byte, ok bool)) {
	e.mu.Lock()
	e.resourceConcluded = cb
	e.mu.Unlock()
}

// New constructs an Engine. mtu bounds every outbound packet; pass
// packet.DefaultMTU unless every attached interface agrees on something
// smaller.
func New(mtu int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if mtu <= 0 {
		mtu = packet.DefaultMTU
	}
	cache, _ := lru.New[string, []byte](packetCacheSize)
	return &Engine{
		logger:        logger,
		mtu:           mtu,
		destinations:  make(map[string]*destination.Destination),
		known:         identity.NewKnownDestinations(),
		links:         make(map[string]*link.Link),
		resources:     make(map[string]*resource.Resource),
		segmentQueues: make(map[string][]*resource.Resource),
		receipts:      make(map[string]*receipt),
		dedup:         expirable.NewLRU[string, struct{}](dedupSize, nil, dedupTTL),
		packetCache:   cache,
	}
}

// AddInterface attaches an Interface and wires its inbound callback to
// the engine's dispatch path.
func (e *Engine) AddInterface(i iface.Interface) {
	e.mu.Lock()
	e.interfaces = append(e.interfaces, i)
	e.mu.Unlock()
	i.SetReceiveCallback(func(raw []byte) {
		e.handleInbound(raw, i)
	})
}

// RegisterDestination makes dest known locally and wires it to receive
// LINKREQUEST packets addressed to it, without requiring destination to
// import this package.
func (e *Engine) RegisterDestination(dest *destination.Destination) {
	dest.SetIncomingLinkRequestHandler(func(requestPacket *packet.Packet) bool {
		return e.acceptLinkRequest(dest, requestPacket)
	})
	e.mu.Lock()
	e.destinations[hex.EncodeToString(dest.Hash)] = dest
	e.mu.Unlock()
}

// RegisterAnnounceHandler registers cb to fire for validated announces.
// A nil destHashFilter matches every destination.
func (e *Engine) RegisterAnnounceHandler(destHashFilter []byte, cb AnnounceHandler) {
	e.mu.Lock()
	e.announceHandlers = append(e.announceHandlers, announceEntry{filter: append([]byte(nil), destHashFilter...), cb: cb})
	e.mu.Unlock()
}

// Known exposes the recall table so callers can look up identities
// learned from announces.
func (e *Engine) Known() *identity.KnownDestinations { return e.known }

func (e *Engine) logf(msg string, args ...any) {
	e.logger.Debug(msg, args...)
}

// dispatchOutbound packs pkt and hands the packed, not yet HDLC-framed
// bytes to every outbound interface attached to this engine whose MTU
// fits them; each interface does its own framing.
func (e *Engine) dispatchOutbound(pkt *packet.Packet) error {
	raw, err := pkt.Pack(e.mtu)
	if err != nil {
		return fmt.Errorf("transport: pack outbound packet: %w", err)
	}

	e.mu.Lock()
	ifaces := append([]iface.Interface(nil), e.interfaces...)
	e.mu.Unlock()

	var lastErr error
	sent := 0
	for _, i := range ifaces {
		if !i.Out() {
			continue
		}
		if len(raw) > i.MTU() {
			continue
		}
		if err := i.ProcessOutgoing(raw); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("transport: no interface accepted outbound packet: %w", lastErr)
	}
	return nil
}

func (e *Engine) handleInbound(raw []byte, from iface.Interface) {
	pkt, err := packet.Unpack(raw)
	if err != nil {
		e.logf("drop malformed packet", "interface", from.Name(), "error", err)
		return
	}

	hash := pkt.Hash()
	key := string(hash[:])
	if _, seen := e.dedup.Get(key); seen {
		return
	}
	e.dedup.Add(key, struct{}{})

	switch pkt.Type {
	case packet.TypeAnnounce:
		e.handleAnnounce(pkt, hash)
	case packet.TypeLinkRequest:
		e.handleLinkRequest(pkt)
	case packet.TypeData:
		e.handleData(pkt, hash)
	case packet.TypeProof:
		e.handleProof(pkt)
	}
}

func (e *Engine) handleAnnounce(pkt *packet.Packet, hash [32]byte) {
	const announceMinLen = identity.PublicKeyLen + 10 + 64
	if len(pkt.Payload) < announceMinLen {
		return
	}
	var pub [identity.PublicKeyLen]byte
	copy(pub[:], pkt.Payload[:identity.PublicKeyLen])
	var randomHash [10]byte
	copy(randomHash[:], pkt.Payload[identity.PublicKeyLen:identity.PublicKeyLen+10])
	var sig [64]byte
	copy(sig[:], pkt.Payload[identity.PublicKeyLen+10:announceMinLen])
	appData := pkt.Payload[announceMinLen:]

	if !identity.ValidateAnnounce(pkt.DestinationHash, pub, randomHash, appData, sig) {
		e.logf("drop invalid announce", "dest", hex.EncodeToString(pkt.DestinationHash))
		return
	}

	e.known.Remember(hash, pkt.DestinationHash, pub, appData)

	id, err := identity.FromPublicBytes(pub)
	if err != nil {
		return
	}

	e.mu.Lock()
	handlers := append([]announceEntry(nil), e.announceHandlers...)
	e.mu.Unlock()

	for _, h := range handlers {
		if h.filter != nil && string(h.filter) != string(pkt.DestinationHash) {
			continue
		}
		h.cb(pkt.DestinationHash, id, appData)
	}
}

func (e *Engine) handleLinkRequest(pkt *packet.Packet) {
	e.mu.Lock()
	dest, ok := e.destinations[hex.EncodeToString(pkt.DestinationHash)]
	e.mu.Unlock()
	if !ok {
		return
	}
	dest.IncomingLinkRequest(pkt)
}

func (e *Engine) acceptLinkRequest(dest *destination.Destination, requestPacket *packet.Packet) bool {
	l, proofPkt, err := link.ValidateRequest(dest, requestPacket, e.mtu, e.dispatchOutbound)
	if err != nil {
		e.logf("reject link request", "error", err)
		return false
	}
	l.SetEstablishedCallback(func(established *link.Link) {
		e.onLinkEstablished(established)
	})

	e.mu.Lock()
	e.links[hex.EncodeToString(l.ID)] = l
	e.mu.Unlock()

	if err := e.dispatchOutbound(proofPkt); err != nil {
		e.logf("send lrproof failed", "error", err)
	}
	return true
}

// onLinkEstablished registers a transient LINK destination for l, routing
// ordinary DATA packets carried over the link through the same
// Destination.ReceiveData path as any other destination.
func (e *Engine) onLinkEstablished(l *link.Link) {
	linked, err := destination.New(destination.In, destination.Link, nil, "link")
	if err != nil {
		e.logf("build link destination failed", "error", err)
		return
	}
	linked.Hash = l.ID
	linked.SetLinkCipher(l)

	e.mu.Lock()
	e.destinations[hex.EncodeToString(l.ID)] = linked
	e.mu.Unlock()
}
