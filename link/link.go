// Package link implements the Reticulum Link: an ephemeral,
// mutually-authenticated, end-to-end encrypted session between two
// destinations. A Link exposes NextDeadline/OnDeadline so its owning
// engine can drive it from a single timer wheel instead of spawning a
// goroutine per session.
package link

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/hexlattice/reticulum/destination"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/rnscrypto"
)

// State is a Link's position in its lifecycle.
type State uint8

const (
	Pending State = iota
	Handshake
	Active
	Stale
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Handshake:
		return "HANDSHAKE"
	case Active:
		return "ACTIVE"
	case Stale:
		return "STALE"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TeardownReason explains why a Link reached CLOSED.
type TeardownReason uint8

const (
	ReasonNone TeardownReason = iota
	ReasonTimeout
	ReasonInitiatorClosed
	ReasonDestinationClosed
)

// Default timing parameters.
const (
	ProofTimeout         = 15 * time.Second
	KeepaliveInterval    = 180 * time.Second
	StaleGrace           = 2 * time.Second
	TrafficTimeoutFactor = 6
)

const (
	KeepaliveInitiatorByte = 0xFF
	KeepaliveResponderByte = 0xFE

	fernetOverhead = 16 + 32 // iv + hmac
)

// Link is an established or establishing end-to-end session.
type Link struct {
	mu sync.Mutex

	ID        []byte // 10-byte truncated hash of the LINKREQUEST packet
	Initiator bool
	State     State
	Reason    TeardownReason

	Dest *destination.Destination // the SINGLE destination this link terminates at

	localXPriv, localXPub [32]byte
	localEdPub            ed25519.PublicKey
	localEdPriv           ed25519.PrivateKey

	peerXPub  [32]byte
	peerEdPub ed25519.PublicKey

	fernet *rnscrypto.Fernet

	rtt           time.Duration
	handshakeSent time.Time

	mtu int
	mdu int

	TxPackets, RxPackets uint64
	TxBytes, RxBytes     uint64

	lastInboundAt  time.Time
	lastOutboundAt time.Time

	proofDeadline time.Time
	staleDeadline time.Time

	outgoingResources map[string]bool
	incomingResources map[string]bool

	send func(pkt *packet.Packet) error

	onEstablished func(*Link)
	onClosed      func(*Link, TeardownReason)
}

func newLink(mtu int, send func(pkt *packet.Packet) error) *Link {
	if mtu <= 0 {
		mtu = packet.DefaultMTU
	}
	return &Link{
		mtu:               mtu,
		mdu:               mduFor(mtu),
		send:              send,
		outgoingResources: make(map[string]bool),
		incomingResources: make(map[string]bool),
	}
}

func mduFor(mtu int) int {
	usable := mtu - fernetOverhead
	if usable < 16 {
		return 0
	}
	return (usable/16)*16 - 1
}

// MDU returns the link's maximum data unit for symmetric-encrypted DATA
// packets: floor((mtu-overhead)/16)*16 - 1, where overhead is the
// AES/HMAC envelope's 48 bytes.
func (l *Link) MDU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mdu
}

// RTT returns the currently measured round-trip time.
func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtt
}

// CurrentState returns the link's state under lock.
func (l *Link) CurrentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.State
}

// SetEstablishedCallback registers the callback fired when the link reaches ACTIVE.
func (l *Link) SetEstablishedCallback(cb func(*Link)) {
	l.mu.Lock()
	l.onEstablished = cb
	l.mu.Unlock()
}

// SetClosedCallback registers the callback fired once when the link reaches CLOSED.
func (l *Link) SetClosedCallback(cb func(*Link, TeardownReason)) {
	l.mu.Lock()
	l.onClosed = cb
	l.mu.Unlock()
}

func (l *Link) deriveKey(shared []byte) error {
	key, err := rnscrypto.DeriveKey(shared, l.ID, nil, 32)
	if err != nil {
		return fmt.Errorf("derive link key: %w", err)
	}
	f, err := rnscrypto.NewFernet(key)
	if err != nil {
		return fmt.Errorf("build link fernet: %w", err)
	}
	l.fernet = f
	return nil
}

// Encrypt implements the destination.linkCipher interface so a transient
// LINK Destination can route encryption through its owning Link.
func (l *Link) Encrypt(plaintext []byte) ([]byte, error) {
	l.mu.Lock()
	f := l.fernet
	l.mu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("link: no symmetric key derived yet")
	}
	return f.Encrypt(plaintext)
}

// Decrypt implements the destination.linkCipher interface.
func (l *Link) Decrypt(ciphertext []byte) ([]byte, bool) {
	l.mu.Lock()
	f := l.fernet
	l.mu.Unlock()
	if f == nil {
		return nil, false
	}
	pt, err := f.Decrypt(ciphertext)
	return pt, err == nil
}

// SendEncrypted builds a DATA packet addressed to this link, encrypts
// payload under the link's symmetric key, and hands it to the owning
// engine for delivery.
func (l *Link) SendEncrypted(context uint8, payload []byte) error {
	envelope, err := l.Encrypt(payload)
	if err != nil {
		return fmt.Errorf("link encrypt: %w", err)
	}
	return l.sendPacket(context, envelope)
}

// SendRaw sends payload as-is (unencrypted at the packet layer) inside a
// DATA packet addressed to this link. Used for contexts whose payload is
// already protected upstream (RESOURCE parts, which are slices of a
// resource stream encrypted as a whole before splitting) or that are
// exempt by rule (KEEPALIVE).
func (l *Link) SendRaw(context uint8, payload []byte) error {
	return l.sendPacket(context, payload)
}

func (l *Link) sendPacket(context uint8, payload []byte) error {
	pkt := &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestType:        packet.DestLink,
		Type:            packet.TypeData,
		DestinationHash: l.ID,
		Context:         context,
		Payload:         payload,
	}
	if err := l.send(pkt); err != nil {
		return err
	}
	l.mu.Lock()
	l.TxPackets++
	l.TxBytes += uint64(len(payload))
	l.lastOutboundAt = time.Now()
	l.mu.Unlock()
	return nil
}

// TrackOutgoing / TrackIncoming record a Resource's hash against this
// link's in-flight sets. Resources are referenced by id (their hash), not
// by owning pointer: the concrete resource lives in the engine's own
// table, which breaks the Link<->Resource reference cycle.
func (l *Link) TrackOutgoing(hash [32]byte) {
	l.mu.Lock()
	l.outgoingResources[string(hash[:])] = true
	l.mu.Unlock()
}

func (l *Link) UntrackOutgoing(hash [32]byte) {
	l.mu.Lock()
	delete(l.outgoingResources, string(hash[:]))
	l.mu.Unlock()
}

func (l *Link) TrackIncoming(hash [32]byte) {
	l.mu.Lock()
	l.incomingResources[string(hash[:])] = true
	l.mu.Unlock()
}

func (l *Link) UntrackIncoming(hash [32]byte) {
	l.mu.Lock()
	delete(l.incomingResources, string(hash[:]))
	l.mu.Unlock()
}

// OutgoingResourceHashes returns the hashes of resources currently being sent.
func (l *Link) OutgoingResourceHashes() [][32]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return keysOf(l.outgoingResources)
}

// IncomingResourceHashes returns the hashes of resources currently being received.
func (l *Link) IncomingResourceHashes() [][32]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return keysOf(l.incomingResources)
}

func keysOf(m map[string]bool) [][32]byte {
	out := make([][32]byte, 0, len(m))
	for k := range m {
		var h [32]byte
		copy(h[:], k)
		out = append(out, h)
	}
	return out
}
