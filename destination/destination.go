// Package destination implements the Reticulum Destination: a named,
// addressable endpoint identified by a 10-byte hash derived from its
// app name, aspects and (for SINGLE destinations) owning identity.
package destination

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hexlattice/reticulum/identity"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/rnscrypto"
)

// Direction of a Destination.
type Direction uint8

const (
	In  Direction = 0
	Out Direction = 1
)

// Type mirrors packet.DestType but is spelled out in this package's own
// vocabulary so callers don't need to import packet just to build a
// Destination.
type Type uint8

const (
	Single Type = Type(packet.DestSingle)
	Group  Type = Type(packet.DestGroup)
	Plain  Type = Type(packet.DestPlain)
	Link   Type = Type(packet.DestLink)
)

// ProofStrategy controls whether DATA packets are automatically proven.
type ProofStrategy uint8

const (
	ProveNone ProofStrategy = iota
	ProveApp
	ProveAll
)

// RequestPolicy controls who may invoke a registered request handler.
type RequestPolicy uint8

const (
	AllowNone RequestPolicy = iota
	AllowAll
	AllowList
)

// RequestGenerator produces a response for an incoming request on a
// registered path.
type RequestGenerator func(path string, data []byte, requestID []byte, remote *identity.Identity) []byte

type requestHandlerEntry struct {
	generator RequestGenerator
	policy    RequestPolicy
	allowed   [][]byte
}

// linkCipher is the minimal surface a Link exposes so a transient LINK
// Destination can encrypt/decrypt without destination importing link
// (which would create an import cycle, since link validates requests
// against a Destination).
type linkCipher interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, bool)
}

// Destination is a named, addressable endpoint.
type Destination struct {
	Identity  *identity.Identity // owner identity for SINGLE; nil otherwise
	Direction Direction
	Type      Type
	AppName   string
	Aspects   []string
	GroupKey  []byte // symmetric key for GROUP destinations

	Name string
	Hash []byte // 10-byte truncated hash

	ProofStrategy ProofStrategy

	packetCallback          func(plaintext []byte, pkt *packet.Packet)
	linkEstablishedCallback func(link any)
	proofRequestCallback    func(pkt *packet.Packet) bool // used for PROVE_APP

	// incomingLinkRequest is wired by Transport so that dispatching
	// LINKREQUEST packets does not require this package to import link.
	incomingLinkRequest func(requestPacket *packet.Packet) bool

	requestHandlers map[string]requestHandlerEntry

	cipher linkCipher // only set on transient LINK destinations
}

// New constructs a Destination, validating that app_name and every aspect
// are dot-free.
func New(dir Direction, dtype Type, owner *identity.Identity, appName string, aspects ...string) (*Destination, error) {
	if err := validateComponent(appName); err != nil {
		return nil, fmt.Errorf("app_name: %w", err)
	}
	for _, a := range aspects {
		if err := validateComponent(a); err != nil {
			return nil, fmt.Errorf("aspect %q: %w", a, err)
		}
	}
	if dtype == Single && owner == nil {
		return nil, fmt.Errorf("SINGLE destination requires an owning identity")
	}
	if dtype == Plain && owner != nil {
		return nil, fmt.Errorf("PLAIN destination must not hold an identity")
	}

	d := &Destination{
		Identity:        owner,
		Direction:       dir,
		Type:            dtype,
		AppName:         appName,
		Aspects:         append([]string(nil), aspects...),
		requestHandlers: make(map[string]requestHandlerEntry),
	}

	parts := append([]string{appName}, aspects...)
	if dtype == Single {
		parts = append(parts, hex.EncodeToString(owner.Hash()))
	}
	d.Name = strings.Join(parts, ".")
	d.Hash = rnscrypto.TruncatedHash([]byte(d.Name))

	return d, nil
}

func validateComponent(s string) error {
	if strings.Contains(s, ".") {
		return fmt.Errorf("dots are forbidden inside name components: %q", s)
	}
	return nil
}

// SetProofStrategy sets the proof strategy for inbound DATA packets.
func (d *Destination) SetProofStrategy(s ProofStrategy) { d.ProofStrategy = s }

// SetPacketCallback registers the callback invoked with decrypted DATA.
func (d *Destination) SetPacketCallback(cb func(plaintext []byte, pkt *packet.Packet)) {
	d.packetCallback = cb
}

// SetLinkEstablishedCallback registers the callback invoked when a Link to
// this destination reaches ACTIVE.
func (d *Destination) SetLinkEstablishedCallback(cb func(link any)) {
	d.linkEstablishedCallback = cb
}

// SetProofRequestCallback registers the predicate used under PROVE_APP to
// decide whether to prove a given packet.
func (d *Destination) SetProofRequestCallback(cb func(pkt *packet.Packet) bool) {
	d.proofRequestCallback = cb
}

// SetIncomingLinkRequestHandler wires the callback Transport uses to hand a
// LINKREQUEST packet off to the link package's validation logic.
func (d *Destination) SetIncomingLinkRequestHandler(cb func(requestPacket *packet.Packet) bool) {
	d.incomingLinkRequest = cb
}

// SetLinkCipher attaches the symmetric cipher of the Link a transient LINK
// Destination represents.
func (d *Destination) SetLinkCipher(c linkCipher) { d.cipher = c }

// RegisterRequestHandler registers a request generator for a path.
func (d *Destination) RegisterRequestHandler(path string, gen RequestGenerator, policy RequestPolicy, allowed [][]byte) {
	d.requestHandlers[path] = requestHandlerEntry{generator: gen, policy: policy, allowed: allowed}
}

// LinkEstablishedCallback invokes the registered callback, if any.
func (d *Destination) LinkEstablishedCallback() func(link any) { return d.linkEstablishedCallback }

// IncomingLinkRequest dispatches a LINKREQUEST packet to the handler wired
// by Transport, returning whether a link was established.
func (d *Destination) IncomingLinkRequest(requestPacket *packet.Packet) bool {
	if d.incomingLinkRequest == nil {
		return false
	}
	return d.incomingLinkRequest(requestPacket)
}

// Encrypt encrypts plaintext for this destination using its type's method:
// identity public-key envelope for SINGLE, symmetric Fernet for GROUP/LINK,
// passthrough for PLAIN.
func (d *Destination) Encrypt(plaintext []byte) ([]byte, error) {
	switch d.Type {
	case Single:
		return d.Identity.Encrypt(plaintext)
	case Group:
		f, err := rnscrypto.NewFernet(d.GroupKey)
		if err != nil {
			return nil, fmt.Errorf("group fernet: %w", err)
		}
		return f.Encrypt(plaintext)
	case Link:
		if d.cipher == nil {
			return nil, fmt.Errorf("link destination has no attached cipher")
		}
		return d.cipher.Encrypt(plaintext)
	case Plain:
		return plaintext, nil
	default:
		return nil, fmt.Errorf("unknown destination type %d", d.Type)
	}
}

// Decrypt is the inverse of Encrypt. Authentication failure returns
// ok=false and must never be escalated to a panic or propagated exception.
func (d *Destination) Decrypt(ciphertext []byte) ([]byte, bool) {
	switch d.Type {
	case Single:
		if d.Identity == nil {
			return nil, false
		}
		return d.Identity.Decrypt(ciphertext)
	case Group:
		f, err := rnscrypto.NewFernet(d.GroupKey)
		if err != nil {
			return nil, false
		}
		pt, err := f.Decrypt(ciphertext)
		return pt, err == nil
	case Link:
		if d.cipher == nil {
			return nil, false
		}
		return d.cipher.Decrypt(ciphertext)
	case Plain:
		return ciphertext, true
	default:
		return nil, false
	}
}

// Sign signs a message with the destination's owning identity.
func (d *Destination) Sign(message []byte) ([]byte, error) {
	if d.Identity == nil {
		return nil, fmt.Errorf("destination has no identity to sign with")
	}
	return d.Identity.Sign(message)
}

// Announce builds an ANNOUNCE packet: public_key(64) || random_hash(10) ||
// signature(64) [|| app_data]. random_hash is 5 random bytes followed by a
// 5-byte big-endian Unix timestamp, so replays of an identical announce are
// still detectable by their timestamp.
func (d *Destination) Announce(appData []byte) (*packet.Packet, error) {
	if d.Type != Single || d.Identity == nil || d.Identity.IsPublicOnly() {
		return nil, fmt.Errorf("only a SINGLE destination with a private identity can announce")
	}

	pub := d.Identity.PublicBytes()
	randomHash, err := buildRandomHash()
	if err != nil {
		return nil, fmt.Errorf("build random hash: %w", err)
	}

	message := make([]byte, 0, len(d.Hash)+identity.PublicKeyLen+10+len(appData))
	message = append(message, d.Hash...)
	message = append(message, pub[:]...)
	message = append(message, randomHash[:]...)
	message = append(message, appData...)

	sig, err := d.Identity.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("sign announce: %w", err)
	}

	payload := make([]byte, 0, identity.PublicKeyLen+10+len(sig)+len(appData))
	payload = append(payload, pub[:]...)
	payload = append(payload, randomHash[:]...)
	payload = append(payload, sig...)
	payload = append(payload, appData...)

	return &packet.Packet{
		HeaderType:      packet.Header1,
		TransportType:   packet.TransportBroadcast,
		DestType:        packet.DestType(d.Type),
		Type:            packet.TypeAnnounce,
		DestinationHash: d.Hash,
		Context:         packet.ContextNone,
		Payload:         payload,
	}, nil
}

func buildRandomHash() ([10]byte, error) {
	var out [10]byte
	if _, err := rand.Read(out[:5]); err != nil {
		return out, err
	}
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(time.Now().Unix()))
	copy(out[5:10], tsBuf[3:8]) // low 5 bytes of the 64-bit timestamp
	return out, nil
}

// ReceiveData decrypts an inbound DATA packet payload and invokes the
// registered packet callback.
func (d *Destination) ReceiveData(pkt *packet.Packet) {
	plaintext, ok := d.Decrypt(pkt.Payload)
	if !ok {
		return
	}
	if d.packetCallback != nil {
		d.packetCallback(plaintext, pkt)
	}
}

// ShouldProve decides whether pkt should be proven, per ProofStrategy.
func (d *Destination) ShouldProve(pkt *packet.Packet) bool {
	switch d.ProofStrategy {
	case ProveAll:
		return true
	case ProveApp:
		if d.proofRequestCallback != nil {
			return d.proofRequestCallback(pkt)
		}
		return false
	default:
		return false
	}
}
