// Package packet implements the Reticulum wire packet: flag byte layout,
// fixed header, optional HEADER_2 transport id, destination hash, context
// byte and payload, plus the forwarding-stable packet hash.
package packet

import (
	"crypto/sha256"
	"fmt"

	"github.com/hexlattice/reticulum/rnscrypto"
)

// Header type (2 bits).
type HeaderType uint8

const (
	Header1 HeaderType = 0
	Header2 HeaderType = 1
)

// Transport type (2 bits).
type TransportType uint8

const (
	TransportBroadcast TransportType = 0
	TransportTransport TransportType = 1
)

// Destination type (2 bits).
type DestType uint8

const (
	DestSingle DestType = 0
	DestGroup  DestType = 1
	DestPlain  DestType = 2
	DestLink   DestType = 3
)

// Packet type (2 bits).
type Type uint8

const (
	TypeData        Type = 0
	TypeAnnounce    Type = 1
	TypeLinkRequest Type = 2
	TypeProof       Type = 3
)

// Context byte values: the one-byte discriminator carried after the
// destination hash that tells a receiver how to interpret the payload.
const (
	ContextNone         uint8 = 0x00
	ContextResource     uint8 = 0x01
	ContextResourceAdv  uint8 = 0x02
	ContextResourceReq  uint8 = 0x03
	ContextResourceHMU  uint8 = 0x04
	ContextResourcePrf  uint8 = 0x05
	ContextResourceICL  uint8 = 0x06
	ContextResourceRCL  uint8 = 0x07
	ContextCacheRequest uint8 = 0x08
	ContextRequest      uint8 = 0x09
	ContextResponse     uint8 = 0x0A
	ContextPathResponse uint8 = 0x0B
	ContextCommand      uint8 = 0x0C
	ContextCommandStat  uint8 = 0x0D
	ContextKeepalive    uint8 = 0xFA
	ContextLinkIdentify uint8 = 0xFB
	ContextLinkClose    uint8 = 0xFC
	ContextLinkProof    uint8 = 0xFD
	ContextLRRTT        uint8 = 0xFE
	ContextLRProof      uint8 = 0xFF
)

// DestHashLen is the length of a destination hash field.
const DestHashLen = rnscrypto.TruncatedHashLen

// TransportIDLen is the length of the HEADER_2 next-hop transport id field.
const TransportIDLen = rnscrypto.TruncatedHashLen

// DefaultMTU is the default interface MTU a packet must fit within.
const DefaultMTU = 500

// Packet is a parsed Reticulum packet.
type Packet struct {
	HeaderType      HeaderType
	TransportType   TransportType
	DestType        DestType
	Type            Type
	Hops            uint8
	TransportID     []byte // exactly TransportIDLen bytes, only for Header2
	DestinationHash []byte // exactly DestHashLen bytes
	Context         uint8
	Payload         []byte

	packed []byte // cached serialization, set by Pack/Unpack
}

// Pack serializes the packet and enforces the MTU. It is idempotent: calling
// Pack twice without mutating the packet returns the same bytes.
func (p *Packet) Pack(mtu int) ([]byte, error) {
	if p.HeaderType == Header2 {
		if len(p.TransportID) != TransportIDLen {
			return nil, fmt.Errorf("header_2 requires a %d-byte transport id, got %d", TransportIDLen, len(p.TransportID))
		}
	} else if len(p.TransportID) != 0 {
		return nil, fmt.Errorf("transport id set on a header_1 packet")
	}
	if len(p.DestinationHash) != DestHashLen {
		return nil, fmt.Errorf("destination hash must be %d bytes, got %d", DestHashLen, len(p.DestinationHash))
	}

	flag := flagByte(p.HeaderType, p.TransportType, p.DestType, p.Type)

	size := 2 + len(p.TransportID) + DestHashLen + 1 + len(p.Payload)
	if size > mtu {
		return nil, fmt.Errorf("packet of %d bytes exceeds mtu %d", size, mtu)
	}

	out := make([]byte, 0, size)
	out = append(out, flag, p.Hops)
	out = append(out, p.TransportID...)
	out = append(out, p.DestinationHash...)
	out = append(out, p.Context)
	out = append(out, p.Payload...)

	p.packed = out
	return out, nil
}

// Unpack parses raw bytes (as delivered by an Interface, already HDLC-unframed)
// into a Packet.
func Unpack(raw []byte) (*Packet, error) {
	if len(raw) < 2+DestHashLen+1 {
		return nil, fmt.Errorf("packet too short: %d bytes", len(raw))
	}

	ht, tt, dt, pt := unflagByte(raw[0])
	hops := raw[1]
	off := 2

	var transportID []byte
	if ht == Header2 {
		if len(raw) < off+TransportIDLen+DestHashLen+1 {
			return nil, fmt.Errorf("header_2 packet too short for transport id")
		}
		transportID = append([]byte(nil), raw[off:off+TransportIDLen]...)
		off += TransportIDLen
	}

	destHash := append([]byte(nil), raw[off:off+DestHashLen]...)
	off += DestHashLen

	context := raw[off]
	off++

	payload := append([]byte(nil), raw[off:]...)

	return &Packet{
		HeaderType:      ht,
		TransportType:   tt,
		DestType:        dt,
		Type:            pt,
		Hops:            hops,
		TransportID:     transportID,
		DestinationHash: destHash,
		Context:         context,
		Payload:         payload,
		packed:          append([]byte(nil), raw...),
	}, nil
}

// Hash returns the forwarding-stable packet hash: SHA-256 of the flag byte
// with its top 4 (header-type, transport-type) bits zeroed, concatenated
// with everything from the destination hash onward. Hop count and the
// HEADER_2 transport id are per-hop fields and are excluded so the hash is
// identical at every relay.
func (p *Packet) Hash() [32]byte {
	flag := flagByte(p.HeaderType, p.TransportType, p.DestType, p.Type) & 0x0F

	h := sha256.New()
	h.Write([]byte{flag})
	h.Write(p.DestinationHash)
	h.Write([]byte{p.Context})
	h.Write(p.Payload)

	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func flagByte(ht HeaderType, tt TransportType, dt DestType, pt Type) byte {
	return byte(ht)<<6 | byte(tt)<<4 | byte(dt)<<2 | byte(pt)
}

func unflagByte(b byte) (HeaderType, TransportType, DestType, Type) {
	ht := HeaderType((b >> 6) & 0x03)
	tt := TransportType((b >> 4) & 0x03)
	dt := DestType((b >> 2) & 0x03)
	pt := Type(b & 0x03)
	return ht, tt, dt, pt
}
