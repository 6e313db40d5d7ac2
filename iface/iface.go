// Package iface defines the Interface contract Transport uses to send and
// receive HDLC-framed packets over a physical or virtual medium, plus an
// in-memory Pipe implementation used by tests and local multi-instance
// demos (real network/serial/LoRa drivers are out of scope).
package iface

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/hexlattice/reticulum/hdlc"
)

// Interface is the contract Transport drives every network medium
// through. Implementations own framing at the byte level; Transport deals
// only in already-unframed packet bytes.
type Interface interface {
	Name() string
	In() bool
	Out() bool
	MTU() int
	Bitrate() int

	// ProcessOutgoing hands a packet's raw bytes to the interface for
	// framing and transmission.
	ProcessOutgoing(raw []byte) error

	// SetReceiveCallback registers the function the interface calls with
	// each inbound packet's raw, already-unframed bytes.
	SetReceiveCallback(cb func(raw []byte))
}

// Pipe is an in-memory Interface connecting two endpoints directly,
// HDLC-framing every packet the same way a byte-stream interface would.
type Pipe struct {
	mu       sync.Mutex
	name     string
	mtu      int
	bitrate  int
	peer     *Pipe
	receiver func(raw []byte)
}

// NewPipePair builds two Pipe interfaces wired directly to each other.
func NewPipePair(mtu int) (*Pipe, *Pipe) {
	a := &Pipe{name: "pipea", mtu: mtu, bitrate: 0}
	b := &Pipe{name: "pipeb", mtu: mtu, bitrate: 0}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *Pipe) Name() string  { return p.name }
func (p *Pipe) In() bool      { return true }
func (p *Pipe) Out() bool     { return true }
func (p *Pipe) MTU() int      { return p.mtu }
func (p *Pipe) Bitrate() int  { return p.bitrate }

func (p *Pipe) SetReceiveCallback(cb func(raw []byte)) {
	p.mu.Lock()
	p.receiver = cb
	p.mu.Unlock()
}

// ProcessOutgoing HDLC-frames raw and delivers it to the peer pipe, which
// unframes it through its own hdlc.Reader before invoking its receive
// callback — mirroring how a real byte-stream interface round-trips a
// frame across a wire.
func (p *Pipe) ProcessOutgoing(raw []byte) error {
	if len(raw) > p.mtu {
		return fmt.Errorf("pipe %s: packet of %d bytes exceeds mtu %d", p.name, len(raw), p.mtu)
	}
	if p.peer == nil {
		return fmt.Errorf("pipe %s: no peer attached", p.name)
	}
	framed := hdlc.Encode(raw)
	return p.peer.deliver(framed)
}

func (p *Pipe) deliver(framed []byte) error {
	r := hdlc.NewReader(bytes.NewReader(framed))
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			return nil
		}
		p.mu.Lock()
		cb := p.receiver
		p.mu.Unlock()
		if cb != nil {
			cb(frame)
		}
	}
}
