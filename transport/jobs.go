package transport

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/hexlattice/reticulum/link"
	"github.com/hexlattice/reticulum/resource"
)

// jobInterval is how often the Engine's background pass culls receipts
// and polls the timer wheel, per §4.4 ("a background job (interval ~250
// ms) culls the dedup list and scans outbound receipts for timeouts").
// The dedup set itself expires entries on its own TTL (see New); this pass
// only needs to drive receipts, Links and Resources.
const jobInterval = 250 * time.Millisecond

func idHex(id []byte) string {
	return hex.EncodeToString(id)
}

// Run drives the Engine's single timer wheel: rather than a goroutine per
// Link or Resource, one loop asks every tracked object for its next
// deadline and calls OnDeadline when due, and separately expires
// outbound receipts that never saw a PROOF. It blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(jobInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.tick(now)
		}
	}
}

func (e *Engine) tick(now time.Time) {
	e.expireReceipts(now)
	e.driveLinks(now)
	e.driveResources(now)
	e.pruneClosedLinks()
}

// expireReceipts fails any outbound DATA receipt whose per-hop timeout
// has elapsed without a PROOF arriving.
func (e *Engine) expireReceipts(now time.Time) {
	e.mu.Lock()
	var expired []*receipt
	for key, r := range e.receipts {
		if r.done {
			continue
		}
		if now.Sub(r.sentAt) >= r.timeout {
			r.done = true
			expired = append(expired, r)
			delete(e.receipts, key)
		}
	}
	e.mu.Unlock()

	for _, r := range expired {
		if r.onResult != nil {
			r.onResult(false)
		}
	}
}

// driveLinks calls OnDeadline on every Link whose NextDeadline has
// passed: proof timeouts in PENDING/HANDSHAKE, keepalive silence in
// ACTIVE, and hard close from STALE.
func (e *Engine) driveLinks(now time.Time) {
	e.mu.Lock()
	links := make([]*link.Link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	e.mu.Unlock()

	for _, l := range links {
		if d := l.NextDeadline(); !d.IsZero() && !now.Before(d) {
			l.OnDeadline(now)
		}
	}
}

// driveResources calls OnDeadline on every Resource whose NextDeadline
// has passed: receiver-side retransmission requests and receiver-side
// give-up after MAX_RETRIES worth of silence. Outgoing resources report
// no deadline, so none is ever timed out here.
func (e *Engine) driveResources(now time.Time) {
	e.mu.Lock()
	resources := make([]*resource.Resource, 0, len(e.resources))
	for _, r := range e.resources {
		resources = append(resources, r)
	}
	e.mu.Unlock()

	for _, r := range resources {
		if d := r.NextDeadline(); !d.IsZero() && !now.Before(d) {
			r.OnDeadline(now)
		}
	}
}

// pruneClosedLinks drops links that have reached CLOSED from the engine's
// table so a stale link id cannot be reused against a dead session.
func (e *Engine) pruneClosedLinks() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, l := range e.links {
		if l.CurrentState() == link.Closed {
			delete(e.links, key)
		}
	}
}
