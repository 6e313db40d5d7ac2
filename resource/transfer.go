package resource

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/hexlattice/reticulum/packet"
	"github.com/vmihailenco/msgpack/v5"
)

// Retransmission timing (§5): a receiver waits rtt*timeoutFactor plus a
// fixed grace period before re-requesting a part, and fails an incoming
// transfer after maxRetries worth of that window plus senderGraceTime
// without a new part. Outgoing resources have no deadline and are never
// timed out here.
const (
	timeoutFactor    = 6
	retryGraceTime   = 3 * time.Second
	senderGraceTime  = 10 * time.Second
	maxRetries       = 5
)

// Accept is invoked on the receiver side with a decoded RESOURCE_ADV. It
// allocates the reception buffer, records the advertised hashmap prefix,
// and returns the Resource so the caller can request window fills with
// RequestMissing.
func Accept(link LinkSender, encodedAdv []byte, onComplete func(data []byte, ok bool)) (*Resource, error) {
	var adv advertisement
	if err := msgpack.Unmarshal(encodedAdv, &adv); err != nil {
		return nil, fmt.Errorf("resource: decode advertisement: %w", err)
	}
	if len(adv.H) != 32 || len(adv.R) != saltLen {
		return nil, fmt.Errorf("resource: malformed advertisement")
	}

	r := &Resource{
		Outgoing:     false,
		Status:       StatusTransferring,
		Metadata:     adv.M,
		compressed:   adv.D,
		link:         link,
		total:        adv.N,
		originSize:   adv.O,
		received:     make(map[int][]byte),
		byMapHash:    make(map[string]int),
		haveMap:      make([][]byte, adv.N),
		requestedAt:  make(map[int]time.Time),
		lastActivity: time.Now(),
		onComplete:   onComplete,
		window:       windowDefault,
	}
	copy(r.Hash[:], adv.H)
	copy(r.Salt[:], adv.R)
	if adv.F > 1 {
		r.SegmentIndex = adv.L
		r.TotalSegments = adv.F
		if len(adv.G) == 32 {
			copy(r.OriginalHash[:], adv.G)
		}
	}

	n := len(adv.I) / mapHashLen
	for i := 0; i < n && i < adv.N; i++ {
		h := append([]byte(nil), adv.I[i*mapHashLen:(i+1)*mapHashLen]...)
		r.haveMap[i] = h
		r.byMapHash[string(h)] = i
	}

	link.TrackIncoming(r.Hash)
	return r, nil
}

// missingIndices returns up to r.window indices this receiver still
// needs, only among those whose hashmap entry is already known. Any index
// that was requested before but whose retry window has since elapsed
// counts as a retry and shrinks the window (§4.6: "a retry shrinks window
// by 1 down to min").
func (r *Resource) missingIndices(now time.Time) []int {
	if r.window <= 0 {
		r.window = windowDefault
	}
	out := make([]int, 0, r.window)
	for i := 0; i < r.total && len(out) < r.window; i++ {
		if _, got := r.received[i]; got {
			continue
		}
		if r.haveMap[i] == nil {
			continue
		}
		if at, asked := r.requestedAt[i]; asked {
			if now.Sub(at) < r.retryWindow() {
				continue
			}
			r.window -= 1
			if r.window < windowMin {
				r.window = windowMin
			}
		}
		out = append(out, i)
	}
	return out
}

// growWindow is called whenever a part not already held arrives, whether
// or not its retry window has elapsed: it grows the window by 1 up to
// windowMax.
func (r *Resource) growWindow() {
	r.window += 1
	if r.window > windowMax {
		r.window = windowMax
	}
}

func (r *Resource) retryWindow() time.Duration {
	rtt := r.link.RTT()
	return rtt*timeoutFactor + retryGraceTime
}

// RequestMissing sends a RESOURCE_REQ for the next window of parts this
// receiver still needs. The wire payload is raw binary, per §6:
// exhausted_flag(1) [|| last_known_map_hash(4)] || resource_hash(32) ||
// requested part map-hashes. The exhausted flag and last-known map hash
// are included whenever this receiver's hashmap knowledge doesn't yet
// cover the whole transfer, telling the sender where to resume RESOURCE_HMU
// from.
func (r *Resource) RequestMissing() error {
	r.mu.Lock()
	now := time.Now()
	missing := r.missingIndices(now)
	for _, idx := range missing {
		r.requestedAt[idx] = now
	}

	exhausted := false
	var lastKnown []byte
	for i, h := range r.haveMap {
		if h == nil {
			exhausted = true
			if i > 0 {
				lastKnown = r.haveMap[i-1]
			}
			break
		}
	}
	hash := append([]byte(nil), r.Hash[:]...)
	haveMap := r.haveMap
	r.mu.Unlock()

	if len(missing) == 0 && !exhausted {
		return nil
	}

	payload := make([]byte, 0, 1+mapHashLen+32+len(missing)*mapHashLen)
	if exhausted {
		payload = append(payload, 1)
		if lastKnown != nil {
			payload = append(payload, lastKnown...)
		} else {
			payload = append(payload, make([]byte, mapHashLen)...)
		}
	} else {
		payload = append(payload, 0)
	}
	payload = append(payload, hash...)
	for _, idx := range missing {
		payload = append(payload, haveMap[idx]...)
	}

	if err := r.link.SendEncrypted(packet.ContextResourceReq, payload); err != nil {
		return fmt.Errorf("resource: send request: %w", err)
	}
	return nil
}

// HandleRequest is invoked on the sender side with a decoded RESOURCE_REQ:
// it serves each requested part identified by map hash, and replies with a
// further hashmap slice when the exhausted flag is set.
func (r *Resource) HandleRequest(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("resource: malformed request")
	}
	exhausted := payload[0] == 1
	off := 1
	var lastKnown []byte
	if exhausted {
		if len(payload) < off+mapHashLen {
			return fmt.Errorf("resource: malformed request: missing last known map hash")
		}
		lastKnown = payload[off : off+mapHashLen]
		off += mapHashLen
	}
	if len(payload) < off+32 {
		return fmt.Errorf("resource: malformed request: missing resource hash")
	}
	off += 32
	mapHashes := payload[off:]

	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(mapHashes) / mapHashLen
	for i := 0; i < n; i++ {
		mh := mapHashes[i*mapHashLen : (i+1)*mapHashLen]
		idx, ok := r.hashIndex[string(mh)]
		if !ok || idx >= len(r.parts) {
			continue
		}
		wire := make([]byte, 0, mapHashLen+len(r.parts[idx]))
		wire = append(wire, r.partHashes[idx]...)
		wire = append(wire, r.parts[idx]...)
		if err := r.link.SendRaw(packet.ContextResource, wire); err != nil {
			return fmt.Errorf("resource: send part %d: %w", idx, err)
		}
		r.sentParts[idx] = true
		if r.onProgress != nil {
			r.onProgress(len(r.sentParts), len(r.parts))
		}
	}

	if exhausted {
		offset := 0
		if idx, ok := r.hashIndex[string(lastKnown)]; ok {
			offset = idx + 1
		}
		if err := r.sendHashmapUpdateLocked(offset); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resource) sendHashmapUpdateLocked(offset int) error {
	end := offset + advertisementHashmapChunk
	if end > len(r.partHashes) {
		end = len(r.partHashes)
	}
	if offset >= end {
		return nil
	}
	blob := make([]byte, 0, (end-offset)*mapHashLen)
	for i := offset; i < end; i++ {
		blob = append(blob, r.partHashes[i]...)
	}
	tail, err := msgpack.Marshal(&hmuTail{SegmentIndex: r.SegmentIndex, Hashes: blob})
	if err != nil {
		return fmt.Errorf("resource: encode hmu: %w", err)
	}
	payload := make([]byte, 0, 32+len(tail))
	payload = append(payload, r.Hash[:]...)
	payload = append(payload, tail...)
	return r.link.SendEncrypted(packet.ContextResourceHMU, payload)
}

// HandleHashmapUpdate applies a RESOURCE_HMU on the receiver side, filling
// in hashmap entries beyond what this receiver already knows. The wire
// payload is raw resource_hash(32) || msgpack([segment_index,
// hashmap_bytes]), per §6; since a resource only ever accepts HMUs that
// extend its own knowledge, the insertion point is simply the first
// not-yet-known hashmap index, without needing a separate offset field.
func (r *Resource) HandleHashmapUpdate(payload []byte) error {
	if len(payload) < 32 {
		return fmt.Errorf("resource: malformed hmu")
	}
	var tail hmuTail
	if err := msgpack.Unmarshal(payload[32:], &tail); err != nil {
		return fmt.Errorf("resource: decode hmu: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	offset := len(r.haveMap)
	for i, h := range r.haveMap {
		if h == nil {
			offset = i
			break
		}
	}

	n := len(tail.Hashes) / mapHashLen
	for i := 0; i < n && offset+i < len(r.haveMap); i++ {
		h := append([]byte(nil), tail.Hashes[i*mapHashLen:(i+1)*mapHashLen]...)
		r.haveMap[offset+i] = h
		r.byMapHash[string(h)] = offset + i
	}
	return nil
}

// HandlePart applies an inbound RESOURCE-context part (map hash(4) ||
// part bytes), assembling the transfer once every index is present.
func (r *Resource) HandlePart(wire []byte) (complete bool, err error) {
	if len(wire) < mapHashLen {
		return false, fmt.Errorf("resource: part shorter than map hash")
	}
	mapHash := wire[:mapHashLen]
	data := wire[mapHashLen:]

	r.mu.Lock()
	idx, ok := r.byMapHash[string(mapHash)]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("resource: part does not match any known hashmap entry")
	}
	if _, already := r.received[idx]; !already {
		r.received[idx] = append([]byte(nil), data...)
		r.growWindow()
	}
	delete(r.requestedAt, idx)
	r.lastActivity = time.Now()
	done := len(r.received) == r.total && r.total > 0
	onProgress := r.onProgress
	receivedCount, total := len(r.received), r.total
	r.mu.Unlock()

	if onProgress != nil {
		onProgress(receivedCount, total)
	}

	if !done {
		return false, nil
	}
	return true, r.assemble()
}

func (r *Resource) assemble() error {
	r.mu.Lock()
	buf := make([]byte, 0, sumLens(valuesInOrder(r.received, r.total)))
	for i := 0; i < r.total; i++ {
		buf = append(buf, r.received[i]...)
	}
	salt := r.Salt
	compressed := r.compressed
	link := r.link
	hash := r.Hash
	onComplete := r.onComplete
	r.mu.Unlock()

	fail := func(reason error) error {
		r.mu.Lock()
		r.Status = StatusFailed
		r.mu.Unlock()
		if onComplete != nil {
			onComplete(nil, false)
		}
		return reason
	}

	// Decrypt first (the link's own AES+HMAC envelope, §4.6), then strip
	// the salt prefix, then decompress: the reverse of Prepare's order.
	plaintext, ok := link.Decrypt(buf)
	if !ok {
		return fail(fmt.Errorf("resource: decrypt transfer failed"))
	}
	if len(plaintext) < saltLen {
		return fail(fmt.Errorf("resource: decrypted transfer shorter than salt prefix"))
	}
	payload := plaintext[saltLen:]

	final := payload
	if compressed {
		var err error
		final, err = decompress(payload)
		if err != nil {
			return fail(fmt.Errorf("resource: decompress transfer: %w", err))
		}
	}

	got := sha256.Sum256(append(append([]byte(nil), final...), salt[:]...))
	if got != hash {
		return fail(fmt.Errorf("resource: assembled transfer hash mismatch"))
	}

	r.mu.Lock()
	r.Status = StatusComplete
	r.mu.Unlock()
	link.UntrackIncoming(hash)

	if err := r.sendProof(final); err != nil {
		return err
	}
	if onComplete != nil {
		onComplete(final, true)
	}
	return nil
}

func valuesInOrder(m map[int][]byte, total int) [][]byte {
	out := make([][]byte, total)
	for i := 0; i < total; i++ {
		out[i] = m[i]
	}
	return out
}

// sendProof sends RESOURCE_PRF with proof = SHA-256(data || hash), per
// §4.6/§8, computed from the data this receiver just assembled.
func (r *Resource) sendProof(data []byte) error {
	r.mu.Lock()
	hash := r.Hash
	r.mu.Unlock()

	proof := sha256.Sum256(append(append([]byte(nil), data...), hash[:]...))
	payload := make([]byte, 0, 64)
	payload = append(payload, hash[:]...)
	payload = append(payload, proof[:]...)
	return r.link.SendRaw(packet.ContextResourcePrf, payload)
}

// HandleProof processes a RESOURCE_PRF on the sender side, confirming the
// receiver successfully assembled the transfer. The expected proof was
// fixed at prepare time (§4.6: expected_proof = SHA-256(data || hash)), so
// this is a direct comparison rather than a recomputation.
func (r *Resource) HandleProof(payload []byte) (bool, error) {
	if len(payload) != 64 {
		return false, fmt.Errorf("resource: malformed proof")
	}
	r.mu.Lock()
	hash := r.Hash
	expected := r.ExpectedProof
	r.mu.Unlock()
	if string(payload[:32]) != string(hash[:]) {
		return false, fmt.Errorf("resource: proof does not reference this transfer")
	}
	ok := string(expected[:]) == string(payload[32:])
	r.mu.Lock()
	if ok {
		r.Status = StatusComplete
	} else {
		r.Status = StatusFailed
	}
	r.mu.Unlock()
	r.link.UntrackOutgoing(hash)
	return ok, nil
}

// Cancel aborts the transfer from either side and notifies the peer.
func (r *Resource) Cancel() error {
	r.mu.Lock()
	hash := r.Hash
	outgoing := r.Outgoing
	r.Status = StatusCancelled
	r.mu.Unlock()

	context := uint8(packet.ContextResourceICL)
	if outgoing {
		context = packet.ContextResourceRCL
		r.link.UntrackOutgoing(hash)
	} else {
		r.link.UntrackIncoming(hash)
	}
	return r.link.SendEncrypted(context, hash[:])
}

// failureDeadlineLocked is an incoming resource's give-up point:
// (rtt*timeoutFactor + retryGraceTime) * maxRetries + senderGraceTime of
// silence since the last part arrived. NextDeadline reports no deadline
// for outgoing resources, so it is never applied on the sender side.
func (r *Resource) failureDeadlineLocked() time.Time {
	return r.lastActivity.Add(r.retryWindow() * maxRetries).Add(senderGraceTime)
}

// earliestRetryDeadlineLocked is the soonest time any currently-requested,
// still-missing part's retry window elapses, so the engine's timer wheel
// wakes this resource up to re-request it instead of waiting for the
// terminal failure deadline.
func (r *Resource) earliestRetryDeadlineLocked() (time.Time, bool) {
	var earliest time.Time
	found := false
	window := r.retryWindow()
	for idx, at := range r.requestedAt {
		if _, got := r.received[idx]; got {
			continue
		}
		d := at.Add(window)
		if !found || d.Before(earliest) {
			earliest = d
			found = true
		}
	}
	return earliest, found
}

// NextDeadline and OnDeadline let the owning engine drive retransmission
// and expiry from its timer wheel rather than a per-resource goroutine.
func (r *Resource) NextDeadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Outgoing || r.Status == StatusComplete || r.Status == StatusFailed || r.Status == StatusCancelled {
		return time.Time{}
	}
	deadline := r.failureDeadlineLocked()
	if retry, ok := r.earliestRetryDeadlineLocked(); ok && retry.Before(deadline) {
		return retry
	}
	return deadline
}

func (r *Resource) OnDeadline(now time.Time) {
	r.mu.Lock()
	transferring := !r.Outgoing && r.Status == StatusTransferring
	expired := transferring && now.After(r.failureDeadlineLocked())
	r.mu.Unlock()

	if expired {
		r.mu.Lock()
		r.Status = StatusFailed
		onComplete := r.onComplete
		r.mu.Unlock()
		r.link.UntrackIncoming(r.Hash)
		if onComplete != nil {
			onComplete(nil, false)
		}
		return
	}

	if transferring {
		_ = r.RequestMissing()
	}
}
