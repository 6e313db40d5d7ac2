// Package resource implements the Reticulum Resource: chunked, windowed,
// optionally compressed transfer of payloads larger than a single link
// MDU, built on top of an already-established Link.
package resource

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/hexlattice/reticulum/packet"
	"github.com/hexlattice/reticulum/rnscrypto"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxEfficientSize is the largest payload transferred as a single
// resource before it is split into segments, each its own resource.
const MaxEfficientSize = 16 * 1024 * 1024

const (
	saltLen    = 4
	mapHashLen = 4 // first 4 bytes of SHA-256(part || salt), per §4.6/glossary

	windowMin     = 1
	windowDefault = 4
	windowMax     = 10

	// advertisementHashmapChunk is the largest initial hashmap slice carried
	// in a single RESOURCE_ADV; a larger hashmap is delivered in further
	// RESOURCE_HMU slices of the same size.
	advertisementHashmapChunk = 73

	// collisionGuardSize bounds how far back map-hash collisions are
	// checked for during preparation (§4.6, §7 "hashmap collision detected
	// during preparation -> retried with a fresh salt").
	collisionGuardSize = 4096

	// maxSaltRetries is how many fresh salts are tried before preparation
	// gives up on a resource whose part hashes keep colliding (§7: "more
	// than a few retries aborts the resource").
	maxSaltRetries = 8
)

// LinkSender is the narrow surface Resource needs from its owning Link.
// Defined here (not in package link) so resource never imports link,
// breaking what would otherwise be a Link<->Resource reference cycle.
type LinkSender interface {
	SendEncrypted(context uint8, payload []byte) error
	SendRaw(context uint8, payload []byte) error
	MDU() int
	RTT() time.Duration
	TrackOutgoing(hash [32]byte)
	UntrackOutgoing(hash [32]byte)
	TrackIncoming(hash [32]byte)
	UntrackIncoming(hash [32]byte)

	// Encrypt and Decrypt expose the link's own AES+HMAC envelope, the key
	// a resource transfer is bulk-encrypted under (§4.6): a resource never
	// derives its own key, it rides the link's.
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, bool)
}

// Status is a Resource's progress.
type Status uint8

const (
	StatusAdvertised Status = iota
	StatusTransferring
	StatusAssembling
	StatusComplete
	StatusFailed
	StatusCancelled
)

// advertisement is the msgpack-encoded control message a sender transmits
// before pushing resource parts, and a receiver uses to size its
// reception buffer and initial hashmap.
type advertisement struct {
	T int    `msgpack:"t"`           // transfer size (post compression)
	O int    `msgpack:"o"`           // original size (pre compression)
	D bool   `msgpack:"d"`           // payload is bzip2-compressed
	N int    `msgpack:"n"`           // part count
	H []byte `msgpack:"h"`           // resource hash, sha256(original data || salt)
	R []byte `msgpack:"r"`           // 4-byte random salt for this transfer's hashmap
	I []byte `msgpack:"i,omitempty"` // initial hashmap chunk, N*mapHashLen bytes (or fewer)
	L int    `msgpack:"l,omitempty"` // segment index, when segmented
	F int    `msgpack:"f,omitempty"` // total segment count, when segmented
	G []byte `msgpack:"g,omitempty"` // original hash shared by every segment of a split transfer
	M []byte `msgpack:"m,omitempty"` // optional application metadata (e.g. a filename)
}

// hmuTail is the msgpack-encoded portion of a RESOURCE_HMU that follows
// the raw 32-byte resource hash: the resource's own segment index (for
// segmented transfers) and a further slice of the hashmap.
type hmuTail struct {
	SegmentIndex int    `msgpack:"i"`
	Hashes       []byte `msgpack:"m"`
}

// Resource tracks one transfer, either outbound (this side prepared and is
// serving parts) or inbound (this side is assembling parts into a buffer).
type Resource struct {
	mu sync.Mutex

	Hash          [32]byte
	Salt          [4]byte
	ExpectedProof [32]byte // sha256(data || Hash), computed once at prepare time
	Outgoing      bool
	Status        Status
	Metadata      []byte
	compressed    bool

	link LinkSender

	// outgoing state
	parts      [][]byte
	partHashes [][]byte
	hashIndex  map[string]int // map hash -> part index, mirrors byMapHash for the sender side
	sentParts  map[int]bool

	// segmentation: set when this Resource is one of several independent
	// transfers sharing a common OriginalHash (§4.6 Segmentation).
	OriginalHash  [32]byte
	SegmentIndex  int
	TotalSegments int

	// incoming state
	total      int
	originSize int
	received   map[int][]byte
	byMapHash  map[string]int
	haveMap    [][]byte // hashmap entries learned so far, index -> map hash

	lastActivity time.Time
	deadline     time.Time
	requestedAt  map[int]time.Time

	// window is the number of parts requested per RESOURCE_REQ round: it
	// grows by one (up to windowMax) each time a new part arrives, whatever
	// its timing, and shrinks by one (down to windowMin) whenever a
	// requested part times out.
	window int

	onProgress func(sent, total int)
	onComplete func(data []byte, ok bool)
}

// Prepare compresses (if it helps), salts and encrypts the payload under
// the owning link's own AES+HMAC envelope, then splits it into parts sized
// to the link's MDU. A fresh random salt is drawn per transfer so repeated
// transfers of identical data never produce identical hashmaps. Payloads
// above MaxEfficientSize are rejected here; use PrepareSegments for those.
func Prepare(link LinkSender, data []byte, metadata []byte) (*Resource, error) {
	if len(data) > MaxEfficientSize {
		return nil, fmt.Errorf("resource: payload of %d bytes exceeds max efficient size %d; use PrepareSegments", len(data), MaxEfficientSize)
	}
	return prepareOne(link, data, metadata, [32]byte{}, 0, 1)
}

// PrepareSegments splits data larger than MaxEfficientSize into
// consecutive, independently-transferred Resources sharing a common
// OriginalHash, per §4.6 Segmentation. Every segment's advertisement,
// not only the first one's, carries its SegmentIndex, TotalSegments and
// the shared OriginalHash; the caller is expected to
// advertise segments one at a time, starting the next only once the
// previous segment's RESOURCE_PRF has arrived.
func PrepareSegments(link LinkSender, data []byte, metadata []byte) ([]*Resource, error) {
	if len(data) <= MaxEfficientSize {
		r, err := Prepare(link, data, metadata)
		if err != nil {
			return nil, err
		}
		return []*Resource{r}, nil
	}

	originalHash := sha256.Sum256(data)
	total := (len(data) + MaxEfficientSize - 1) / MaxEfficientSize

	segments := make([]*Resource, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxEfficientSize
		end := start + MaxEfficientSize
		if end > len(data) {
			end = len(data)
		}
		var segMeta []byte
		if i == 0 {
			segMeta = metadata
		}
		r, err := prepareOne(link, data[start:end], segMeta, originalHash, i, total)
		if err != nil {
			return nil, fmt.Errorf("resource: prepare segment %d/%d: %w", i+1, total, err)
		}
		segments = append(segments, r)
	}
	return segments, nil
}

func prepareOne(link LinkSender, data []byte, metadata []byte, originalHash [32]byte, segIndex, totalSegments int) (*Resource, error) {
	payload, compressed := compress(data)

	mdu := link.MDU()
	if mdu <= mapHashLen {
		return nil, fmt.Errorf("resource: link mdu %d too small to carry resource parts", mdu)
	}
	partSize := mdu - mapHashLen

	var salt [4]byte
	var envelope []byte
	var parts [][]byte
	var partHashes [][]byte

	for attempt := 0; ; attempt++ {
		if attempt >= maxSaltRetries {
			return nil, fmt.Errorf("resource: map hash collisions persisted after %d salt retries", maxSaltRetries)
		}
		if _, err := rand.Read(salt[:]); err != nil {
			return nil, fmt.Errorf("resource: generate salt: %w", err)
		}

		// Prepend the salt to the payload before encrypting (§4.6 step 2),
		// so a receiver can strip it back off once the stream is decrypted.
		salted := make([]byte, 0, saltLen+len(payload))
		salted = append(salted, salt[:]...)
		salted = append(salted, payload...)

		var err error
		envelope, err = link.Encrypt(salted)
		if err != nil {
			return nil, fmt.Errorf("resource: encrypt transfer: %w", err)
		}

		parts = nil
		partHashes = nil
		for off := 0; off < len(envelope); off += partSize {
			end := off + partSize
			if end > len(envelope) {
				end = len(envelope)
			}
			part := append([]byte(nil), envelope[off:end]...)
			parts = append(parts, part)
			partHashes = append(partHashes, mapHashOf(salt, part))
		}
		if len(parts) == 0 {
			parts = [][]byte{{}}
			partHashes = [][]byte{mapHashOf(salt, nil)}
		}

		if !hasCollisionWithinGuard(partHashes, collisionGuardSize) {
			break
		}
		// Map-hash collision within the guard window: restart with a fresh
		// salt (§4.6, §7).
	}

	hash := sha256.Sum256(append(append([]byte(nil), data...), salt[:]...))
	expectedProof := sha256.Sum256(append(append([]byte(nil), data...), hash[:]...))

	hashIndex := make(map[string]int, len(partHashes))
	for i, h := range partHashes {
		hashIndex[string(h)] = i
	}

	r := &Resource{
		Hash:          hash,
		ExpectedProof: expectedProof,
		Salt:          salt,
		Outgoing:      true,
		Status:        StatusAdvertised,
		Metadata:      metadata,
		compressed:    compressed,
		link:          link,
		parts:         parts,
		partHashes:    partHashes,
		hashIndex:     hashIndex,
		sentParts:     make(map[int]bool),
		requestedAt:   make(map[int]time.Time),
	}
	r.originSize = len(data)
	r.OriginalHash = originalHash
	r.SegmentIndex = segIndex
	r.TotalSegments = totalSegments
	link.TrackOutgoing(r.Hash)
	return r, nil
}

// mapHashOf derives the identifier a receiver uses to recognize a given
// part: the first 4 bytes of SHA-256(part || salt), per §4.6/glossary.
func mapHashOf(salt [4]byte, part []byte) []byte {
	buf := make([]byte, 0, len(part)+4)
	buf = append(buf, part...)
	buf = append(buf, salt[:]...)
	full := rnscrypto.FullHash(buf)
	return append([]byte(nil), full[:mapHashLen]...)
}

// hasCollisionWithinGuard reports whether any two of the last guard
// entries of hashes share the same map hash, per §4.6's "rolling window
// of COLLISION_GUARD_SIZE entries" collision check.
func hasCollisionWithinGuard(hashes [][]byte, guard int) bool {
	start := 0
	if len(hashes) > guard {
		start = len(hashes) - guard
	}
	seen := make(map[string]bool, len(hashes)-start)
	for _, h := range hashes[start:] {
		key := string(h)
		if seen[key] {
			return true
		}
		seen[key] = true
	}
	return false
}

func compress(data []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 6})
	if err != nil {
		return data, false
	}
	if _, err := w.Write(data); err != nil {
		return data, false
	}
	if err := w.Close(); err != nil {
		return data, false
	}
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

func decompress(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("resource: open bzip2 reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Advertise sends the RESOURCE_ADV control packet, including an initial
// chunk of at most advertisementHashmapChunk hashmap entries. The chunk
// size is fixed; it is not adjusted to the link MDU.
func (r *Resource) Advertise() error {
	r.mu.Lock()
	initialChunk := r.initialHashmapChunkLocked()
	adv := advertisement{
		T: sumLens(r.parts),
		O: r.originSize,
		D: r.compressed,
		N: len(r.parts),
		H: r.Hash[:],
		R: r.Salt[:],
		I: initialChunk,
		M: r.Metadata,
	}
	if r.TotalSegments > 1 {
		adv.L = r.SegmentIndex
		adv.F = r.TotalSegments
		adv.G = r.OriginalHash[:]
	}
	r.Status = StatusTransferring
	r.mu.Unlock()

	encoded, err := msgpack.Marshal(&adv)
	if err != nil {
		return fmt.Errorf("resource: encode advertisement: %w", err)
	}
	return r.link.SendEncrypted(packet.ContextResourceAdv, encoded)
}

func (r *Resource) initialHashmapChunkLocked() []byte {
	n := len(r.partHashes)
	if n > advertisementHashmapChunk {
		n = advertisementHashmapChunk
	}
	buf := make([]byte, 0, n*mapHashLen)
	for i := 0; i < n; i++ {
		buf = append(buf, r.partHashes[i]...)
	}
	return buf
}

// SetProgressCallback registers cb to fire whenever parts arrive (incoming
// transfers) or are served (outgoing transfers), reporting parts done
// against the total part count.
func (r *Resource) SetProgressCallback(cb func(done, total int)) {
	r.mu.Lock()
	r.onProgress = cb
	r.mu.Unlock()
}

func sumLens(parts [][]byte) int {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	return total
}
