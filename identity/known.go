package identity

import (
	"encoding/hex"
	"sync"
	"time"
)

// Record is a remembered announce: first-seen timestamp, the announce
// packet's hash, the announcing identity's public key and its app_data.
type Record struct {
	FirstSeen time.Time
	PacketHash [32]byte
	PublicKey  [PublicKeyLen]byte
	AppData    []byte
}

// KnownDestinations is the arena-owned table of destination hash -> Record,
// replacing Identity.known_destinations' original process-wide global
// state (see design notes: a single Engine value owns all tables).
type KnownDestinations struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewKnownDestinations creates an empty table.
func NewKnownDestinations() *KnownDestinations {
	return &KnownDestinations{records: make(map[string]Record)}
}

// Remember stores or idempotently refreshes an announce record. Replaying
// the same announce does not change the stored record's first-seen time
// once set.
func (k *KnownDestinations) Remember(packetHash [32]byte, destinationHash []byte, publicKey [PublicKeyLen]byte, appData []byte) {
	key := hex.EncodeToString(destinationHash)

	k.mu.Lock()
	defer k.mu.Unlock()
	existing, ok := k.records[key]
	firstSeen := time.Now()
	if ok {
		firstSeen = existing.FirstSeen
	}
	k.records[key] = Record{
		FirstSeen:  firstSeen,
		PacketHash: packetHash,
		PublicKey:  publicKey,
		AppData:    appData,
	}
}

// Recall returns the public-only Identity and Record for a destination
// hash, or signals absence with ok=false.
func (k *KnownDestinations) Recall(destinationHash []byte) (*Identity, Record, bool) {
	key := hex.EncodeToString(destinationHash)

	k.mu.Lock()
	rec, ok := k.records[key]
	k.mu.Unlock()
	if !ok {
		return nil, Record{}, false
	}

	id, err := FromPublicBytes(rec.PublicKey)
	if err != nil {
		return nil, Record{}, false
	}
	return id, rec, true
}

// Entry pairs a destination hash with its remembered Record, the shape
// the engine persists known_destinations as.
type Entry struct {
	DestinationHash []byte
	Record          Record
}

// Snapshot returns every remembered entry, for persistence.
func (k *KnownDestinations) Snapshot() []Entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Entry, 0, len(k.records))
	for key, rec := range k.records {
		hash, err := hex.DecodeString(key)
		if err != nil {
			continue
		}
		out = append(out, Entry{DestinationHash: hash, Record: rec})
	}
	return out
}

// Restore loads a previously-snapshotted entry back into the table
// without disturbing its original FirstSeen time.
func (k *KnownDestinations) Restore(e Entry) {
	key := hex.EncodeToString(e.DestinationHash)
	k.mu.Lock()
	k.records[key] = e.Record
	k.mu.Unlock()
}
