package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hexlattice/reticulum/identity"
)

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// knownDestinationsFile and packetHashlistFile are the two files an Engine
// persists under its configuration directory, per §6's persisted state
// layout.
const (
	knownDestinationsFile = "known_destinations"
	packetHashlistFile    = "packet_hashlist"
)

// persistedEntry is the on-disk shape of one known_destinations record:
// destination hash -> [first_seen, packet_hash, public_key, app_data].
type persistedEntry struct {
	DestinationHash []byte `msgpack:"d"`
	FirstSeen       int64  `msgpack:"t"`
	PacketHash      []byte `msgpack:"h"`
	PublicKey       []byte `msgpack:"p"`
	AppData         []byte `msgpack:"a"`
}

// Save writes known_destinations and packet_hashlist under dir, creating
// it (mode 0700) if necessary: plain files under an explicit directory,
// no embedded database.
func (e *Engine) Save(dir string) error {
	if dir == "" {
		return fmt.Errorf("transport: save requires a directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("transport: create state dir: %w", err)
	}

	if err := e.saveKnownDestinations(dir); err != nil {
		return err
	}
	return e.savePacketHashlist(dir)
}

func (e *Engine) saveKnownDestinations(dir string) error {
	snapshot := e.known.Snapshot()
	entries := make([]persistedEntry, 0, len(snapshot))
	for _, s := range snapshot {
		entries = append(entries, persistedEntry{
			DestinationHash: s.DestinationHash,
			FirstSeen:       s.Record.FirstSeen.Unix(),
			PacketHash:      append([]byte(nil), s.Record.PacketHash[:]...),
			PublicKey:       append([]byte(nil), s.Record.PublicKey[:]...),
			AppData:         s.Record.AppData,
		})
	}
	encoded, err := msgpack.Marshal(entries)
	if err != nil {
		return fmt.Errorf("transport: encode known_destinations: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, knownDestinationsFile), encoded, 0600); err != nil {
		return fmt.Errorf("transport: write known_destinations: %w", err)
	}
	return nil
}

func (e *Engine) savePacketHashlist(dir string) error {
	e.mu.Lock()
	hashes := e.dedup.Keys()
	e.mu.Unlock()

	encoded, err := msgpack.Marshal(hashes)
	if err != nil {
		return fmt.Errorf("transport: encode packet_hashlist: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, packetHashlistFile), encoded, 0600); err != nil {
		return fmt.Errorf("transport: write packet_hashlist: %w", err)
	}
	return nil
}

// Load restores known_destinations and packet_hashlist from dir. Missing
// files are not an error: a fresh Engine simply starts with empty tables.
func (e *Engine) Load(dir string) error {
	if dir == "" {
		return fmt.Errorf("transport: load requires a directory")
	}
	if err := e.loadKnownDestinations(dir); err != nil {
		return err
	}
	return e.loadPacketHashlist(dir)
}

func (e *Engine) loadKnownDestinations(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, knownDestinationsFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transport: read known_destinations: %w", err)
	}
	var entries []persistedEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("transport: decode known_destinations: %w", err)
	}
	for _, pe := range entries {
		if len(pe.PublicKey) != identity.PublicKeyLen || len(pe.PacketHash) != 32 {
			continue
		}
		var rec identity.Record
		rec.FirstSeen = unixTime(pe.FirstSeen)
		copy(rec.PacketHash[:], pe.PacketHash)
		copy(rec.PublicKey[:], pe.PublicKey)
		rec.AppData = pe.AppData
		e.known.Restore(identity.Entry{DestinationHash: pe.DestinationHash, Record: rec})
	}
	return nil
}

func (e *Engine) loadPacketHashlist(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, packetHashlistFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transport: read packet_hashlist: %w", err)
	}
	var hashes []string
	if err := msgpack.Unmarshal(data, &hashes); err != nil {
		return fmt.Errorf("transport: decode packet_hashlist: %w", err)
	}
	e.mu.Lock()
	for _, h := range hashes {
		e.dedup.Add(h, struct{}{})
	}
	e.mu.Unlock()
	return nil
}
