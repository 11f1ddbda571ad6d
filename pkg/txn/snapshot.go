// Package txn implements the per-transaction buffered context: the
// read/write/delete/CAS/JSON-path buffers a caller accumulates before
// commit, and the snapshot handle those buffered reads are served
// against. Split out of the store package so the MVCC store stays a
// pure data structure and this package owns only the per-caller
// accumulation logic.
package txn

import (
	"sort"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
)

// Snapshot is the immutable view a transaction reads against, pinned at
// its begin-time version. Two realizations satisfy this interface: a
// CopySnapshot and a VersionedSnapshot. The rest of the core depends
// only on this interface, never on which realization the coordinator
// chose.
type Snapshot interface {
	Version() uint64
	Get(k kv.Key) (kv.VersionedValue, bool)
	ScanPrefix(p kv.Prefix) []mvcc.ScanEntry
}

// VersionedSnapshot is a zero-copy handle that routes every read through
// the live store at a pinned version. This is the coordinator's
// preferred realization.
type VersionedSnapshot struct {
	store   *mvcc.Store
	version uint64
}

// NewVersionedSnapshot pins a snapshot at the store's current global
// version.
func NewVersionedSnapshot(store *mvcc.Store) *VersionedSnapshot {
	return &VersionedSnapshot{store: store, version: store.GlobalVersion()}
}

func (s *VersionedSnapshot) Version() uint64 { return s.version }

func (s *VersionedSnapshot) Get(k kv.Key) (kv.VersionedValue, bool) {
	vv, ok, err := s.store.GetAtVersion(k, s.version)
	if err != nil {
		return kv.VersionedValue{}, false
	}
	return vv, ok
}

func (s *VersionedSnapshot) ScanPrefix(p kv.Prefix) []mvcc.ScanEntry {
	return s.store.ScanPrefix(p, s.version)
}

// CopySnapshot is an eager deep clone of a run's namespace taken at
// begin-time. It trades up-front scan cost for reads that never touch
// the live store again, which suits small, bounded working sets.
type CopySnapshot struct {
	version uint64
	entries map[string]mvcc.ScanEntry
}

// NewCopySnapshot clones every entry under runNamespace visible at the
// store's current version.
func NewCopySnapshot(store *mvcc.Store, runNamespace string) *CopySnapshot {
	version := store.GlobalVersion()
	scanned := store.ScanPrefix(kv.RunPrefix(runNamespace), version)
	entries := make(map[string]mvcc.ScanEntry, len(scanned))
	for _, e := range scanned {
		entries[string(e.Key.Encode())] = e
	}
	return &CopySnapshot{version: version, entries: entries}
}

func (s *CopySnapshot) Version() uint64 { return s.version }

func (s *CopySnapshot) Get(k kv.Key) (kv.VersionedValue, bool) {
	e, ok := s.entries[string(k.Encode())]
	if !ok {
		return kv.VersionedValue{}, false
	}
	return e.Entry, true
}

func (s *CopySnapshot) ScanPrefix(p kv.Prefix) []mvcc.ScanEntry {
	rawPrefix := p.Encode()
	var out []mvcc.ScanEntry
	for encoded, e := range s.entries {
		if len(encoded) < len(rawPrefix) || encoded[:len(rawPrefix)] != string(rawPrefix) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Compare(out[j].Key) < 0
	})
	return out
}
