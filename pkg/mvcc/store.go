// Package mvcc implements the shared, sharded, in-memory key-value map
// with per-key version chains that every primitive (KV, JSON, events,
// state cells, runs, vectors) is built on. It has no notion of
// transactions or WAL; those live in pkg/txn and pkg/wal respectively.
// The linked version chain and newest-first traversal are the core
// data structure; storage is organized into shards keyed by the key's
// run namespace, and the global version counter is promoted to the
// coordinating primitive the rest of the core synchronizes on.
package mvcc

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

const defaultShardCount = 256

// Store is the concurrent, sharded MVCC map. Each shard owns its own
// lock, so readers and writers in different runs contend on the same
// mutex only when their namespaces hash to the same shard.
type Store struct {
	shards      []*shard
	shardMask   uint64
	globalVer   uint64 // atomic
	oldestVer   uint64 // atomic; floor below which HistoryTrimmed applies
}

type shard struct {
	mu   sync.RWMutex
	data map[string]*chain
}

// chain is the version history for one key, newest entry first.
type chain struct {
	entries []kv.VersionedValue
}

// NewStore creates a Store with the default shard count (a power of
// two, 256, matching the coordinator's lock striping).
func NewStore() *Store {
	return NewStoreShards(defaultShardCount)
}

// NewStoreShards creates a Store with an explicit shard count, which
// must be a power of two.
func NewStoreShards(shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	s := &Store{
		shards:    make([]*shard, shardCount),
		shardMask: uint64(shardCount - 1),
	}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]*chain)}
	}
	return s
}

func (s *Store) shardFor(k kv.Key) *shard {
	h := fnv.New64a()
	h.Write([]byte(k.Namespace))
	idx := h.Sum64() & s.shardMask
	return s.shards[idx]
}

// GlobalVersion returns the current global commit version.
func (s *Store) GlobalVersion() uint64 {
	return atomic.LoadUint64(&s.globalVer)
}

// AdvanceGlobalVersion raises the global version to max(current, v),
// the monotonic fetch-max used during replay/recovery.
func (s *Store) AdvanceGlobalVersion(v uint64) {
	for {
		cur := atomic.LoadUint64(&s.globalVer)
		if v <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&s.globalVer, cur, v) {
			return
		}
	}
}

// AllocateVersion atomically reserves and returns the next commit
// version, maintaining global-version monotonicity.
func (s *Store) AllocateVersion() uint64 {
	return atomic.AddUint64(&s.globalVer, 1)
}

// SetOldestVersion records the floor below which reads report
// HistoryTrimmed. Set by a retention policy external to the core.
func (s *Store) SetOldestVersion(v uint64) {
	atomic.StoreUint64(&s.oldestVer, v)
}

func (s *Store) oldestVersion() uint64 {
	return atomic.LoadUint64(&s.oldestVer)
}

// Get returns the latest non-tombstone version of k.
func (s *Store) Get(k kv.Key) (kv.VersionedValue, bool) {
	vv, ok, err := s.GetAtVersion(k, s.GlobalVersion())
	if err != nil {
		// The current global version is never older than the retention
		// floor in normal operation, so this only happens if a caller
		// raised the floor past the live version concurrently; treat it
		// the same as "not found" here since Get has no error return.
		return kv.VersionedValue{}, false
	}
	return vv, ok
}

// GetAtVersion returns the newest entry with Version <= v, or false if
// none exists or the newest such entry is a tombstone.
func (s *Store) GetAtVersion(k kv.Key, v uint64) (kv.VersionedValue, bool, error) {
	if oldest := s.oldestVersion(); oldest > 0 && v < oldest {
		return kv.VersionedValue{}, false, kv.HistoryTrimmedError{Key: k, RequestVersion: v, OldestVersion: oldest}
	}

	sh := s.shardFor(k)
	sh.mu.RLock()
	c, ok := sh.data[string(k.Encode())]
	sh.mu.RUnlock()
	if !ok {
		return kv.VersionedValue{}, false, nil
	}

	for _, e := range c.entries {
		if e.Version > v {
			continue
		}
		if e.Tombstone {
			return kv.VersionedValue{}, false, nil
		}
		return e, true, nil
	}
	return kv.VersionedValue{}, false, nil
}

// GetAtTimestamp applies the same newest-at-or-before rule against each
// entry's TimestampMicros field instead of Version.
func (s *Store) GetAtTimestamp(k kv.Key, t uint64) (kv.VersionedValue, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	c, ok := sh.data[string(k.Encode())]
	sh.mu.RUnlock()
	if !ok {
		return kv.VersionedValue{}, false
	}
	for _, e := range c.entries {
		if e.TimestampMicros > t {
			continue
		}
		if e.Tombstone {
			return kv.VersionedValue{}, false
		}
		return e, true
	}
	return kv.VersionedValue{}, false
}

// HeadVersion returns the chain-head version for k, or 0 if the key has
// never been written (including tombstones, which still carry a real
// version). This is what validation compares read-set/CAS observations
// against.
func (s *Store) HeadVersion(k kv.Key) uint64 {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.data[string(k.Encode())]
	if !ok || len(c.entries) == 0 {
		return 0
	}
	return c.entries[0].Version
}

// PutWithVersion appends a new live entry to k's chain at version v,
// requiring v to be strictly greater than the current chain head.
// On success the global version is advanced to max(global, v).
func (s *Store) PutWithVersion(k kv.Key, val kv.Value, v uint64, tsMicros uint64) error {
	return s.appendEntry(k, kv.VersionedValue{Value: val, Version: v, TimestampMicros: tsMicros})
}

// DeleteWithVersion appends a tombstone entry to k's chain at version v.
func (s *Store) DeleteWithVersion(k kv.Key, v uint64, tsMicros uint64) error {
	return s.appendEntry(k, kv.VersionedValue{Version: v, TimestampMicros: tsMicros, Tombstone: true})
}

func (s *Store) appendEntry(k kv.Key, entry kv.VersionedValue) error {
	sh := s.shardFor(k)
	keyStr := string(k.Encode())

	sh.mu.Lock()
	c, ok := sh.data[keyStr]
	if !ok {
		c = &chain{}
		sh.data[keyStr] = c
	}
	var head uint64
	if len(c.entries) > 0 {
		head = c.entries[0].Version
	}
	if entry.Version <= head {
		sh.mu.Unlock()
		return kv.VersionRegressionError{Key: k, AttemptedVer: entry.Version, CurrentHeadVer: head}
	}
	c.entries = append([]kv.VersionedValue{entry}, c.entries...)
	sh.mu.Unlock()

	s.AdvanceGlobalVersion(entry.Version)
	return nil
}

// BatchWrite describes one key's outcome within a single apply_batch
// call: either a live value or a tombstone.
type BatchWrite struct {
	Key       kv.Key
	Value     kv.Value
	Tombstone bool
}

// ApplyBatch atomically appends every write in the batch at
// commitVersion with a shared timestamp. "Atomically" here means every
// entry becomes visible to new readers together in program order; since
// each key's chain lock is acquired independently (sharded), there is a
// brief window where one key in the batch is visible before another —
// callers that need cross-key atomicity hold the per-run commit lock
// for the whole commit, which the coordinator does.
func (s *Store) ApplyBatch(writes []BatchWrite, commitVersion uint64, tsMicros uint64) error {
	for _, w := range writes {
		var err error
		if w.Tombstone {
			err = s.DeleteWithVersion(w.Key, commitVersion, tsMicros)
		} else {
			err = s.PutWithVersion(w.Key, w.Value, commitVersion, tsMicros)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ScanEntry is one result of a prefix scan.
type ScanEntry struct {
	Key   kv.Key
	Entry kv.VersionedValue
}

// ScanPrefix returns, in ascending key order, every key matching prefix
// whose visible entry at atVersion is a live (non-tombstone) value. The
// snapshot is collected eagerly under each shard's read lock in turn;
// the returned slice is a point-in-time materialization, not a live
// iterator, which keeps the lock hold times short and bounded.
func (s *Store) ScanPrefix(prefix kv.Prefix, atVersion uint64) []ScanEntry {
	rawPrefix := prefix.Encode()
	var out []ScanEntry

	for _, sh := range s.shards {
		sh.mu.RLock()
		for keyStr, c := range sh.data {
			if len(keyStr) < len(rawPrefix) || keyStr[:len(rawPrefix)] != string(rawPrefix) {
				continue
			}
			for _, e := range c.entries {
				if e.Version > atVersion {
					continue
				}
				if !e.Tombstone {
					out = append(out, ScanEntry{Key: decodeKey(keyStr), Entry: e})
				}
				break
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Compare(out[j].Key) < 0
	})
	return out
}

// ScanAll returns every live key visible at atVersion across every
// namespace, in ascending key order. Used by the snapshot writer, which
// must enumerate the whole store rather than one run's prefix.
func (s *Store) ScanAll(atVersion uint64) []ScanEntry {
	var out []ScanEntry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for keyStr, c := range sh.data {
			for _, e := range c.entries {
				if e.Version > atVersion {
					continue
				}
				if !e.Tombstone {
					out = append(out, ScanEntry{Key: decodeKey(keyStr), Entry: e})
				}
				break
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Compare(out[j].Key) < 0
	})
	return out
}

// decodeKey reconstructs a Key from its canonical encoding.
func decodeKey(encoded string) kv.Key {
	return kv.DecodeKey([]byte(encoded))
}

// GarbageCollect removes chain entries strictly older than minVersion,
// always keeping at least the newest entry per key. This is a mechanical
// primitive; the core never calls it automatically (retention policy is
// out of scope — see SPEC_FULL.md §6).
func (s *Store) GarbageCollect(minVersion uint64) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for keyStr, c := range sh.data {
			if len(c.entries) <= 1 {
				continue
			}
			kept := c.entries[:1]
			for _, e := range c.entries[1:] {
				if e.Version >= minVersion {
					kept = append(kept, e)
				}
			}
			c.entries = kept
			if len(c.entries) == 0 {
				delete(sh.data, keyStr)
			}
		}
		sh.mu.Unlock()
	}
}

// VersionCount returns the number of chain entries retained for k.
func (s *Store) VersionCount(k kv.Key) int {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.data[string(k.Encode())]
	if !ok {
		return 0
	}
	return len(c.entries)
}
