// Package replay reconstructs a read-only, point-in-time projection of
// a run's namespace from a snapshot and WAL pair, and compares two such
// projections. Neither operation touches the canonical store or
// persists anything; both are pure functions of their inputs: rebuild
// state by replaying a log from a checkpoint, but as a one-shot,
// throwaway rebuild rather than live tailing.
package replay

import (
	"sort"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
	"github.com/strata-systems/strata-core-sub002/pkg/recovery"
)

// Entry is one live key in a View.
type Entry struct {
	Key   kv.Key
	Value kv.VersionedValue
}

// View is a run's observable state at its final recovered commit
// version: an in-memory, read-only snapshot of one run's namespace.
type View struct {
	RunID   string
	Version uint64
	Entries []Entry
}

// Replay rebuilds a throwaway store from snapshotDir and walDir (never
// the canonical, in-process one) and projects runID's namespace from
// it. Calling it twice with the same directories and run id yields an
// identical View.
func Replay(walDir, snapshotDir, runID string) (View, error) {
	store := mvcc.NewStore()
	result, err := recovery.Run(walDir, snapshotDir, store, nil, nil, nil)
	if err != nil {
		return View{}, err
	}
	return ViewFromStore(store, runID, result.GlobalVersion), nil
}

// ViewFromStore projects runID's namespace directly out of an
// already-populated store, for callers (the facade's replay operation)
// that already hold a recovered store and don't want to rebuild one.
func ViewFromStore(store *mvcc.Store, runID string, atVersion uint64) View {
	scanned := store.ScanPrefix(kv.RunPrefix(runID), atVersion)
	entries := make([]Entry, len(scanned))
	for i, se := range scanned {
		entries[i] = Entry{Key: se.Key, Value: se.Entry}
	}
	return View{RunID: runID, Version: atVersion, Entries: entries}
}

// Diff is the structural difference between two Views: keys present
// only on one side, and keys present on both sides with a different
// value or version.
type Diff struct {
	Added    []Entry
	Removed  []Entry
	Modified []ModifiedEntry
}

// ModifiedEntry is a key present in both views with differing values.
type ModifiedEntry struct {
	Key   kv.Key
	Left  kv.VersionedValue
	Right kv.VersionedValue
}

// Compare returns the structural diff from a to b. Comparing b to a
// yields the same sets with Added and Removed swapped and Left/Right
// swapped within Modified — Diff is symmetric up to which side is
// labeled "a".
func Compare(a, b View) Diff {
	left := indexByKey(a.Entries)
	right := indexByKey(b.Entries)

	var d Diff
	for _, k := range sortedKeys(left) {
		le := left[k]
		if re, ok := right[k]; ok {
			if !sameValue(le.Value, re.Value) {
				d.Modified = append(d.Modified, ModifiedEntry{Key: le.Key, Left: le.Value, Right: re.Value})
			}
		} else {
			d.Removed = append(d.Removed, le)
		}
	}
	for _, k := range sortedKeys(right) {
		if _, ok := left[k]; !ok {
			d.Added = append(d.Added, right[k])
		}
	}
	return d
}

// indexByKey keys entries by type tag and user key, leaving out the
// namespace, so that views of two different runs line up key by key.
func indexByKey(entries []Entry) map[string]Entry {
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[string([]byte{byte(e.Key.Tag)})+string(e.Key.UserKey)] = e
	}
	return out
}

func sortedKeys(m map[string]Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameValue(a, b kv.VersionedValue) bool {
	if a.Version != b.Version || a.Tombstone != b.Tombstone {
		return false
	}
	return string(kv.EncodeCanonical(a.Value)) == string(kv.EncodeCanonical(b.Value))
}
