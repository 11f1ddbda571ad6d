package txn

import (
	"strings"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// ValidationResult carries the (possibly empty) ordered list of
// conflicts found while validating a transaction for commit. Aggregation
// is additive: every independent conflict is reported, not just the
// first.
type ValidationResult struct {
	Conflicts []kv.Conflict
}

func (r ValidationResult) OK() bool { return len(r.Conflicts) == 0 }

// HeadVersionSource is the minimal store surface validation needs: the
// current chain-head version of a key. The mvcc.Store satisfies this.
type HeadVersionSource interface {
	HeadVersion(k kv.Key) uint64
}

// CommittedJSONWrite describes one already-committed JSON patch that
// validation must check newly-buffered reads/writes against. The
// coordinator accumulates these per run between a transaction's
// start_version and the current commit attempt.
type CommittedJSONWrite struct {
	Key            kv.Key
	Path           string
	CommitVersion  uint64
	DocVersion     uint64
}

// Validate decides whether buffers may commit, using first-committer-wins
// based on read-sets (not write-sets), per the validation rules: read-set
// check, CAS check, no write-set check (blind writes never conflict),
// JSON path ancestor/descendant/equal overlap checks against
// concurrently committed writes, and the read-only shortcut.
func Validate(b Buffers, store HeadVersionSource, committedJSON []CommittedJSONWrite) ValidationResult {
	if isReadOnly(b) {
		return ValidationResult{}
	}

	var conflicts []kv.Conflict

	for enc, observed := range b.ReadSet {
		k := b.KeyByEncoded[enc]
		current := store.HeadVersion(k)
		if current != observed {
			conflicts = append(conflicts, kv.Conflict{
				Kind:            "read_write",
				Key:             k,
				ObservedVersion: observed,
				CurrentVersion:  current,
			})
		}
	}

	for enc, entry := range b.CASSet {
		k := b.KeyByEncoded[enc]
		current := store.HeadVersion(k)
		if current != entry.Expected {
			conflicts = append(conflicts, kv.Conflict{
				Kind:            "cas",
				Key:             k,
				ObservedVersion: entry.Expected,
				CurrentVersion:  current,
			})
		}
	}

	conflicts = append(conflicts, validateJSONReads(b.JSONReads, committedJSON)...)
	conflicts = append(conflicts, validateJSONWriteWrite(b.JSONWrites, committedJSON)...)
	conflicts = append(conflicts, validateJSONDocVersions(b.JSONWrites, store)...)

	return ValidationResult{Conflicts: conflicts}
}

func isReadOnly(b Buffers) bool {
	return len(b.WriteSet) == 0 && len(b.DeleteSet) == 0 && len(b.CASSet) == 0 && len(b.JSONWrites) == 0
}

// validateJSONReads reports a json_path conflict for every buffered
// path-read that overlaps (ancestor, descendant, or equal to) a
// concurrently committed write on the same key.
func validateJSONReads(reads []JSONRead, committed []CommittedJSONWrite) []kv.Conflict {
	var out []kv.Conflict
	for _, r := range reads {
		for _, w := range committed {
			if w.Key.Compare(r.Key) != 0 {
				continue
			}
			if pathsOverlap(r.Path, w.Path) {
				out = append(out, kv.Conflict{
					Kind: "json_path",
					Key:  r.Key,
					Path: r.Path,
				})
			}
		}
	}
	return out
}

// validateJSONWriteWrite reports a json_path conflict for every buffered
// JSON write that overlaps a concurrently committed write on the same
// key at the path level. These write-write overlaps carry the same Kind
// as the read-write overlaps above and are not reported as a
// ConstraintViolationError.
func validateJSONWriteWrite(writes []JSONWrite, committed []CommittedJSONWrite) []kv.Conflict {
	var out []kv.Conflict
	for _, w := range writes {
		for _, c := range committed {
			if w.Key.Compare(c.Key) != 0 {
				continue
			}
			if pathsOverlap(w.Path, c.Path) {
				out = append(out, kv.Conflict{
					Kind: "json_path",
					Key:  w.Key,
					Path: w.Path,
				})
			}
		}
	}
	return out
}

// validateJSONDocVersions reports a json_doc conflict when a buffered
// write's expected document version no longer matches the key's current
// chain-head version.
func validateJSONDocVersions(writes []JSONWrite, store HeadVersionSource) []kv.Conflict {
	var out []kv.Conflict
	for _, w := range writes {
		current := store.HeadVersion(w.Key)
		if current != w.ExpectedDocVer {
			out = append(out, kv.Conflict{
				Kind:            "json_doc",
				Key:             w.Key,
				ObservedVersion: w.ExpectedDocVer,
				CurrentVersion:  current,
				Path:            w.Path,
			})
		}
	}
	return out
}

// pathsOverlap reports whether a is an ancestor of, descendant of, or
// equal to b. Paths are slash-delimited, JSON-pointer-style segment
// sequences; the root path is "" or "/".
func pathsOverlap(a, b string) bool {
	sa := splitPath(a)
	sb := splitPath(b)
	n := len(sa)
	if len(sb) < n {
		n = len(sb)
	}
	for i := 0; i < n; i++ {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
