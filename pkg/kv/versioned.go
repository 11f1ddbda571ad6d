package kv

// VersionedValue is a single entry in a key's version chain: the value
// itself (meaningless when Tombstone is true), the commit version that
// produced it, the commit's wall-clock timestamp in microseconds, and
// whether this entry represents a delete. Version 0 is reserved to mean
// "does not exist" and is never assigned to a real entry.
type VersionedValue struct {
	Value           Value
	Version         uint64
	TimestampMicros uint64
	Tombstone       bool
}

// Exists reports whether this entry represents a live value (as opposed
// to a tombstone).
func (vv VersionedValue) Exists() bool {
	return vv.Version != 0 && !vv.Tombstone
}
