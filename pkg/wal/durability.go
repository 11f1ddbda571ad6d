package wal

import "time"

// DurabilityKind selects a log's fsync discipline.
type DurabilityKind int

const (
	// DurabilityNone performs no fsync; the OS may delay writes
	// arbitrarily. Fastest, but data may be lost on a crash.
	DurabilityNone DurabilityKind = iota
	// DurabilityBatched fsyncs on a background interval or after N
	// pending frames, whichever comes first.
	DurabilityBatched
	// DurabilityStrict fsyncs before Append returns for any frame that
	// is a commit frame; non-commit frames are queued but a following
	// commit frame forces the fsync, so ordering is preserved.
	DurabilityStrict
)

// DefaultBatchInterval is the default background fsync interval for
// DurabilityBatched.
const DefaultBatchInterval = 100 * time.Millisecond

// DefaultBatchMaxPending is the default frame count that forces an
// out-of-cycle fsync under DurabilityBatched.
const DefaultBatchMaxPending = 1000

// Durability configures a log's fsync discipline.
type Durability struct {
	Kind           DurabilityKind
	BatchInterval  time.Duration // DurabilityBatched only; 0 means DefaultBatchInterval
	BatchMaxPending int          // DurabilityBatched only; 0 means DefaultBatchMaxPending
}

func (d Durability) interval() time.Duration {
	if d.BatchInterval > 0 {
		return d.BatchInterval
	}
	return DefaultBatchInterval
}

func (d Durability) maxPending() int {
	if d.BatchMaxPending > 0 {
		return d.BatchMaxPending
	}
	return DefaultBatchMaxPending
}
