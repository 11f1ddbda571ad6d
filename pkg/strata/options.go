package strata

import (
	"log"

	"github.com/strata-systems/strata-core-sub002/pkg/wal"
)

// PersistenceMode selects whether a Db's state survives a process
// restart.
type PersistenceMode int

const (
	// Disk persists the WAL and snapshots under Options.Dir.
	Disk PersistenceMode = iota
	// EphemeralMode keeps no files a caller can observe: the WAL and
	// snapshot directories live under a process-scoped temp directory
	// removed on Shutdown, and recovery is always a no-op since nothing
	// from a prior process is ever there to find.
	EphemeralMode
)

// DefaultSnapshotRetain is how many snapshot files Checkpoint keeps
// once none is specified.
const DefaultSnapshotRetain = 3

// Options configures Open. The zero value is not usable directly — use
// DefaultOptions or Ephemeral() instead.
type Options struct {
	Dir            string // required when Persistence == Disk
	Durability     wal.Durability
	Persistence    PersistenceMode
	SnapshotRetain int // 0 means DefaultSnapshotRetain
	Logger         *log.Logger
}

// DefaultOptions returns Disk-persisted options over dir with strict
// durability: one constructor that fills in every field a caller would
// otherwise have to repeat.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:            dir,
		Durability:     wal.Durability{Kind: wal.DurabilityStrict},
		Persistence:    Disk,
		SnapshotRetain: DefaultSnapshotRetain,
	}
}

func (o Options) snapshotRetain() int {
	if o.SnapshotRetain > 0 {
		return o.SnapshotRetain
	}
	return DefaultSnapshotRetain
}
