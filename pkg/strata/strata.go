// Package strata is the public facade: a single Db type wiring together
// the MVCC store, the write-ahead log, the commit coordinator, the run
// registry, and boot-time recovery into the operations a caller
// actually needs (open/close, transactions, run lifecycle, replay).
package strata

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strata-systems/strata-core-sub002/pkg/coordinator"
	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
	"github.com/strata-systems/strata-core-sub002/pkg/observer"
	"github.com/strata-systems/strata-core-sub002/pkg/recovery"
	"github.com/strata-systems/strata-core-sub002/pkg/replay"
	"github.com/strata-systems/strata-core-sub002/pkg/runs"
	"github.com/strata-systems/strata-core-sub002/pkg/snapshot"
	"github.com/strata-systems/strata-core-sub002/pkg/txn"
	"github.com/strata-systems/strata-core-sub002/pkg/wal"
)

// Db is an open database: one store, one WAL, one coordinator, one run
// registry.
type Db struct {
	opts Options

	store    *mvcc.Store
	log      *wal.Log
	coord    *coordinator.Coordinator
	registry *runs.Registry

	walDir, snapshotDir string
	dbUUID              string
	ephemeralRoot       string // nonempty for Ephemeral; removed on Shutdown

	accepting  int32 // atomic bool: 1 while new Begin calls are allowed
	inFlight   sync.WaitGroup
	closeOnce  sync.Once

	commits   int64 // atomic
	conflicts int64 // atomic

	logger *log.Logger
}

// Open opens (and, if needed, recovers) a database under opts.
func Open(opts Options) (*Db, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	db := &Db{opts: opts, logger: logger}

	switch opts.Persistence {
	case EphemeralMode:
		root, err := os.MkdirTemp("", "strata-ephemeral-*")
		if err != nil {
			return nil, kv.IOError{Op: "mkdir_temp", Path: root, Err: err}
		}
		db.ephemeralRoot = root
		db.walDir = filepath.Join(root, "wal")
		db.snapshotDir = filepath.Join(root, "snapshots")
	default:
		db.walDir = filepath.Join(opts.Dir, "wal")
		db.snapshotDir = filepath.Join(opts.Dir, "snapshots")
	}

	if err := os.MkdirAll(db.walDir, 0o755); err != nil {
		return nil, kv.IOError{Op: "mkdir", Path: db.walDir, Err: err}
	}
	if err := os.MkdirAll(db.snapshotDir, 0o755); err != nil {
		return nil, kv.IOError{Op: "mkdir", Path: db.snapshotDir, Err: err}
	}

	manifest, err := snapshot.ReadManifest(db.snapshotDir, "")
	if err != nil {
		return nil, err
	}
	db.dbUUID = manifest.DBUUID
	if db.dbUUID == "" {
		db.dbUUID = uuid.NewString()
	}

	db.store = mvcc.NewStore()
	db.registry = runs.NewRegistry()

	result, err := recovery.Run(db.walDir, db.snapshotDir, db.store, db.registry, nil, logger)
	if err != nil {
		return nil, err
	}
	logger.Printf("strata: recovered %d commits (%d discarded, %d corrupted gaps), next_txn_id=%d",
		result.AppliedCommits, result.DiscardedTxns, result.CorruptedGaps, result.NextTxnID)

	walLog, err := wal.Open(db.walDir, opts.Durability)
	if err != nil {
		return nil, err
	}
	db.log = walLog

	db.coord = coordinator.New(db.store, db.log, logger)
	db.coord.SealTxnIDs(result.NextTxnID)

	atomic.StoreInt32(&db.accepting, 1)
	return db, nil
}

// Ephemeral opens an in-process-only database: no durable state
// survives the process, equivalent to Open with Persistence: EphemeralMode
// and no fsync discipline.
func Ephemeral() (*Db, error) {
	return Open(Options{Persistence: EphemeralMode, Durability: wal.Durability{Kind: wal.DurabilityNone}})
}

// Subscribe registers a write observer; see pkg/observer for delivery
// guarantees.
func (db *Db) Subscribe(o observer.WriteObserver) {
	db.coord.Subscribe(o)
}

// Begin opens a new transaction against the current version, or
// ShutdownError if the database is no longer accepting transactions.
func (db *Db) Begin(runID string) (*txn.Txn, error) {
	if atomic.LoadInt32(&db.accepting) == 0 {
		return nil, kv.ShutdownError{}
	}
	db.inFlight.Add(1)
	return db.coord.Begin(runID), nil
}

// Commit runs the commit protocol for t. The caller must have obtained
// t from this Db's Begin.
func (db *Db) Commit(t *txn.Txn) (uint64, error) {
	defer db.inFlight.Done()
	return db.countCommit(db.coord.Commit(t))
}

// countCommit bumps the commit or conflict counter for one commit
// attempt and passes its result through.
func (db *Db) countCommit(v uint64, err error) (uint64, error) {
	if err != nil {
		if _, ok := err.(kv.ConflictError); ok {
			atomic.AddInt64(&db.conflicts, 1)
		}
		return 0, err
	}
	atomic.AddInt64(&db.commits, 1)
	return v, nil
}

// errAbortedByCaller is the AbortReason recorded for a transaction the
// caller chose to discard rather than commit.
type errAbortedByCaller struct{}

func (errAbortedByCaller) Error() string { return "transaction aborted by caller" }

// Abort discards t without applying any of its buffered writes. Safe to
// call on a transaction that was never committed.
func (db *Db) Abort(t *txn.Txn) {
	defer db.inFlight.Done()
	t.MarkAborted(errAbortedByCaller{})
}

// Put, Delete, Get, CAS, and ScanPrefix are direct single-key/prefix
// sugar, each a one-operation transaction through the same commit
// protocol.

func (db *Db) Put(runID string, k kv.Key, v kv.Value) (uint64, error) {
	return db.countCommit(db.coord.Put(runID, k, v))
}

func (db *Db) Delete(runID string, k kv.Key) (uint64, error) {
	return db.countCommit(db.coord.Delete(runID, k))
}

func (db *Db) Get(runID string, k kv.Key) (kv.Value, bool, error) {
	return db.coord.Get(runID, k)
}

func (db *Db) CAS(runID string, k kv.Key, expectedVersion uint64, v kv.Value) (uint64, error) {
	return db.countCommit(db.coord.CAS(runID, k, expectedVersion, v))
}

func (db *Db) ScanPrefix(runID string, p kv.Prefix) ([]txn.PrefixScanResult, error) {
	t := db.coord.Begin(runID)
	return t.PrefixScan(p)
}

// Flush forces a WAL fsync. It is a no-op in Ephemeral mode, whose WAL
// lives in a scratch directory that Shutdown removes.
func (db *Db) Flush() error {
	if db.ephemeralRoot != "" {
		return nil
	}
	return db.log.Flush()
}

// Checkpoint writes a snapshot of the store's current state, then
// prunes older snapshots down to opts.SnapshotRetain. It does not
// truncate WAL segments — segment reclamation remains a deliberate,
// manually-invoked operation (see pkg/wal.Log.Truncate), consistent
// with pkg/mvcc.Store.GarbageCollect never being called automatically.
func (db *Db) Checkpoint() error {
	watermark := db.store.GlobalVersion()
	nowMicros := uint64(time.Now().UnixMicro())
	if _, err := snapshot.Write(db.snapshotDir, db.store, watermark, db.dbUUID, snapshot.DefaultCodec, nowMicros); err != nil {
		return err
	}
	return snapshot.Retain(db.snapshotDir, db.opts.snapshotRetain())
}

// Shutdown stops accepting new transactions, waits (bounded by ctx) for
// in-flight ones to drain, performs a final fsync, and releases all
// file handles. Calling Shutdown more than once is safe; only the first
// call does any work.
func (db *Db) Shutdown(ctx context.Context) error {
	var shutdownErr error
	db.closeOnce.Do(func() {
		atomic.StoreInt32(&db.accepting, 0)

		drained := make(chan struct{})
		go func() {
			db.inFlight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
		}

		if err := db.log.Close(); err != nil {
			shutdownErr = err
			return
		}
		if db.ephemeralRoot != "" {
			os.RemoveAll(db.ephemeralRoot)
		}
	})
	return shutdownErr
}

// Stats reports the commit and conflict counters, the store's global
// version and the database uuid as a map rather than a fixed struct. It
// reports no WAL or snapshot sizes.
func (db *Db) Stats() map[string]interface{} {
	return map[string]interface{}{
		"commits":        atomic.LoadInt64(&db.commits),
		"conflicts":      atomic.LoadInt64(&db.conflicts),
		"global_version": db.store.GlobalVersion(),
		"db_uuid":        db.dbUUID,
	}
}

// Replay returns a read-only projection of runID's namespace at the
// store's current version. Side-effect-free: it never mutates db.store.
func (db *Db) Replay(runID string) replay.View {
	return replay.ViewFromStore(db.store, runID, db.store.GlobalVersion())
}

// Diff structurally compares the replay views of two runs.
func (db *Db) Diff(runA, runB string) replay.Diff {
	return replay.Compare(db.Replay(runA), db.Replay(runB))
}
