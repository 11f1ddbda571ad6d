// Package coordinator turns a validated transaction into a durable,
// observable commit: per-run commit locking, validation, version
// allocation, WAL writes in frame order, application to the MVCC store,
// and post-commit observer notification.
package coordinator

import (
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
	"github.com/strata-systems/strata-core-sub002/pkg/observer"
	"github.com/strata-systems/strata-core-sub002/pkg/txn"
	"github.com/strata-systems/strata-core-sub002/pkg/wal"
)

// Coordinator owns commit serialization for one store/log pair.
type Coordinator struct {
	store *mvcc.Store
	log   *wal.Log

	locks *runLockManager

	jsonMu    sync.Mutex
	committed map[string][]txn.CommittedJSONWrite // per run

	nextTxnID uint64 // atomic
	logger    *log.Logger
	notifier  *observer.Dispatcher
}

// New constructs a Coordinator over store and log. A nil logger defaults
// to a discarding logger, matching the core's silent-by-default policy.
func New(store *mvcc.Store, walLog *wal.Log, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Coordinator{
		store:     store,
		log:       walLog,
		locks:     newRunLockManager(),
		committed: make(map[string][]txn.CommittedJSONWrite),
		logger:    logger,
		notifier:  observer.NewDispatcher(),
	}
}

// Subscribe registers an observer. Delivery order across observers for
// one commit follows registration order.
func (c *Coordinator) Subscribe(o observer.WriteObserver) {
	c.notifier.Subscribe(o)
}

// NextTxnID allocates the next transaction id. Exposed so callers (the
// facade, recovery's seal step) can share one counter.
func (c *Coordinator) NextTxnID() uint64 {
	return atomic.AddUint64(&c.nextTxnID, 1)
}

// SealTxnIDs advances the internal counter to at least next, used by
// recovery to seal the coordinator with next_txn_id = max_txn_id + 1.
func (c *Coordinator) SealTxnIDs(next uint64) {
	for {
		cur := atomic.LoadUint64(&c.nextTxnID)
		if next <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&c.nextTxnID, cur, next) {
			return
		}
	}
}

// Begin opens a new transaction context against the store's current
// version, using a VersionedSnapshot (the coordinator's preferred,
// zero-copy snapshot realization).
func (c *Coordinator) Begin(runID string) *txn.Txn {
	snap := txn.NewVersionedSnapshot(c.store)
	return txn.New(c.NextTxnID(), runID, snap)
}

// Commit runs the full protocol for t: acquire the per-run lock,
// validate, allocate a commit version, write WAL frames, apply to the
// store, and notify observers. On a validation failure it marks t
// Aborted and returns a kv.ConflictError.
func (c *Coordinator) Commit(t *txn.Txn) (uint64, error) {
	runID := t.RunID
	c.locks.Lock(runID)
	defer c.locks.Unlock(runID)

	if t.CurrentState() != txn.Active {
		return 0, kv.ConstraintViolationError{Reason: "transaction is not active"}
	}

	buf := t.SnapshotBuffers()
	readOnly := len(buf.WriteSet) == 0 && len(buf.DeleteSet) == 0 && len(buf.CASSet) == 0 && len(buf.JSONWrites) == 0

	if readOnly {
		t.MarkCommitted()
		return t.Snapshot().Version(), nil
	}

	if err := t.MarkValidating(); err != nil {
		return 0, err
	}

	res := txn.Validate(buf, c.store, c.committedJSONSince(runID, t.Snapshot().Version()))
	if !res.OK() {
		err := kv.ConflictError{Conflicts: res.Conflicts}
		t.MarkAborted(err)
		return 0, err
	}

	commitVersion := c.store.AllocateVersion()
	tsMicros := uint64(time.Now().UnixMicro())

	if err := c.writeWAL(t.ID, runID, buf, commitVersion, tsMicros); err != nil {
		t.MarkAborted(err)
		return 0, err
	}

	writes, err := c.applyToStore(buf, commitVersion, tsMicros)
	if err != nil {
		t.MarkAborted(err)
		return 0, err
	}

	c.recordCommittedJSON(runID, buf, commitVersion)
	t.MarkCommitted()

	c.notifier.Notify(runID, commitVersion, writes)
	return commitVersion, nil
}

func (c *Coordinator) writeWAL(txnID uint64, runID string, buf txn.Buffers, commitVersion uint64, tsMicros uint64) error {
	begin := wal.EncodeBeginTxn(wal.BeginTxnPayload{TxnID: txnID, RunID: runID, TimestampMicros: tsMicros})
	if _, err := c.log.Append(wal.Frame{Type: wal.FrameBeginTxn, Payload: begin}, false); err != nil {
		return err
	}

	for enc, v := range buf.WriteSet {
		k := buf.KeyByEncoded[enc]
		payload := wal.EncodeWrite(wal.WritePayload{TxnID: txnID, Key: k, Value: v, Version: commitVersion, TimestampMicros: tsMicros})
		if _, err := c.log.Append(wal.Frame{Type: frameTypeForKey(k, wal.FrameKVWrite), Payload: payload}, false); err != nil {
			return err
		}
	}
	for enc := range buf.DeleteSet {
		k := buf.KeyByEncoded[enc]
		payload := wal.EncodeDelete(wal.DeletePayload{TxnID: txnID, Key: k, Version: commitVersion, TimestampMicros: tsMicros})
		if _, err := c.log.Append(wal.Frame{Type: frameTypeForKey(k, wal.FrameKVDelete), Payload: payload}, false); err != nil {
			return err
		}
	}
	for enc, entry := range buf.CASSet {
		k := buf.KeyByEncoded[enc]
		payload := wal.EncodeCAS(wal.CASPayload{TxnID: txnID, Key: k, ExpectedVersion: entry.Expected, Value: entry.Value, Version: commitVersion, TimestampMicros: tsMicros})
		if _, err := c.log.Append(wal.Frame{Type: wal.FrameKVCAS, Payload: payload}, false); err != nil {
			return err
		}
	}
	for _, jw := range buf.JSONWrites {
		payload := wal.EncodeJSONPatch(wal.JSONPatchPayload{
			TxnID: txnID, Key: jw.Key, Path: jw.Path, Patch: jw.Patch,
			ExpectedDocVer: jw.ExpectedDocVer, Version: commitVersion, TimestampMicros: tsMicros,
		})
		if _, err := c.log.Append(wal.Frame{Type: wal.FrameJSONPatch, Payload: payload}, false); err != nil {
			return err
		}
	}

	commit := wal.EncodeCommitTxn(wal.CommitTxnPayload{TxnID: txnID, RunID: runID})
	if _, err := c.log.Append(wal.Frame{Type: wal.FrameCommitTxn, Payload: commit}, true); err != nil {
		return err
	}
	return nil
}

// frameTypeForKey lets a primitive override the WAL frame type for a
// plain Write/Delete shape (events, state cells, run records, vectors
// all share the Write/Delete payload schema but tag their frames within
// their own owning range). Keyed off the key's TypeTag.
func frameTypeForKey(k kv.Key, kvDefault wal.FrameType) wal.FrameType {
	switch k.Tag {
	case kv.TagEvent:
		return wal.FrameEventAppend
	case kv.TagState:
		return wal.FrameStateSet
	case kv.TagRun:
		if kvDefault == wal.FrameKVDelete {
			return wal.FrameRunDelete
		}
		return wal.FrameRunUpdate
	case kv.TagVector:
		if kvDefault == wal.FrameKVDelete {
			return wal.FrameVectorDelete
		}
		return wal.FrameVectorWrite
	default:
		return kvDefault
	}
}

func (c *Coordinator) applyToStore(buf txn.Buffers, commitVersion uint64, tsMicros uint64) ([]observer.CommittedWrite, error) {
	var batch []mvcc.BatchWrite
	var writes []observer.CommittedWrite

	for enc, v := range buf.WriteSet {
		k := buf.KeyByEncoded[enc]
		batch = append(batch, mvcc.BatchWrite{Key: k, Value: v})
		writes = append(writes, observer.CommittedWrite{Key: k, Value: v})
	}
	for enc := range buf.DeleteSet {
		k := buf.KeyByEncoded[enc]
		batch = append(batch, mvcc.BatchWrite{Key: k, Tombstone: true})
		writes = append(writes, observer.CommittedWrite{Key: k, Tombstone: true})
	}
	for enc, entry := range buf.CASSet {
		k := buf.KeyByEncoded[enc]
		batch = append(batch, mvcc.BatchWrite{Key: k, Value: entry.Value})
		writes = append(writes, observer.CommittedWrite{Key: k, Value: entry.Value})
	}
	// JSON path merge semantics are a pure value transformation performed
	// above the core; by the time a write reaches the buffer, Patch is
	// already the document's fully resolved new value, so it applies the
	// same way an ordinary write does.
	for _, jw := range buf.JSONWrites {
		batch = append(batch, mvcc.BatchWrite{Key: jw.Key, Value: jw.Patch})
		writes = append(writes, observer.CommittedWrite{Key: jw.Key, Value: jw.Patch})
	}

	if err := c.store.ApplyBatch(batch, commitVersion, tsMicros); err != nil {
		return nil, err
	}
	return writes, nil
}

// committedJSONSince returns the run's accumulated committed JSON
// writes with commit version greater than sinceVersion — the window a
// transaction pinned at sinceVersion must validate its path buffers
// against.
func (c *Coordinator) committedJSONSince(runID string, sinceVersion uint64) []txn.CommittedJSONWrite {
	c.jsonMu.Lock()
	defer c.jsonMu.Unlock()

	all := c.committed[runID]
	var out []txn.CommittedJSONWrite
	for _, w := range all {
		if w.CommitVersion > sinceVersion {
			out = append(out, w)
		}
	}
	return out
}

func (c *Coordinator) recordCommittedJSON(runID string, buf txn.Buffers, commitVersion uint64) {
	if len(buf.JSONWrites) == 0 {
		return
	}
	c.jsonMu.Lock()
	defer c.jsonMu.Unlock()
	for _, jw := range buf.JSONWrites {
		c.committed[runID] = append(c.committed[runID], txn.CommittedJSONWrite{
			Key: jw.Key, Path: jw.Path, CommitVersion: commitVersion, DocVersion: commitVersion,
		})
	}
}
