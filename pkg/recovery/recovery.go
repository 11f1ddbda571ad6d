// Package recovery rebuilds store and coordinator state after a
// restart: install the newest snapshot, replay the write-ahead log
// forward from it, and seal the transaction id / version counters so
// neither is ever reused.
package recovery

import (
	"io"
	"log"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
	"github.com/strata-systems/strata-core-sub002/pkg/runs"
	"github.com/strata-systems/strata-core-sub002/pkg/snapshot"
	"github.com/strata-systems/strata-core-sub002/pkg/wal"
)

// Participant is notified once recovery has installed the snapshot and
// replayed every committed transaction. Participants run in
// registration order; the first error aborts recovery.
type Participant interface {
	OnRecovered(store *mvcc.Store, result Result) error
}

// Result summarizes what recovery did, and carries the values the
// coordinator must be sealed with so it never reallocates a
// transaction id or commit version a recovered write already used.
type Result struct {
	NextTxnID      uint64
	GlobalVersion  uint64
	AppliedCommits int
	DiscardedTxns  int
	CorruptedGaps  int
}

// opRecord is one write or delete belonging to a not-yet-committed
// transaction, buffered until its FrameCommitTxn is seen.
type opRecord struct {
	Key       kv.Key
	Value     kv.Value
	Tombstone bool
	Version   uint64
	TSMicros  uint64
}

type pendingTxn struct {
	runID         string
	ops           []opRecord
	commitVersion uint64 // 0 until the first op is seen
	orphan        bool   // ops arrived with no preceding BeginTxn
}

// Run loads the newest snapshot under snapshotDir into store (if any),
// then scans walDir forward and applies every transaction that reached
// a FrameCommitTxn frame, at the commit version it was originally
// assigned. Transactions left open at end-of-log — a crash mid-commit —
// are discarded, matching at-most-once: a transaction is either fully
// visible or not visible at all. registry may be nil if run lifecycle
// frames need not be replayed into a live registry.
func Run(walDir, snapshotDir string, store *mvcc.Store, registry *runs.Registry, participants []Participant, logger *log.Logger) (Result, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	watermark := uint64(0)
	if loaded, ok, err := snapshot.LoadLatest(snapshotDir); err != nil {
		return Result{}, err
	} else if ok {
		if err := loaded.InstallInto(store); err != nil {
			return Result{}, err
		}
		watermark = loaded.Header.Watermark
	}

	scanner, err := wal.NewScanner(walDir, wal.Position{})
	if err != nil {
		return Result{}, err
	}

	pending := make(map[uint64]*pendingTxn)
	var maxVersion = watermark
	var maxTxnID uint64
	var appliedCommits, discardedTxns, corruptedGaps int

	recordOp := func(txnID uint64, op opRecord) {
		p, ok := pending[txnID]
		if !ok {
			// An op frame with no matching BeginTxn: the begin frame was
			// lost to a corruption gap. The transaction can never be
			// completed correctly, so it is tracked only to be discarded
			// when its (possible) commit frame arrives.
			p = &pendingTxn{orphan: true}
			pending[txnID] = p
		}
		if p.commitVersion == 0 {
			p.commitVersion = op.Version
		}
		p.ops = append(p.ops, op)
	}

scan:
	for {
		entry, err := scanner.Next()
		switch {
		case err == wal.ErrEndOfLog:
			break scan
		case err != nil:
			return Result{}, err
		}
		if entry.Corrupted {
			corruptedGaps++
			logger.Printf("recovery: skipped corrupted WAL region at %+v", entry.Position)
			continue
		}

		frame := entry.Frame
		switch frame.Type {
		case wal.FrameBeginTxn:
			p, err := wal.DecodeBeginTxn(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			if p.TxnID > maxTxnID {
				maxTxnID = p.TxnID
			}
			pending[p.TxnID] = &pendingTxn{runID: p.RunID}

		case wal.FrameKVCAS:
			p, err := wal.DecodeCAS(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			recordOp(p.TxnID, opRecord{Key: p.Key, Value: p.Value, Version: p.Version, TSMicros: p.TimestampMicros})

		case wal.FrameJSONPatch:
			p, err := wal.DecodeJSONPatch(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			recordOp(p.TxnID, opRecord{Key: p.Key, Value: p.Patch, Version: p.Version, TSMicros: p.TimestampMicros})

		case wal.FrameRunLifecycle:
			p, err := wal.DecodeRunLifecycle(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			if p.Version > maxVersion {
				maxVersion = p.Version
			}
			if registry != nil {
				registry.SetRecoveredState(p.RunID, runs.State(p.State), p.Version)
			}

		case wal.FrameCommitTxn:
			p, err := wal.DecodeCommitTxn(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			if p.TxnID > maxTxnID {
				maxTxnID = p.TxnID
			}
			txn, ok := pending[p.TxnID]
			delete(pending, p.TxnID)
			if !ok || txn.orphan || len(txn.ops) == 0 {
				// An orphan (its begin was lost to a corruption gap) is
				// discarded whole, whether or not ops were buffered for
				// it. A commit with no buffered ops can only be an orphan
				// too: the coordinator never logs a read-only commit.
				discardedTxns++
				continue
			}
			if txn.commitVersion > maxVersion {
				maxVersion = txn.commitVersion
			}
			if txn.commitVersion > watermark {
				if err := applyOps(store, txn.ops); err != nil {
					return Result{}, err
				}
			}
			appliedCommits++

		case wal.FrameKVWrite, wal.FrameEventAppend, wal.FrameStateSet,
			wal.FrameRunCreate, wal.FrameRunUpdate, wal.FrameVectorWrite:
			p, err := wal.DecodeWrite(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			recordOp(p.TxnID, opRecord{Key: p.Key, Value: p.Value, Version: p.Version, TSMicros: p.TimestampMicros})

		case wal.FrameKVDelete, wal.FrameRunDelete, wal.FrameVectorDelete:
			p, err := wal.DecodeDelete(frame.Payload)
			if err != nil {
				return Result{}, err
			}
			recordOp(p.TxnID, opRecord{Key: p.Key, Tombstone: true, Version: p.Version, TSMicros: p.TimestampMicros})

		default:
			logger.Printf("recovery: skipping unrecognized frame type %#x at %+v", frame.Type, entry.Position)
		}
	}

	// Anything still pending at end-of-log never reached its commit
	// frame — a crash mid-commit. Discard it entirely.
	discardedTxns += len(pending)

	store.AdvanceGlobalVersion(maxVersion)

	result := Result{
		NextTxnID:      maxTxnID + 1,
		GlobalVersion:  maxVersion,
		AppliedCommits: appliedCommits,
		DiscardedTxns:  discardedTxns,
		CorruptedGaps:  corruptedGaps,
	}

	for _, p := range participants {
		if err := p.OnRecovered(store, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func applyOps(store *mvcc.Store, ops []opRecord) error {
	for _, op := range ops {
		if op.Tombstone {
			if err := store.DeleteWithVersion(op.Key, op.Version, op.TSMicros); err != nil {
				return err
			}
			continue
		}
		if err := store.PutWithVersion(op.Key, op.Value, op.Version, op.TSMicros); err != nil {
			return err
		}
	}
	return nil
}
