package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
	"github.com/strata-systems/strata-core-sub002/pkg/observer"
	"github.com/strata-systems/strata-core-sub002/pkg/txn"
	"github.com/strata-systems/strata-core-sub002/pkg/wal"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	log, err := wal.Open(dir, wal.Durability{Kind: wal.DurabilityNone})
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return New(mvcc.NewStore(), log, nil)
}

func mustKey(t *testing.T, ns string, tag kv.TypeTag, user string) kv.Key {
	t.Helper()
	k, err := kv.NewKey(ns, tag, []byte(user))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

func TestCommitHappyPath(t *testing.T) {
	c := newTestCoordinator(t)
	k := mustKey(t, "run-1", kv.TagKV, "foo")

	tx := c.Begin("run-1")
	if err := tx.Put(k, kv.String("bar")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ver, err := c.Commit(tx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ver == 0 {
		t.Fatalf("expected nonzero commit version")
	}

	got, ok := c.store.Get(k)
	if !ok {
		t.Fatalf("expected key to be visible after commit")
	}
	if s, _ := got.Value.AsString(); s != "bar" {
		t.Fatalf("got value %q, want %q", s, "bar")
	}
}

func TestCommitReadOnlyShortcutSkipsValidation(t *testing.T) {
	c := newTestCoordinator(t)
	k := mustKey(t, "run-1", kv.TagKV, "foo")

	tx := c.Begin("run-1")
	if _, _, err := tx.Get(k); err != nil {
		t.Fatalf("Get: %v", err)
	}
	ver, err := c.Commit(tx)
	if err != nil {
		t.Fatalf("read-only commit should not fail: %v", err)
	}
	if ver != tx.Snapshot().Version() {
		t.Fatalf("read-only commit should return the pinned snapshot version")
	}
}

func TestCommitDetectsReadWriteConflict(t *testing.T) {
	c := newTestCoordinator(t)
	k := mustKey(t, "run-1", kv.TagKV, "foo")

	if _, err := c.Put("run-1", k, kv.String("initial")); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	tx := c.Begin("run-1")
	if _, _, err := tx.Get(k); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// A concurrent writer commits over the key the transaction already read.
	if _, err := c.Put("run-1", k, kv.String("concurrent")); err != nil {
		t.Fatalf("concurrent Put: %v", err)
	}

	if err := tx.Put(k, kv.String("mine")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := c.Commit(tx); err == nil {
		t.Fatalf("expected a conflict error")
	} else if _, ok := err.(kv.ConflictError); !ok {
		t.Fatalf("expected kv.ConflictError, got %T: %v", err, err)
	}
}

func TestCommitBlindWriteNeverConflicts(t *testing.T) {
	c := newTestCoordinator(t)
	k := mustKey(t, "run-1", kv.TagKV, "foo")

	if _, err := c.Put("run-1", k, kv.String("initial")); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	tx := c.Begin("run-1") // never reads k
	if err := tx.Put(k, kv.String("blind")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A concurrent writer also commits over k; tx never read it, so no conflict.
	if _, err := c.Put("run-1", k, kv.String("concurrent")); err != nil {
		t.Fatalf("concurrent Put: %v", err)
	}

	if _, err := c.Commit(tx); err != nil {
		t.Fatalf("blind write should not conflict: %v", err)
	}
}

func TestDifferentRunsDoNotContendOnLock(t *testing.T) {
	c := newTestCoordinator(t)
	kA := mustKey(t, "run-a", kv.TagKV, "foo")
	kB := mustKey(t, "run-b", kv.TagKV, "foo")

	done := make(chan struct{})
	c.locks.Lock("run-a")
	go func() {
		defer close(done)
		if _, err := c.Put("run-b", kB, kv.String("ok")); err != nil {
			t.Errorf("Put on run-b should not block on run-a's lock: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("commit on run-b blocked behind run-a's lock")
	}
	c.locks.Unlock("run-a")

	_ = kA
}

func TestWithRetrySucceedsAfterConflict(t *testing.T) {
	c := newTestCoordinator(t)
	k := mustKey(t, "run-1", kv.TagKV, "foo")
	if _, err := c.Put("run-1", k, kv.Int(0)); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	attempts := 0
	ver, err := WithRetry(context.Background(), c, "run-1", func(tx *txn.Txn) error {
		attempts++
		v, _, err := tx.Get(k)
		if err != nil {
			return err
		}
		cur, _ := v.AsInt()
		if attempts == 1 {
			// Force a conflict on the first attempt by committing over
			// the key out from under this transaction's read-set.
			if _, err := c.Put("run-1", k, kv.Int(cur+100)); err != nil {
				return err
			}
		}
		return tx.Put(k, kv.Int(cur+1))
	}, RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if ver == 0 {
		t.Fatalf("expected nonzero commit version")
	}
	if attempts < 2 {
		t.Fatalf("expected at least one retry, got %d attempts", attempts)
	}
}

func TestWithRetryDoesNotRetryNonConflictErrors(t *testing.T) {
	c := newTestCoordinator(t)
	attempts := 0
	wantErr := kv.InvalidInputError{Reason: "bad input"}
	_, err := WithRetry(context.Background(), c, "run-1", func(tx *txn.Txn) error {
		attempts++
		return wantErr
	}, RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	if err != wantErr {
		t.Fatalf("expected the original error to surface unretried, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", attempts)
	}
}

// observerFunc adapts a plain function to observer.WriteObserver for tests.
type observerFunc func(runID string, commitVersion uint64)

func (f observerFunc) OnCommit(runID string, commitVersion uint64, writes []observer.CommittedWrite) {
	f(runID, commitVersion)
}

func TestSubscribeReceivesCommitNotification(t *testing.T) {
	c := newTestCoordinator(t)
	received := make(chan uint64, 1)
	c.Subscribe(observerFunc(func(runID string, commitVersion uint64) {
		received <- commitVersion
	}))

	k := mustKey(t, "run-1", kv.TagKV, "foo")
	ver, err := c.Put("run-1", k, kv.String("bar"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case got := <-received:
		if got != ver {
			t.Fatalf("observer saw version %d, want %d", got, ver)
		}
	case <-time.After(time.Second):
		t.Fatalf("observer was not notified")
	}
}
