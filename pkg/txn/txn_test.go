package txn

import (
	"testing"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
)

func mustKey(t *testing.T, ns string, user string) kv.Key {
	t.Helper()
	k, err := kv.NewKey(ns, kv.TagKV, []byte(user))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

func TestGetIsReadYourWrites(t *testing.T) {
	store := mvcc.NewStore()
	snap := NewVersionedSnapshot(store)
	tx := New(1, "run-1", snap)

	k := mustKey(t, "run-1", "x")
	if err := tx.Put(k, kv.Int(42)); err != nil {
		t.Fatalf("put: %v", err)
	}

	v, ok, err := tx.Get(k)
	if err != nil || !ok {
		t.Fatalf("expected write-set hit: ok=%v err=%v", ok, err)
	}
	n, _ := v.AsInt()
	if n != 42 {
		t.Fatalf("got %d, want 42", n)
	}

	buf := tx.SnapshotBuffers()
	if _, inReadSet := buf.ReadSet[string(k.Encode())]; inReadSet {
		t.Fatalf("write-set hit must not enter the read-set")
	}
}

func TestGetAbsentRecordsVersionZero(t *testing.T) {
	store := mvcc.NewStore()
	snap := NewVersionedSnapshot(store)
	tx := New(1, "run-1", snap)

	k := mustKey(t, "run-1", "missing")
	_, ok, err := tx.Get(k)
	if err != nil || ok {
		t.Fatalf("expected absent: ok=%v err=%v", ok, err)
	}

	buf := tx.SnapshotBuffers()
	if v, ok := buf.ReadSet[string(k.Encode())]; !ok || v != 0 {
		t.Fatalf("expected read-set entry at version 0, got %v ok=%v", v, ok)
	}
}

func TestDeleteShadowsPendingWrite(t *testing.T) {
	store := mvcc.NewStore()
	snap := NewVersionedSnapshot(store)
	tx := New(1, "run-1", snap)

	k := mustKey(t, "run-1", "x")
	tx.Put(k, kv.Int(1))
	tx.Delete(k)

	_, ok, err := tx.Get(k)
	if err != nil || ok {
		t.Fatalf("expected absent after delete: ok=%v err=%v", ok, err)
	}
}

func TestCASDoesNotEnterReadSet(t *testing.T) {
	store := mvcc.NewStore()
	snap := NewVersionedSnapshot(store)
	tx := New(1, "run-1", snap)

	k := mustKey(t, "run-1", "x")
	if err := tx.CAS(k, 0, kv.Int(1)); err != nil {
		t.Fatalf("cas: %v", err)
	}

	buf := tx.SnapshotBuffers()
	if len(buf.ReadSet) != 0 {
		t.Fatalf("expected empty read-set, cas is not a read")
	}
	if len(buf.CASSet) != 1 {
		t.Fatalf("expected one cas-set entry")
	}
}

func TestReadOnlyShortcut(t *testing.T) {
	store := mvcc.NewStore()
	snap := NewVersionedSnapshot(store)
	tx := New(1, "run-1", snap)

	k := mustKey(t, "run-1", "x")
	tx.Get(k)

	if !tx.IsReadOnly() {
		t.Fatalf("expected read-only transaction")
	}

	tx.Put(k, kv.Int(1))
	if tx.IsReadOnly() {
		t.Fatalf("expected non-read-only after a put")
	}
}

func TestResetPreservesCapacityAndClearsState(t *testing.T) {
	store := mvcc.NewStore()
	snap := NewVersionedSnapshot(store)
	tx := New(1, "run-1", snap)

	k := mustKey(t, "run-1", "x")
	tx.Put(k, kv.Int(1))
	tx.Delete(mustKey(t, "run-1", "y"))
	tx.CAS(mustKey(t, "run-1", "z"), 0, kv.Int(2))

	newSnap := NewVersionedSnapshot(store)
	tx.Reset(2, "run-2", newSnap)

	if tx.ID != 2 || tx.RunID != "run-2" {
		t.Fatalf("expected reset identity to update")
	}
	buf := tx.SnapshotBuffers()
	if len(buf.WriteSet) != 0 || len(buf.DeleteSet) != 0 || len(buf.CASSet) != 0 {
		t.Fatalf("expected all buffers cleared after reset")
	}
	if tx.CurrentState() != Active {
		t.Fatalf("expected Active state after reset")
	}
}

func TestPrefixScanOverlaysWriteSet(t *testing.T) {
	store := mvcc.NewStore()
	kA := mustKey(t, "run-1", "a")
	kB := mustKey(t, "run-1", "b")
	store.PutWithVersion(kA, kv.Int(1), 1, 10)
	store.PutWithVersion(kB, kv.Int(2), 2, 20)

	snap := NewVersionedSnapshot(store)
	tx := New(1, "run-1", snap)

	kC := mustKey(t, "run-1", "c")
	tx.Put(kC, kv.Int(3))
	tx.Delete(kA)

	results, err := tx.PrefixScan(kv.RunPrefix("run-1"))
	if err != nil {
		t.Fatalf("prefix scan: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results (b, c), got %d", len(results))
	}
	if string(results[0].Key.UserKey) != "b" || string(results[1].Key.UserKey) != "c" {
		t.Fatalf("unexpected order/content: %v", results)
	}
}

func TestSavepointRollback(t *testing.T) {
	store := mvcc.NewStore()
	snap := NewVersionedSnapshot(store)
	tx := New(1, "run-1", snap)

	k1 := mustKey(t, "run-1", "a")
	tx.Put(k1, kv.Int(1))

	if err := tx.Savepoint("sp1"); err != nil {
		t.Fatalf("savepoint: %v", err)
	}

	k2 := mustKey(t, "run-1", "b")
	tx.Put(k2, kv.Int(2))

	if err := tx.RollbackTo("sp1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	buf := tx.SnapshotBuffers()
	if _, ok := buf.WriteSet[string(k1.Encode())]; !ok {
		t.Fatalf("expected write before savepoint to survive rollback")
	}
	if _, ok := buf.WriteSet[string(k2.Encode())]; ok {
		t.Fatalf("expected write after savepoint to be discarded")
	}
}

func TestReleaseSavepointKeepsBuffers(t *testing.T) {
	store := mvcc.NewStore()
	snap := NewVersionedSnapshot(store)
	tx := New(1, "run-1", snap)

	tx.Savepoint("sp1")
	k := mustKey(t, "run-1", "a")
	tx.Put(k, kv.Int(1))

	if err := tx.ReleaseSavepoint("sp1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	buf := tx.SnapshotBuffers()
	if _, ok := buf.WriteSet[string(k.Encode())]; !ok {
		t.Fatalf("expected buffered write to survive release")
	}
	if err := tx.RollbackTo("sp1"); err == nil {
		t.Fatalf("expected error rolling back to a released savepoint")
	}
}
