package mvcc

import (
	"testing"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

func mustKey(t *testing.T, ns string, tag kv.TypeTag, user string) kv.Key {
	t.Helper()
	k, err := kv.NewKey(ns, tag, []byte(user))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

func TestPutGetRoundTrip(t *testing.T) {
	s := NewStore()
	k := mustKey(t, "run-1", kv.TagKV, "x")

	if err := s.PutWithVersion(k, kv.Int(1), 1, 100); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := s.Get(k)
	if !ok {
		t.Fatalf("expected value present")
	}
	if n, _ := got.Value.AsInt(); n != 1 {
		t.Fatalf("got %v, want 1", n)
	}
}

func TestVersionMonotonicity(t *testing.T) {
	s := NewStore()
	k := mustKey(t, "run-1", kv.TagKV, "x")

	if err := s.PutWithVersion(k, kv.Int(1), 5, 100); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := s.PutWithVersion(k, kv.Int(2), 5, 100)
	if err == nil {
		t.Fatalf("expected VersionRegressionError for non-increasing version")
	}
	if _, ok := err.(kv.VersionRegressionError); !ok {
		t.Fatalf("expected VersionRegressionError, got %T", err)
	}
}

func TestTombstoneMakesKeyAbsent(t *testing.T) {
	s := NewStore()
	k := mustKey(t, "run-1", kv.TagKV, "x")

	if err := s.PutWithVersion(k, kv.Int(1), 1, 100); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.DeleteWithVersion(k, 2, 200); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok := s.Get(k); ok {
		t.Fatalf("expected key to be absent after tombstone")
	}

	// Reading at the version before the tombstone still sees the value.
	vv, ok, err := s.GetAtVersion(k, 1)
	if err != nil || !ok {
		t.Fatalf("expected visible value at version 1: ok=%v err=%v", ok, err)
	}
	if n, _ := vv.Value.AsInt(); n != 1 {
		t.Fatalf("got %v, want 1", n)
	}
}

func TestGetAtVersionNewestAtOrBefore(t *testing.T) {
	s := NewStore()
	k := mustKey(t, "run-1", kv.TagKV, "x")

	s.PutWithVersion(k, kv.Int(1), 1, 10)
	s.PutWithVersion(k, kv.Int(2), 3, 30)
	s.PutWithVersion(k, kv.Int(3), 5, 50)

	vv, ok, err := s.GetAtVersion(k, 4)
	if err != nil || !ok {
		t.Fatalf("expected visible value: ok=%v err=%v", ok, err)
	}
	if n, _ := vv.Value.AsInt(); n != 2 {
		t.Fatalf("got %v, want 2 (newest entry <= 4)", n)
	}
}

func TestRunIsolation(t *testing.T) {
	s := NewStore()
	kA := mustKey(t, "run-a", kv.TagKV, "x")
	kB := mustKey(t, "run-b", kv.TagKV, "x")

	s.PutWithVersion(kA, kv.Int(1), 1, 10)
	s.PutWithVersion(kB, kv.Int(2), 2, 20)

	vA, _ := s.Get(kA)
	vB, _ := s.Get(kB)

	nA, _ := vA.Value.AsInt()
	nB, _ := vB.Value.AsInt()
	if nA != 1 || nB != 2 {
		t.Fatalf("run isolation violated: got %d/%d, want 1/2", nA, nB)
	}
}

func TestScanPrefixOrderingAndTombstoneExclusion(t *testing.T) {
	s := NewStore()
	kA := mustKey(t, "run-1", kv.TagKV, "a")
	kB := mustKey(t, "run-1", kv.TagKV, "b")
	kC := mustKey(t, "run-1", kv.TagKV, "c")

	s.PutWithVersion(kB, kv.Int(2), 1, 10)
	s.PutWithVersion(kA, kv.Int(1), 2, 20)
	s.PutWithVersion(kC, kv.Int(3), 3, 30)
	s.DeleteWithVersion(kC, 4, 40)

	results := s.ScanPrefix(kv.RunPrefix("run-1"), s.GlobalVersion())
	if len(results) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(results))
	}
	if string(results[0].Key.UserKey) != "a" || string(results[1].Key.UserKey) != "b" {
		t.Fatalf("expected ascending key order a, b; got %s, %s",
			results[0].Key.UserKey, results[1].Key.UserKey)
	}
}

func TestApplyBatchAtomicVersion(t *testing.T) {
	s := NewStore()
	kA := mustKey(t, "run-1", kv.TagKV, "a")
	kB := mustKey(t, "run-1", kv.TagKV, "b")

	cv := s.AllocateVersion()
	err := s.ApplyBatch([]BatchWrite{
		{Key: kA, Value: kv.Int(1)},
		{Key: kB, Value: kv.Int(2)},
	}, cv, 123)
	if err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	vA, _ := s.Get(kA)
	vB, _ := s.Get(kB)
	if vA.Version != cv || vB.Version != cv {
		t.Fatalf("expected both writes at commit version %d, got %d and %d", cv, vA.Version, vB.Version)
	}
}

func TestHistoryTrimmed(t *testing.T) {
	s := NewStore()
	k := mustKey(t, "run-1", kv.TagKV, "x")
	s.PutWithVersion(k, kv.Int(1), 10, 100)
	s.SetOldestVersion(10)

	_, _, err := s.GetAtVersion(k, 5)
	if _, ok := err.(kv.HistoryTrimmedError); !ok {
		t.Fatalf("expected HistoryTrimmedError, got %v", err)
	}
}

func TestGarbageCollectKeepsAtLeastOneVersion(t *testing.T) {
	s := NewStore()
	k := mustKey(t, "run-1", kv.TagKV, "x")
	s.PutWithVersion(k, kv.Int(1), 1, 10)
	s.PutWithVersion(k, kv.Int(2), 2, 20)
	s.PutWithVersion(k, kv.Int(3), 3, 30)

	s.GarbageCollect(3)
	if s.VersionCount(k) != 1 {
		t.Fatalf("expected exactly 1 retained version, got %d", s.VersionCount(k))
	}
}
