package observer

import (
	"sync"
	"testing"
	"time"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []struct {
		runID   string
		version uint64
		writes  []CommittedWrite
	}
}

func (r *recordingObserver) OnCommit(runID string, commitVersion uint64, writes []CommittedWrite) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		runID   string
		version uint64
		writes  []CommittedWrite
	}{runID, commitVersion, writes})
}

func (r *recordingObserver) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.version
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestNotifyDeliversToAllObserversInRegistrationOrder(t *testing.T) {
	d := NewDispatcher()
	var order []int
	var mu sync.Mutex

	d.Subscribe(observerFunc(func(string, uint64, []CommittedWrite) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	}))
	d.Subscribe(observerFunc(func(string, uint64, []CommittedWrite) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}))

	d.Notify("run-a", 1, []CommittedWrite{{Key: mustKey(t, "run-a", "x"), Value: kv.Int(1)}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected delivery in registration order, got %v", order)
	}
}

func TestNotifyPreservesPerRunCommitOrder(t *testing.T) {
	d := NewDispatcher()
	obs := &recordingObserver{}
	d.Subscribe(obs)

	for v := uint64(1); v <= 20; v++ {
		d.Notify("run-a", v, nil)
	}

	waitFor(t, func() bool { return len(obs.snapshot()) == 20 })
	versions := obs.snapshot()
	for i, v := range versions {
		if v != uint64(i+1) {
			t.Fatalf("expected commit order 1..20, got %v", versions)
		}
	}
}

func TestNotifyKeepsRunsIndependent(t *testing.T) {
	d := NewDispatcher()
	obs := &recordingObserver{}
	d.Subscribe(obs)

	d.Notify("run-a", 1, nil)
	d.Notify("run-b", 1, nil)

	waitFor(t, func() bool { return len(obs.snapshot()) == 2 })
}

type observerFunc func(runID string, commitVersion uint64, writes []CommittedWrite)

func (f observerFunc) OnCommit(runID string, commitVersion uint64, writes []CommittedWrite) {
	f(runID, commitVersion, writes)
}

func mustKey(t *testing.T, ns string, user string) kv.Key {
	t.Helper()
	k, err := kv.NewKey(ns, kv.TagKV, []byte(user))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}
