// Package observer implements the write-observer hook: delivery of a
// transaction's committed write set once its commit frame is durable.
// Delivery is asynchronous, ordered per run, and at-most-once; observers
// must never call back into the commit path, so dispatch always happens
// on a goroutine the coordinator never blocks on.
package observer

import (
	"sync"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// CommittedWrite is one key's outcome in a committed transaction.
type CommittedWrite struct {
	Key       kv.Key
	Value     kv.Value
	Tombstone bool
}

// WriteObserver receives a durable commit's write set. Implementations
// must not call back into the coordinator's Commit — doing so would
// reenter the per-run lock the notifying commit still logically owns at
// the point of notification.
type WriteObserver interface {
	OnCommit(runID string, commitVersion uint64, writes []CommittedWrite)
}

type commitEvent struct {
	runID         string
	commitVersion uint64
	writes        []CommittedWrite
}

// runQueue serializes delivery for one run onto a single goroutine, so
// that two commits on the same run are observed in commit order and
// never concurrently.
type runQueue struct {
	mu      sync.Mutex
	pending []commitEvent
	running bool
}

// Dispatcher fans committed write sets out to registered observers.
// Ordered per run instead of as a single global feed, and structured
// around a lazily-spawned goroutine per run instead of one shared
// dispatch loop, so that a slow observer on one run never delays
// delivery for another.
type Dispatcher struct {
	mu        sync.Mutex
	observers []WriteObserver

	queuesMu sync.Mutex
	queues   map[string]*runQueue
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{queues: make(map[string]*runQueue)}
}

// Subscribe registers an observer. Observers are notified in
// registration order for each commit.
func (d *Dispatcher) Subscribe(o WriteObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// Notify enqueues a commit's write set for asynchronous, per-run ordered
// delivery. It never blocks on an observer and never runs on the
// caller's goroutine.
func (d *Dispatcher) Notify(runID string, commitVersion uint64, writes []CommittedWrite) {
	d.queuesMu.Lock()
	q, ok := d.queues[runID]
	if !ok {
		q = &runQueue{}
		d.queues[runID] = q
	}
	d.queuesMu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, commitEvent{runID: runID, commitVersion: commitVersion, writes: writes})
	alreadyRunning := q.running
	q.running = true
	q.mu.Unlock()

	if !alreadyRunning {
		go d.drain(q)
	}
}

// drain delivers events for one run's queue in order, at most once
// each, until the queue is empty.
func (d *Dispatcher) drain(q *runQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		d.mu.Lock()
		observers := append([]WriteObserver(nil), d.observers...)
		d.mu.Unlock()

		for _, o := range observers {
			o.OnCommit(ev.runID, ev.commitVersion, ev.writes)
		}
	}
}
