package txn

import (
	"sort"
	"sync"
	"time"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// State is the lifecycle state of a transaction context.
type State int

const (
	Active State = iota
	Validating
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Validating:
		return "validating"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// CASEntry records a compare-and-swap request: the value to write if the
// key's chain-head version still equals Expected (0 meaning "must not
// exist").
type CASEntry struct {
	Expected uint64
	Value    kv.Value
}

// JSONRead records a path-granularity read for JSON path-overlap
// validation at commit.
type JSONRead struct {
	Key             kv.Key
	Path            string
	ObservedDocVer  uint64
}

// JSONWrite records a JSON patch staged against an expected document
// version.
type JSONWrite struct {
	Key             kv.Key
	Path            string
	Patch           kv.Value
	ExpectedDocVer  uint64
}

// Txn is the per-transaction buffered context: everything a caller
// accumulates between begin and commit/abort. It never touches the
// store directly except through its Snapshot — all mutation is deferred
// to the coordinator's apply step.
type Txn struct {
	mu sync.Mutex

	ID          uint64
	RunID       string
	StartTime   time.Time
	Deadline    time.Time // zero value means no deadline
	State       State
	AbortReason error

	snapshot Snapshot

	writeSet  map[string]kv.Value
	deleteSet map[string]struct{}
	casSet    map[string]CASEntry
	readSet   map[string]uint64
	jsonReads []JSONRead
	jsonWrites []JSONWrite

	// keyByEncoded lets buffers keyed by the encoded string recover the
	// original Key for conflict reporting and application.
	keyByEncoded map[string]kv.Key

	savepoints   map[string]*savepoint
	savepointSeq int // establishment counter ordering savepoints
}

type savepoint struct {
	seq          int
	writeSet     map[string]kv.Value
	deleteSet    map[string]struct{}
	casSet       map[string]CASEntry
	readSet      map[string]uint64
	keyByEncoded map[string]kv.Key
	jsonReadLen  int
	jsonWriteLen int
}

// New constructs a fresh transaction context. Pooled callers should
// prefer Reset over discarding and reallocating one of these.
func New(id uint64, runID string, snap Snapshot) *Txn {
	t := &Txn{}
	t.Reset(id, runID, snap)
	return t
}

// Reset clears all buffers while preserving allocated map/slice
// capacity, then re-acquires the context with a fresh id/run/snapshot.
// This is the pooling contract that lets a Txn be reused across commits
// instead of allocated fresh each time.
func (t *Txn) Reset(id uint64, runID string, snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ID = id
	t.RunID = runID
	t.StartTime = time.Now()
	t.Deadline = time.Time{}
	t.State = Active
	t.AbortReason = nil
	t.snapshot = snap

	clearValueMap(t.writeSet)
	clearStructMap(t.deleteSet)
	clearCASMap(t.casSet)
	clearVersionMap(t.readSet)
	clearKeyMap(t.keyByEncoded)
	t.jsonReads = t.jsonReads[:0]
	t.jsonWrites = t.jsonWrites[:0]
	clearSavepointMap(t.savepoints)

	if t.writeSet == nil {
		t.writeSet = make(map[string]kv.Value)
	}
	if t.deleteSet == nil {
		t.deleteSet = make(map[string]struct{})
	}
	if t.casSet == nil {
		t.casSet = make(map[string]CASEntry)
	}
	if t.readSet == nil {
		t.readSet = make(map[string]uint64)
	}
	if t.keyByEncoded == nil {
		t.keyByEncoded = make(map[string]kv.Key)
	}
	if t.savepoints == nil {
		t.savepoints = make(map[string]*savepoint)
	}
}

func clearValueMap(m map[string]kv.Value) {
	for k := range m {
		delete(m, k)
	}
}
func clearStructMap(m map[string]struct{}) {
	for k := range m {
		delete(m, k)
	}
}
func clearCASMap(m map[string]CASEntry) {
	for k := range m {
		delete(m, k)
	}
}
func clearVersionMap(m map[string]uint64) {
	for k := range m {
		delete(m, k)
	}
}
func clearKeyMap(m map[string]kv.Key) {
	for k := range m {
		delete(m, k)
	}
}
func clearSavepointMap(m map[string]*savepoint) {
	for k := range m {
		delete(m, k)
	}
}

// WithDeadline sets a wall-clock deadline; the zero value (default)
// means no deadline.
func (t *Txn) WithDeadline(d time.Time) *Txn {
	t.mu.Lock()
	t.Deadline = d
	t.mu.Unlock()
	return t
}

// checkDeadlineLocked marks the transaction Aborted{Timeout} if its deadline
// has passed. Must be called with t.mu held.
func (t *Txn) checkDeadlineLocked() error {
	if t.State != Active {
		return nil
	}
	if t.Deadline.IsZero() || time.Now().Before(t.Deadline) {
		return nil
	}
	t.State = Aborted
	t.AbortReason = kv.TimeoutError{TxnID: t.ID}
	return t.AbortReason
}

// Get resolves a read: write-set (read-your-writes), then delete-set
// (absent), else the snapshot, recording a read-set observation for any
// snapshot read (including absent reads, recorded as version 0).
func (t *Txn) Get(k kv.Key) (kv.Value, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkDeadlineLocked(); err != nil {
		return kv.Value{}, false, err
	}
	if t.State != Active {
		return kv.Value{}, false, stateError(t.State)
	}

	enc := string(k.Encode())
	if v, ok := t.writeSet[enc]; ok {
		return v, true, nil
	}
	if _, ok := t.deleteSet[enc]; ok {
		return kv.Value{}, false, nil
	}

	vv, ok := t.snapshot.Get(k)
	if ok {
		t.readSet[enc] = vv.Version
		t.keyByEncoded[enc] = k
		return vv.Value, true, nil
	}
	t.readSet[enc] = 0
	t.keyByEncoded[enc] = k
	return kv.Value{}, false, nil
}

// Put buffers a blind write: it shadows the delete-set and does not
// touch the read-set.
func (t *Txn) Put(k kv.Key, v kv.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkDeadlineLocked(); err != nil {
		return err
	}
	if t.State != Active {
		return stateError(t.State)
	}
	enc := string(k.Encode())
	delete(t.deleteSet, enc)
	t.writeSet[enc] = v
	t.keyByEncoded[enc] = k
	return nil
}

// Delete buffers a delete, removing any pending write for the same key.
func (t *Txn) Delete(k kv.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkDeadlineLocked(); err != nil {
		return err
	}
	if t.State != Active {
		return stateError(t.State)
	}
	enc := string(k.Encode())
	delete(t.writeSet, enc)
	t.deleteSet[enc] = struct{}{}
	t.keyByEncoded[enc] = k
	return nil
}

// CAS records a compare-and-swap. It is not a read: it does not enter
// the read-set, only the CAS-set. expected == 0 means "must not exist".
func (t *Txn) CAS(k kv.Key, expectedVersion uint64, v kv.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkDeadlineLocked(); err != nil {
		return err
	}
	if t.State != Active {
		return stateError(t.State)
	}
	enc := string(k.Encode())
	t.casSet[enc] = CASEntry{Expected: expectedVersion, Value: v}
	t.keyByEncoded[enc] = k
	delete(t.deleteSet, enc)
	return nil
}

// RecordJSONRead buffers a path-granularity read observation.
func (t *Txn) RecordJSONRead(k kv.Key, path string, observedDocVersion uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkDeadlineLocked(); err != nil {
		return err
	}
	if t.State != Active {
		return stateError(t.State)
	}
	t.jsonReads = append(t.jsonReads, JSONRead{Key: k, Path: path, ObservedDocVer: observedDocVersion})
	return nil
}

// RecordJSONWrite buffers a JSON patch staged against an expected
// document version.
func (t *Txn) RecordJSONWrite(k kv.Key, path string, patch kv.Value, expectedDocVersion uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkDeadlineLocked(); err != nil {
		return err
	}
	if t.State != Active {
		return stateError(t.State)
	}
	t.jsonWrites = append(t.jsonWrites, JSONWrite{Key: k, Path: path, Patch: patch, ExpectedDocVer: expectedDocVersion})
	return nil
}

// PrefixScanResult is one entry returned by PrefixScan: buffered writes
// overlay the snapshot view, with tombstones and shadowed keys removed.
type PrefixScanResult struct {
	Key   kv.Key
	Value kv.Value
}

// PrefixScan overlays buffered writes atop the snapshot's prefix scan
// and records a read-set observation for every key the scan surfaces
// from the snapshot (not for keys satisfied purely from the write-set).
func (t *Txn) PrefixScan(p kv.Prefix) ([]PrefixScanResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkDeadlineLocked(); err != nil {
		return nil, err
	}
	if t.State != Active {
		return nil, stateError(t.State)
	}

	seen := make(map[string]bool)
	var out []PrefixScanResult

	for _, e := range t.snapshot.ScanPrefix(p) {
		enc := string(e.Key.Encode())
		seen[enc] = true
		if _, deleted := t.deleteSet[enc]; deleted {
			continue
		}
		if wv, ok := t.writeSet[enc]; ok {
			out = append(out, PrefixScanResult{Key: e.Key, Value: wv})
			continue
		}
		t.readSet[enc] = e.Entry.Version
		t.keyByEncoded[enc] = e.Key
		out = append(out, PrefixScanResult{Key: e.Key, Value: e.Entry.Value})
	}

	// Blind writes under this prefix that the snapshot didn't surface
	// (newly inserted keys) still need to appear in the overlay.
	for enc, wv := range t.writeSet {
		if seen[enc] {
			continue
		}
		k, ok := t.keyByEncoded[enc]
		if !ok || !k.HasPrefix(p) {
			continue
		}
		out = append(out, PrefixScanResult{Key: k, Value: wv})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Compare(out[j].Key) < 0 })
	return out, nil
}

// Snapshot exposes the transaction's pinned snapshot, e.g. for the
// coordinator to compute start_version.
func (t *Txn) Snapshot() Snapshot { return t.snapshot }

// IsReadOnly reports whether write-set, delete-set, CAS-set, and
// JSON-write buffers are all empty, letting the coordinator skip
// validation entirely for a transaction that never buffered a write.
func (t *Txn) IsReadOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writeSet) == 0 && len(t.deleteSet) == 0 && len(t.casSet) == 0 && len(t.jsonWrites) == 0
}

// Buffers is a read-only snapshot of a transaction's accumulated state,
// used by the coordinator during validate/apply without holding the
// Txn's own lock across the whole critical section.
type Buffers struct {
	ReadSet      map[string]uint64
	WriteSet     map[string]kv.Value
	DeleteSet    map[string]struct{}
	CASSet       map[string]CASEntry
	JSONReads    []JSONRead
	JSONWrites   []JSONWrite
	KeyByEncoded map[string]kv.Key
}

// SnapshotBuffers copies out the buffers for the coordinator to act on.
func (t *Txn) SnapshotBuffers() Buffers {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := Buffers{
		ReadSet:      make(map[string]uint64, len(t.readSet)),
		WriteSet:     make(map[string]kv.Value, len(t.writeSet)),
		DeleteSet:    make(map[string]struct{}, len(t.deleteSet)),
		CASSet:       make(map[string]CASEntry, len(t.casSet)),
		JSONReads:    append([]JSONRead{}, t.jsonReads...),
		JSONWrites:   append([]JSONWrite{}, t.jsonWrites...),
		KeyByEncoded: make(map[string]kv.Key, len(t.keyByEncoded)),
	}
	for k, v := range t.readSet {
		b.ReadSet[k] = v
	}
	for k, v := range t.writeSet {
		b.WriteSet[k] = v
	}
	for k := range t.deleteSet {
		b.DeleteSet[k] = struct{}{}
	}
	for k, v := range t.casSet {
		b.CASSet[k] = v
	}
	for k, v := range t.keyByEncoded {
		b.KeyByEncoded[k] = v
	}
	return b
}

// MarkValidating transitions Active -> Validating; used by the
// coordinator to fence out new buffered operations during commit.
func (t *Txn) MarkValidating() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State != Active {
		return stateError(t.State)
	}
	t.State = Validating
	return nil
}

// MarkCommitted transitions to Committed: from Validating, or directly
// from Active for a read-only commit.
func (t *Txn) MarkCommitted() {
	t.mu.Lock()
	t.State = Committed
	t.mu.Unlock()
}

// MarkAborted transitions to Aborted with the given reason, from any
// non-terminal state.
func (t *Txn) MarkAborted(reason error) {
	t.mu.Lock()
	if t.State == Active || t.State == Validating {
		t.State = Aborted
		t.AbortReason = reason
	}
	t.mu.Unlock()
}

// CurrentState returns the transaction's state under lock.
func (t *Txn) CurrentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

func stateError(s State) error {
	switch s {
	case Committed, Aborted:
		return kv.ConstraintViolationError{Reason: "transaction is " + s.String()}
	default:
		return kv.ConstraintViolationError{Reason: "transaction is not active"}
	}
}

// Savepoint establishes a named rollback point capturing the current
// buffer state. A later RollbackTo the same name restores the buffers
// to exactly this point, discarding everything buffered since. Nested
// savepoints are supported: establishing "b" after "a" and rolling back
// to "a" also discards "b".
func (t *Txn) Savepoint(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkDeadlineLocked(); err != nil {
		return err
	}
	if t.State != Active {
		return stateError(t.State)
	}

	sp := &savepoint{
		writeSet:     copyValueMap(t.writeSet),
		deleteSet:    copyStructMap(t.deleteSet),
		casSet:       copyCASMap(t.casSet),
		readSet:      copyVersionMap(t.readSet),
		keyByEncoded: copyKeyMap(t.keyByEncoded),
		jsonReadLen:  len(t.jsonReads),
		jsonWriteLen: len(t.jsonWrites),
	}
	t.savepointSeq++
	sp.seq = t.savepointSeq
	t.savepoints[name] = sp
	return nil
}

// RollbackTo restores the transaction's buffers to the state captured by
// Savepoint(name), then forgets that savepoint and any established after
// it. The transaction itself remains Active.
func (t *Txn) RollbackTo(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State != Active {
		return stateError(t.State)
	}
	sp, ok := t.savepoints[name]
	if !ok {
		return kv.InvalidInputError{Reason: "no such savepoint: " + name}
	}

	t.writeSet = copyValueMap(sp.writeSet)
	t.deleteSet = copyStructMap(sp.deleteSet)
	t.casSet = copyCASMap(sp.casSet)
	t.readSet = copyVersionMap(sp.readSet)
	t.keyByEncoded = copyKeyMap(sp.keyByEncoded)
	if sp.jsonReadLen <= len(t.jsonReads) {
		t.jsonReads = t.jsonReads[:sp.jsonReadLen]
	}
	if sp.jsonWriteLen <= len(t.jsonWrites) {
		t.jsonWrites = t.jsonWrites[:sp.jsonWriteLen]
	}

	for other, osp := range t.savepoints {
		if osp.seq >= sp.seq {
			delete(t.savepoints, other)
		}
	}
	return nil
}

// ReleaseSavepoint forgets a savepoint without rolling back to it,
// keeping everything buffered since. It is a no-op error to release an
// unknown name.
func (t *Txn) ReleaseSavepoint(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.savepoints[name]; !ok {
		return kv.InvalidInputError{Reason: "no such savepoint: " + name}
	}
	delete(t.savepoints, name)
	return nil
}

func copyValueMap(m map[string]kv.Value) map[string]kv.Value {
	out := make(map[string]kv.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStructMap(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func copyCASMap(m map[string]CASEntry) map[string]CASEntry {
	out := make(map[string]CASEntry, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyVersionMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyKeyMap(m map[string]kv.Key) map[string]kv.Key {
	out := make(map[string]kv.Key, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
