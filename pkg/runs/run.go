// Package runs implements run metadata and the run lifecycle state
// machine. Runs are the isolation boundary a transaction commits under;
// this package owns their metadata and state transitions, not their
// data (which lives in the MVCC store under the run's namespace).
package runs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// State is a run's lifecycle position. Completed, Failed, and Cancelled
// are terminal except for the single permitted transition to Archived;
// Archived itself is final.
type State int

const (
	Active State = iota
	Paused
	Completed
	Failed
	Cancelled
	Archived
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Archived:
		return "archived"
	default:
		return "unknown"
	}
}

func (s State) isTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled || s == Archived
}

// Info is a run's metadata record. Tags and Metadata are copied on every
// read/write so callers can never mutate a stored run through an
// aliased map or slice.
type Info struct {
	ID         string
	Name       string
	State      State
	Tags       []string
	Metadata   kv.Value // a KindMap value, or KindNull if unset
	ParentRun  string   // empty if none
	CreatedAt  time.Time
	Version    uint64 // increments on any metadata mutation
	FailReason string // set only when State == Failed
}

func (i Info) clone() Info {
	out := i
	out.Tags = append([]string(nil), i.Tags...)
	return out
}

// Registry is the in-memory run directory. It holds only metadata; run
// data lives in the MVCC store, addressed by run namespace: a
// mutex-guarded map plus monotonic versioning on mutation.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]Info
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]Info)}
}

// Create registers a new run. If id is empty, a UUID is generated. It
// is a ConstraintViolationError to create a run under an id that already
// exists.
func (r *Registry) Create(id string, name string, metadata kv.Value, parentRun string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := r.runs[id]; exists {
		return Info{}, kv.ConstraintViolationError{Reason: "run already exists: " + id}
	}
	if metadata.IsNull() {
		metadata = kv.NewMap()
	}
	info := Info{
		ID:        id,
		Name:      name,
		State:     Active,
		Metadata:  metadata,
		ParentRun: parentRun,
		CreatedAt: time.Now(),
		Version:   1,
	}
	r.runs[id] = info
	return info.clone(), nil
}

// Get returns a run's metadata, or NotFoundError.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.runs[id]
	if !ok {
		return Info{}, kv.NotFoundError{Kind: "run", ID: id}
	}
	return info.clone(), nil
}

// Exists reports whether id names a known run.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runs[id]
	return ok
}

// List returns runs matching an optional state filter, sorted by id for
// deterministic pagination, with limit/offset applied. A nil state
// pointer matches all states.
func (r *Registry) List(state *State, limit, offset int) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Info
	for _, info := range r.runs {
		if state != nil && info.State != *state {
			continue
		}
		matched = append(matched, info.clone())
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched
}

// UpdateMetadata replaces a run's tags/metadata and bumps its version.
// It is a ConstraintViolationError to mutate a run that is Archived.
func (r *Registry) UpdateMetadata(id string, tags []string, metadata kv.Value) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.runs[id]
	if !ok {
		return Info{}, kv.NotFoundError{Kind: "run", ID: id}
	}
	if info.State == Archived {
		return Info{}, kv.ConstraintViolationError{Reason: "cannot update metadata on an archived run"}
	}
	info.Tags = append([]string(nil), tags...)
	info.Metadata = metadata
	info.Version++
	r.runs[id] = info
	return info.clone(), nil
}

// transition performs a validated state change, bumping version. Only
// non-terminal states may move to other non-terminal states or to a
// terminal one; Completed/Failed/Cancelled may additionally move to
// Archived; Archived is final.
func (r *Registry) transition(id string, to State, failReason string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.runs[id]
	if !ok {
		return Info{}, kv.NotFoundError{Kind: "run", ID: id}
	}

	if info.State == Archived {
		return Info{}, kv.ConstraintViolationError{Reason: "run is archived: no further transitions"}
	}
	if info.State.isTerminal() && to != Archived {
		return Info{}, kv.ConstraintViolationError{Reason: "run " + info.State.String() + " can only transition to archived"}
	}

	info.State = to
	info.Version++
	if to == Failed {
		info.FailReason = failReason
	}
	r.runs[id] = info
	return info.clone(), nil
}

func (r *Registry) Close(id string) (Info, error)   { return r.transition(id, Completed, "") }
func (r *Registry) Pause(id string) (Info, error)   { return r.transition(id, Paused, "") }
func (r *Registry) Resume(id string) (Info, error)  { return r.transition(id, Active, "") }
func (r *Registry) Cancel(id string) (Info, error)  { return r.transition(id, Cancelled, "") }
func (r *Registry) Archive(id string) (Info, error) { return r.transition(id, Archived, "") }
func (r *Registry) Fail(id string, reason string) (Info, error) {
	return r.transition(id, Failed, reason)
}

// SetRecoveredState installs a run record's state directly, bypassing
// the transition validation in transition(): recovery is replaying
// state that was already validated at the original commit, not
// re-deciding it. If id is unknown, a bare record is created so the run
// becomes visible once recovery is done.
func (r *Registry) SetRecoveredState(id string, state State, version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.runs[id]
	if !ok {
		info = Info{ID: id, CreatedAt: time.Now()}
	}
	info.State = state
	info.Version = version
	r.runs[id] = info
}

// Delete removes a run's metadata entirely. The caller is responsible
// for cascading the delete to the run's MVCC namespace; this method only
// removes the directory entry.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; !ok {
		return kv.NotFoundError{Kind: "run", ID: id}
	}
	delete(r.runs, id)
	return nil
}
