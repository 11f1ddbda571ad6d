package kv

import "fmt"

// The core distinguishes these error kinds per the error-handling design:
// NotFound, InvalidInput, ConstraintViolation, Conflict, Timeout,
// Shutdown, WALCorruption, IO, VersionRegression, and HistoryTrimmed.
// Each is a concrete type carrying structured fields rather than a
// string, and each implements error directly (no sentinel + errors.Is
// string matching), so callers can type-switch and retry programmatically.

// NotFoundError is returned when a run or key is missing where required.
type NotFoundError struct {
	Kind string // "run" | "key"
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// InvalidInputError covers empty/oversized/reserved keys, NaN/Inf
// floats, and malformed JSON paths.
type InvalidInputError struct {
	Reason string
}

func (e InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// ConstraintViolationError covers business-rule violations: an event
// payload that isn't an object, an illegal run-state transition, or an
// operation forbidden on a distinguished run.
type ConstraintViolationError struct {
	Reason string
}

func (e ConstraintViolationError) Error() string {
	return "constraint violation: " + e.Reason
}

// Conflict describes a single OCC, CAS, or JSON-path conflict found
// during validation.
type Conflict struct {
	Kind            string // "read_write" | "cas" | "json_path" | "json_doc"
	Key             Key
	ObservedVersion uint64
	CurrentVersion  uint64
	Path            string
}

func (c Conflict) String() string {
	switch c.Kind {
	case "cas":
		return fmt.Sprintf("cas conflict on %s: expected %d, have %d", c.Key, c.ObservedVersion, c.CurrentVersion)
	case "json_path":
		return fmt.Sprintf("json path conflict on %s at %q", c.Key, c.Path)
	case "json_doc":
		return fmt.Sprintf("json doc version conflict on %s: observed %d, have %d", c.Key, c.ObservedVersion, c.CurrentVersion)
	default:
		return fmt.Sprintf("read-write conflict on %s: observed %d, now %d", c.Key, c.ObservedVersion, c.CurrentVersion)
	}
}

// ConflictError carries the full, additive list of conflicts found while
// validating a transaction for commit.
type ConflictError struct {
	Conflicts []Conflict
}

func (e ConflictError) Error() string {
	if len(e.Conflicts) == 1 {
		return "conflict: " + e.Conflicts[0].String()
	}
	return fmt.Sprintf("conflict: %d conflicting observations", len(e.Conflicts))
}

// TimeoutError is returned when a transaction exceeds its deadline.
type TimeoutError struct {
	TxnID uint64
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("transaction %d timed out", e.TxnID)
}

// ShutdownError is returned when the database is no longer accepting
// transactions.
type ShutdownError struct{}

func (e ShutdownError) Error() string { return "database is shutting down" }

// WALCorruptionError is returned when recovery or scanning hits WAL
// damage beyond the tolerated resync budget.
type WALCorruptionError struct {
	Offset int64
}

func (e WALCorruptionError) Error() string {
	return fmt.Sprintf("unrecoverable WAL corruption at offset %d", e.Offset)
}

// IOError wraps an underlying filesystem error, preserving it for
// errors.Unwrap/errors.Is/As chains.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e IOError) Error() string {
	return fmt.Sprintf("io error during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e IOError) Unwrap() error { return e.Err }

// VersionRegressionError signals a programming error: a put whose
// version is not strictly newer than the chain head. It should never
// occur on the normal commit path, where commit versions are allocated
// monotonically.
type VersionRegressionError struct {
	Key            Key
	AttemptedVer   uint64
	CurrentHeadVer uint64
}

func (e VersionRegressionError) Error() string {
	return fmt.Sprintf("version regression on %s: attempted %d, head is %d", e.Key, e.AttemptedVer, e.CurrentHeadVer)
}

// HistoryTrimmedError is returned when a read-at-version or
// read-at-timestamp request targets a point older than the oldest
// version the store still retains.
type HistoryTrimmedError struct {
	Key            Key
	RequestVersion uint64
	OldestVersion  uint64
}

func (e HistoryTrimmedError) Error() string {
	return fmt.Sprintf("history trimmed for %s: requested version %d, oldest retained is %d", e.Key, e.RequestVersion, e.OldestVersion)
}
