package coordinator

import "github.com/strata-systems/strata-core-sub002/pkg/kv"

// Direct single-key operations are sugar for a one-operation transaction
// executed through the same commit protocol.

// Put commits a single-key write as a one-op transaction.
func (c *Coordinator) Put(runID string, k kv.Key, v kv.Value) (uint64, error) {
	t := c.Begin(runID)
	if err := t.Put(k, v); err != nil {
		return 0, err
	}
	return c.Commit(t)
}

// Delete commits a single-key delete as a one-op transaction.
func (c *Coordinator) Delete(runID string, k kv.Key) (uint64, error) {
	t := c.Begin(runID)
	if err := t.Delete(k); err != nil {
		return 0, err
	}
	return c.Commit(t)
}

// Get performs a read-only one-op transaction: check write/delete-set is
// irrelevant here since nothing is buffered yet, so this is equivalent
// to a direct snapshot read at the current version.
func (c *Coordinator) Get(runID string, k kv.Key) (kv.Value, bool, error) {
	t := c.Begin(runID)
	return t.Get(k)
}

// CAS commits a single-key compare-and-swap as a one-op transaction.
func (c *Coordinator) CAS(runID string, k kv.Key, expectedVersion uint64, v kv.Value) (uint64, error) {
	t := c.Begin(runID)
	if err := t.CAS(k, expectedVersion, v); err != nil {
		return 0, err
	}
	return c.Commit(t)
}
