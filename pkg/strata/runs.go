package strata

import (
	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/runs"
)

// RunCreate registers a new run; see pkg/runs.Registry.Create.
func (db *Db) RunCreate(runID, name string, metadata kv.Value, parentRun string) (runs.Info, error) {
	return db.registry.Create(runID, name, metadata, parentRun)
}

func (db *Db) RunGet(runID string) (runs.Info, error) { return db.registry.Get(runID) }

func (db *Db) RunExists(runID string) bool { return db.registry.Exists(runID) }

func (db *Db) RunList(state *runs.State, limit, offset int) []runs.Info {
	return db.registry.List(state, limit, offset)
}

func (db *Db) RunUpdateMetadata(runID string, tags []string, metadata kv.Value) (runs.Info, error) {
	return db.registry.UpdateMetadata(runID, tags, metadata)
}

func (db *Db) RunClose(runID string) (runs.Info, error)   { return db.registry.Close(runID) }
func (db *Db) RunPause(runID string) (runs.Info, error)   { return db.registry.Pause(runID) }
func (db *Db) RunResume(runID string) (runs.Info, error)  { return db.registry.Resume(runID) }
func (db *Db) RunCancel(runID string) (runs.Info, error)  { return db.registry.Cancel(runID) }
func (db *Db) RunArchive(runID string) (runs.Info, error) { return db.registry.Archive(runID) }
func (db *Db) RunFail(runID, reason string) (runs.Info, error) {
	return db.registry.Fail(runID, reason)
}

// RunDelete cascades a run's deletion to every entry in its namespace,
// through the ordinary commit path (so the deletes are WAL-durable and
// observer-visible like any other write), then removes the run's
// metadata record. It never touches any other run's namespace.
func (db *Db) RunDelete(runID string) error {
	t := db.coord.Begin(runID)
	results, err := t.PrefixScan(kv.RunPrefix(runID))
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := t.Delete(r.Key); err != nil {
			return err
		}
	}
	if len(results) > 0 {
		if _, err := db.coord.Commit(t); err != nil {
			return err
		}
	}
	return db.registry.Delete(runID)
}
