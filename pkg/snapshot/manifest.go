package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

const manifestFileName = "manifest.json"

// ManifestEntry records one persisted snapshot file.
type ManifestEntry struct {
	SnapshotID      string `json:"snapshot_id"`
	Filename        string `json:"filename"`
	Watermark       uint64 `json:"watermark"`
	CreatedAtMicros uint64 `json:"created_at_micros"`
	Codec           Codec  `json:"codec"`
}

// Manifest is the durable index of every retained snapshot for one
// store, keyed by a single database uuid that is stable across
// restarts. JSON-encoded for a human-inspectable manifest rather than a
// packed binary one — unlike the snapshot body itself, the manifest is
// small and rewritten whole on every snapshot, so the readability is
// worth the extra bytes.
type Manifest struct {
	FormatVersion uint16      `json:"format_version"`
	DBUUID    string          `json:"db_uuid"`
	Snapshots []ManifestEntry `json:"snapshots"`
}

func manifestPath(dir string) string {
	return filepath.Join(dir, manifestFileName)
}

// ReadManifest loads dir's manifest, or returns a fresh Manifest seeded
// with dbUUID if none exists yet.
func ReadManifest(dir string, dbUUID string) (Manifest, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if os.IsNotExist(err) {
		return Manifest{DBUUID: dbUUID}, nil
	}
	if err != nil {
		return Manifest{}, kv.IOError{Op: "read", Path: manifestPath(dir), Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, kv.IOError{Op: "unmarshal", Path: manifestPath(dir), Err: err}
	}
	return m, nil
}

// Latest returns the manifest's newest entry by watermark, or false if
// the manifest has no snapshots.
func (m Manifest) Latest() (ManifestEntry, bool) {
	if len(m.Snapshots) == 0 {
		return ManifestEntry{}, false
	}
	best := m.Snapshots[0]
	for _, e := range m.Snapshots[1:] {
		if e.Watermark > best.Watermark {
			best = e
		}
	}
	return best, true
}

// writeManifest persists m to dir: temp file, fsync, rename, fsync the
// parent directory — the same crash-safe sequence the snapshot body
// itself uses, since a manifest rewrite is just as vulnerable to a
// half-written file on crash.
func writeManifest(dir string, m Manifest) error {
	m.FormatVersion = FormatVersion
	sort.Slice(m.Snapshots, func(i, j int) bool { return m.Snapshots[i].Watermark < m.Snapshots[j].Watermark })

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return kv.IOError{Op: "marshal", Path: manifestPath(dir), Err: err}
	}
	return crashSafeWrite(dir, manifestPath(dir), data)
}

// crashSafeWrite writes a single file durably: write to a temp file,
// fsync it, rename over the destination, then fsync the parent
// directory so the rename itself survives a crash.
func crashSafeWrite(dir string, destPath string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".snapshot-tmp-*")
	if err != nil {
		return kv.IOError{Op: "create_temp", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return kv.IOError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return kv.IOError{Op: "fsync", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return kv.IOError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return kv.IOError{Op: "rename", Path: destPath, Err: err}
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return kv.IOError{Op: "open_dir", Path: dir, Err: err}
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return kv.IOError{Op: "fsync_dir", Path: dir, Err: err}
	}
	return nil
}
