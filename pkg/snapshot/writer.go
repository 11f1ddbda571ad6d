package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
)

// orderedTags lists the primitives a section body may appear for, in a
// fixed order so two snapshots of identical content are byte-identical.
var orderedTags = []kv.TypeTag{
	kv.TagKV, kv.TagJSON, kv.TagEvent, kv.TagState, kv.TagRun, kv.TagVector,
}

// Write persists store's contents as of watermark to dir: temp file,
// fsync, rename to snapshot-<uuid>-<watermark>.chk, fsync the
// directory, then update and fsync the manifest. Returns the new
// entry's snapshot id.
func Write(dir string, store *mvcc.Store, watermark uint64, dbUUID string, codec Codec, createdAtMicros uint64) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", kv.IOError{Op: "mkdir", Path: dir, Err: err}
	}

	snapshotID := uuid.NewString()
	header := NewHeader(snapshotID, dbUUID, watermark, createdAtMicros, codec)

	body := header.Encode()
	byTag := entriesFromStore(store, watermark)
	for _, tag := range orderedTags {
		entries := byTag[tag]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key.Compare(entries[j].Key) < 0 })
		raw := encodeSectionBody(entries)
		compressed, err := encodeBody(codec, raw)
		if err != nil {
			return "", err
		}
		sectionHeader := make([]byte, sectionHeaderLen)
		sectionHeader[0] = byte(tag)
		binary.LittleEndian.PutUint32(sectionHeader[1:], uint32(len(compressed)))
		body = append(body, sectionHeader...)
		body = append(body, compressed...)
	}

	trailer := crc32.ChecksumIEEE(body)
	var trailerBuf [4]byte
	binary.LittleEndian.PutUint32(trailerBuf[:], trailer)
	full := append(body, trailerBuf[:]...)

	filename := fmt.Sprintf("snapshot-%s-%020d.chk", snapshotID, watermark)
	destPath := filepath.Join(dir, filename)
	if err := crashSafeWrite(dir, destPath, full); err != nil {
		return "", err
	}

	manifest, err := ReadManifest(dir, dbUUID)
	if err != nil {
		return "", err
	}
	if manifest.DBUUID == "" {
		manifest.DBUUID = dbUUID
	}
	manifest.Snapshots = append(manifest.Snapshots, ManifestEntry{
		SnapshotID:      snapshotID,
		Filename:        filename,
		Watermark:       watermark,
		CreatedAtMicros: createdAtMicros,
		Codec:           codec,
	})
	if err := writeManifest(dir, manifest); err != nil {
		return "", err
	}

	return snapshotID, nil
}

// Retain keeps only the newest keepN manifest entries, deleting the
// snapshot files that fall out of the window; callers decide when and
// how often to call it.
func Retain(dir string, keepN int) error {
	manifest, err := ReadManifest(dir, "")
	if err != nil {
		return err
	}
	if keepN <= 0 || len(manifest.Snapshots) <= keepN {
		return nil
	}
	sort.Slice(manifest.Snapshots, func(i, j int) bool {
		return manifest.Snapshots[i].Watermark < manifest.Snapshots[j].Watermark
	})
	drop := manifest.Snapshots[:len(manifest.Snapshots)-keepN]
	keep := manifest.Snapshots[len(manifest.Snapshots)-keepN:]

	for _, e := range drop {
		if err := os.Remove(filepath.Join(dir, e.Filename)); err != nil && !os.IsNotExist(err) {
			return kv.IOError{Op: "remove", Path: e.Filename, Err: err}
		}
	}
	manifest.Snapshots = keep
	return writeManifest(dir, manifest)
}
