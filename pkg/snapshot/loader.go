package snapshot

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
)

// Loaded is the result of reading a snapshot file back: its header and
// the entries to install into a fresh store, grouped by primitive in
// the order they were read.
type Loaded struct {
	Header  Header
	Entries []entry
}

// LoadLatest reads dir's manifest and loads the newest snapshot it
// names. It returns (Loaded{}, false, nil) if the manifest has no
// entries yet.
func LoadLatest(dir string) (Loaded, bool, error) {
	manifest, err := ReadManifest(dir, "")
	if err != nil {
		return Loaded{}, false, err
	}
	latest, ok := manifest.Latest()
	if !ok {
		return Loaded{}, false, nil
	}
	loaded, err := Load(filepath.Join(dir, latest.Filename))
	if err != nil {
		return Loaded{}, false, err
	}
	return loaded, true, nil
}

// Load reads and validates a single snapshot file: magic, format
// version, and trailer CRC must all match before any section is
// trusted.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, kv.IOError{Op: "read", Path: path, Err: err}
	}
	if len(data) < 4 {
		return Loaded{}, kv.WALCorruptionError{Offset: 0}
	}

	body := data[:len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return Loaded{}, kv.WALCorruptionError{Offset: int64(len(body))}
	}

	header, consumed, err := DecodeHeader(body)
	if err != nil {
		return Loaded{}, err
	}
	rest := body[consumed:]

	var allEntries []entry
	for len(rest) > 0 {
		if len(rest) < sectionHeaderLen {
			return Loaded{}, kv.WALCorruptionError{Offset: int64(len(data) - len(rest))}
		}
		length := binary.LittleEndian.Uint32(rest[1:sectionHeaderLen])
		rest = rest[sectionHeaderLen:]
		if uint32(len(rest)) < length {
			return Loaded{}, kv.WALCorruptionError{Offset: int64(len(data) - len(rest))}
		}
		compressed := rest[:length]
		rest = rest[length:]

		raw, err := decodeBody(header.Codec, compressed)
		if err != nil {
			return Loaded{}, err
		}
		entries, err := decodeSectionBody(raw)
		if err != nil {
			return Loaded{}, err
		}
		allEntries = append(allEntries, entries...)
	}

	return Loaded{Header: header, Entries: allEntries}, nil
}

// InstallInto populates store with l's entries at their original
// versions and advances the store's global version to the snapshot's
// watermark, so a subsequent WAL replay allocates no version the
// snapshot already covers.
func (l Loaded) InstallInto(store *mvcc.Store) error {
	for _, e := range l.Entries {
		if e.Value.Tombstone {
			if err := store.DeleteWithVersion(e.Key, e.Value.Version, e.Value.TimestampMicros); err != nil {
				return err
			}
			continue
		}
		if err := store.PutWithVersion(e.Key, e.Value.Value, e.Value.Version, e.Value.TimestampMicros); err != nil {
			return err
		}
	}
	store.AdvanceGlobalVersion(l.Header.Watermark)
	return nil
}
