package snapshot

import (
	"encoding/binary"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
)

// sectionHeaderLen is the on-disk size of a section header: a primitive
// tag byte followed by a uint32 body length.
const sectionHeaderLen = 1 + 4

// entry is one section-body record: a key and its versioned value.
type entry struct {
	Key   kv.Key
	Value kv.VersionedValue
}

// encodeSectionBody serializes entries in the order given (callers pass
// them pre-sorted by key for determinism) as a length-prefixed sequence
// of (key, value, version, timestamp, tombstone) records.
func encodeSectionBody(entries []entry) []byte {
	buf := make([]byte, 0, 64*len(entries))
	buf = appendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = appendLenPrefixedBytes(buf, e.Key.Encode())
		buf = appendLenPrefixedBytes(buf, kv.EncodeCanonical(e.Value.Value))
		buf = appendUint64(buf, e.Value.Version)
		buf = appendUint64(buf, e.Value.TimestampMicros)
		if e.Value.Tombstone {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// decodeSectionBody parses a body produced by encodeSectionBody.
func decodeSectionBody(body []byte) ([]entry, error) {
	n, rest, err := readUint32(body)
	if err != nil {
		return nil, err
	}
	out := make([]entry, 0, n)
	for i := uint32(0); i < n; i++ {
		var keyBytes []byte
		keyBytes, rest, err = readLenPrefixedBytes(rest)
		if err != nil {
			return nil, err
		}
		var valBytes []byte
		valBytes, rest, err = readLenPrefixedBytes(rest)
		if err != nil {
			return nil, err
		}
		val, _, err := kv.DecodeCanonical(valBytes)
		if err != nil {
			return nil, err
		}
		if len(rest) < 17 {
			return nil, kv.WALCorruptionError{}
		}
		version := binary.LittleEndian.Uint64(rest[:8])
		tsMicros := binary.LittleEndian.Uint64(rest[8:16])
		tombstone := rest[16] != 0
		rest = rest[17:]

		out = append(out, entry{
			Key: kv.DecodeKey(keyBytes),
			Value: kv.VersionedValue{
				Value:           val,
				Version:         version,
				TimestampMicros: tsMicros,
				Tombstone:       tombstone,
			},
		})
	}
	return out, nil
}

// entriesFromStore converts the store's full scan into per-primitive
// section entry lists, keyed by TypeTag so each section holds one
// primitive's records under its own section header.
func entriesFromStore(store *mvcc.Store, watermark uint64) map[kv.TypeTag][]entry {
	out := make(map[kv.TypeTag][]entry)
	for _, se := range store.ScanAll(watermark) {
		out[se.Key.Tag] = append(out[se.Key.Tag], entry{Key: se.Key, Value: se.Entry})
	}
	return out
}

func appendUint32(buf []byte, n uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], n)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, n uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], n)
	return append(buf, tmp[:]...)
}

func appendLenPrefixedBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, kv.WALCorruptionError{}
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], nil
}

func readLenPrefixedBytes(buf []byte) ([]byte, []byte, error) {
	n, rest, err := readUint32(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, kv.WALCorruptionError{}
	}
	return rest[:n], rest[n:], nil
}
