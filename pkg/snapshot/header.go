// Package snapshot implements the periodic, crash-safe persistence of
// the MVCC store's contents so recovery does not have to replay an
// unbounded write-ahead log. A snapshot file is a fixed
// header, a sequence of per-primitive sections, and a CRC-32 trailer;
// a durable manifest tracks which snapshot is newest.
//
// The on-disk header is a fixed-width, manually
// binary.LittleEndian-encoded struct guarded by a magic number and a
// format version.
package snapshot

import (
	"encoding/binary"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// MagicNumber identifies a valid snapshot file: "STRT" in ASCII.
const MagicNumber uint32 = 0x53545254

// FormatVersion is bumped whenever the header or section encoding
// changes incompatibly.
const FormatVersion uint16 = 1

// headerFixedLen is the fixed byte length of an encoded Header, not counting
// the variable-length SnapshotID/DBUUID strings that follow it.
const headerFixedLen = 4 + 2 + 1 + 8 + 8 + 2 + 2

// Header is the fixed-size preamble of a snapshot file.
type Header struct {
	MagicNumber     uint32
	FormatVersion   uint16
	Codec           Codec
	Watermark       uint64 // commit version covered by this snapshot
	CreatedAtMicros uint64
	SnapshotID      string // uuid
	DBUUID          string
}

// NewHeader builds a header for a fresh snapshot.
func NewHeader(snapshotID, dbUUID string, watermark uint64, createdAtMicros uint64, codec Codec) Header {
	return Header{
		MagicNumber:     MagicNumber,
		FormatVersion:   FormatVersion,
		Codec:           codec,
		Watermark:       watermark,
		CreatedAtMicros: createdAtMicros,
		SnapshotID:      snapshotID,
		DBUUID:          dbUUID,
	}
}

// Encode writes the header in its canonical on-disk form: the fixed
// fields, then SnapshotID and DBUUID as length-prefixed strings.
func (h Header) Encode() []byte {
	buf := make([]byte, headerFixedLen)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], h.MagicNumber)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], h.FormatVersion)
	off += 2
	buf[off] = byte(h.Codec)
	off++
	binary.LittleEndian.PutUint64(buf[off:], h.Watermark)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.CreatedAtMicros)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(h.SnapshotID)))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(h.DBUUID)))

	buf = append(buf, []byte(h.SnapshotID)...)
	buf = append(buf, []byte(h.DBUUID)...)
	return buf
}

// DecodeHeader reads a Header from the start of buf, returning the
// number of bytes consumed.
func DecodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < headerFixedLen {
		return Header{}, 0, kv.WALCorruptionError{Offset: 0}
	}
	var h Header
	off := 0
	h.MagicNumber = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.FormatVersion = binary.LittleEndian.Uint16(buf[off:])
	off += 2
	h.Codec = Codec(buf[off])
	off++
	h.Watermark = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.CreatedAtMicros = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	idLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	uuidLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2

	if h.MagicNumber != MagicNumber {
		return Header{}, 0, kv.WALCorruptionError{Offset: 0}
	}
	if h.FormatVersion != FormatVersion {
		return Header{}, 0, kv.WALCorruptionError{Offset: 0}
	}
	if len(buf) < off+idLen+uuidLen {
		return Header{}, 0, kv.WALCorruptionError{Offset: int64(off)}
	}
	h.SnapshotID = string(buf[off : off+idLen])
	off += idLen
	h.DBUUID = string(buf[off : off+uuidLen])
	off += uuidLen
	return h, off, nil
}
