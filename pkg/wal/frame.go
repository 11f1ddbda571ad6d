// Package wal implements the write-ahead log every commit linearizes
// through before the MVCC store is mutated: frame encoding, durability
// modes, segment storage with watermark-gated truncation, and the
// replay iterator recovery scans. A tagged, CRC-framed format over
// rotating segments, rather than one fixed record shape in a single
// file.
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// FrameType tags a frame's owning primitive. Ranges mirror kv.TypeTag so
// a frame's primitive and its key's primitive agree without a lookup
// table.
type FrameType byte

const (
	FrameReserved FrameType = 0x00

	FrameBeginTxn  FrameType = 0x01
	FrameCommitTxn FrameType = 0x02

	FrameKVWrite  FrameType = 0x10
	FrameKVDelete FrameType = 0x11
	FrameKVCAS    FrameType = 0x12

	FrameJSONPatch FrameType = 0x20

	FrameEventAppend FrameType = 0x30

	FrameStateSet FrameType = 0x40

	FrameRunCreate   FrameType = 0x60
	FrameRunUpdate   FrameType = 0x61
	FrameRunLifecycle FrameType = 0x62
	FrameRunDelete   FrameType = 0x63

	FrameVectorWrite  FrameType = 0x70
	FrameVectorDelete FrameType = 0x71
)

// InRange reports whether t falls within lo..hi inclusive, the
// range-ownership test recovery uses to recognize "a frame type I don't
// handle yet" as distinct from corruption.
func (t FrameType) InRange(lo, hi FrameType) bool {
	return t >= lo && t <= hi
}

func (t FrameType) IsTxnFraming() bool { return t.InRange(0x01, 0x0F) }
func (t FrameType) IsKV() bool         { return t.InRange(0x10, 0x1F) }
func (t FrameType) IsJSON() bool       { return t.InRange(0x20, 0x2F) }
func (t FrameType) IsEvent() bool      { return t.InRange(0x30, 0x3F) }
func (t FrameType) IsState() bool      { return t.InRange(0x40, 0x4F) }
func (t FrameType) IsRun() bool        { return t.InRange(0x60, 0x6F) }
func (t FrameType) IsVector() bool     { return t.InRange(0x70, 0x7F) }

// frameHeaderLen is the length prefix plus the type tag, written before
// the payload: 4 bytes for L, 1 byte for the type.
const frameHeaderLen = 5

// frameTrailerLen is the CRC-32 trailer over (type || payload).
const frameTrailerLen = 4

// MaxFrameSize bounds a single frame's payload; recovery's corruption
// resync window must be at least this large.
const MaxFrameSize = 64 * 1024

// Frame is one length-prefixed, CRC-protected WAL record.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Encode serializes f as [len(payload)][type][payload][crc32] with the
// length written before the CRC is computed, so recovery can resync at
// the next length boundary after corruption.
func Encode(f Frame) []byte {
	buf := make([]byte, 4, 4+1+len(f.Payload)+frameTrailerLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	buf = append(buf, byte(f.Type))
	buf = append(buf, f.Payload...)

	crc := crc32.ChecksumIEEE(buf[4:])
	crcBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBuf, crc)
	buf = append(buf, crcBuf...)
	return buf
}

// Decode parses one frame from the front of buf, returning the frame,
// the number of bytes it consumed, and an error if buf is too short or
// the CRC does not match. A short buffer (not yet a full frame) reports
// errShortBuffer, which callers distinguish from real corruption.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < frameHeaderLen {
		return Frame{}, 0, errShortBuffer
	}
	payloadLen := binary.LittleEndian.Uint32(buf[0:4])
	if payloadLen > MaxFrameSize {
		return Frame{}, 0, kv.WALCorruptionError{Offset: 0}
	}
	total := frameHeaderLen + int(payloadLen) + frameTrailerLen
	if len(buf) < total {
		return Frame{}, 0, errShortBuffer
	}

	typ := FrameType(buf[4])
	payload := buf[frameHeaderLen : frameHeaderLen+int(payloadLen)]
	wantCRC := binary.LittleEndian.Uint32(buf[frameHeaderLen+int(payloadLen) : total])
	gotCRC := crc32.ChecksumIEEE(buf[4 : frameHeaderLen+int(payloadLen)])
	if gotCRC != wantCRC {
		return Frame{}, 0, kv.WALCorruptionError{Offset: 0}
	}

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)
	return Frame{Type: typ, Payload: payloadCopy}, total, nil
}

type shortBufferError struct{}

func (shortBufferError) Error() string { return "wal: buffer does not yet hold a complete frame" }

var errShortBuffer = shortBufferError{}

// IsShortBuffer reports whether err indicates the buffer simply doesn't
// hold a complete frame yet (as opposed to a corrupted one).
func IsShortBuffer(err error) bool {
	_, ok := err.(shortBufferError)
	return ok
}
