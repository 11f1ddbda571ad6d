package wal

import (
	"encoding/binary"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

// Canonical payload schemas, little-endian, length-prefixed where
// variable. Every transaction-scoped schema starts with TxnID;
// RunLifecyclePayload, which belongs to no transaction, starts with
// RunID.

// BeginTxnPayload is the payload of a FrameBeginTxn frame.
type BeginTxnPayload struct {
	TxnID           uint64
	RunID           string
	TimestampMicros uint64
}

func EncodeBeginTxn(p BeginTxnPayload) []byte {
	buf := appendUint64(nil, p.TxnID)
	buf = appendLenPrefixedString(buf, p.RunID)
	buf = appendUint64(buf, p.TimestampMicros)
	return buf
}

func DecodeBeginTxn(buf []byte) (BeginTxnPayload, error) {
	var p BeginTxnPayload
	var err error
	p.TxnID, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	p.RunID, buf, err = readLenPrefixedString(buf)
	if err != nil {
		return p, err
	}
	p.TimestampMicros, _, err = readUint64(buf)
	return p, err
}

// CommitTxnPayload is the payload of a FrameCommitTxn frame — the
// durability point of a transaction.
type CommitTxnPayload struct {
	TxnID uint64
	RunID string
}

func EncodeCommitTxn(p CommitTxnPayload) []byte {
	buf := appendUint64(nil, p.TxnID)
	buf = appendLenPrefixedString(buf, p.RunID)
	return buf
}

func DecodeCommitTxn(buf []byte) (CommitTxnPayload, error) {
	var p CommitTxnPayload
	var err error
	p.TxnID, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	p.RunID, _, err = readLenPrefixedString(buf)
	return p, err
}

// WritePayload covers FrameKVWrite, FrameEventAppend, FrameStateSet,
// FrameVectorWrite, FrameRunCreate, and FrameRunUpdate: a single key/value
// write at a commit version. The frame type distinguishes the owning
// primitive; the schema is shared.
type WritePayload struct {
	TxnID           uint64
	Key             kv.Key
	Value           kv.Value
	Version         uint64
	TimestampMicros uint64
}

func EncodeWrite(p WritePayload) []byte {
	buf := appendUint64(nil, p.TxnID)
	buf = appendLenPrefixedBytes(buf, p.Key.Encode())
	buf = appendLenPrefixedBytes(buf, kv.EncodeCanonical(p.Value))
	buf = appendUint64(buf, p.Version)
	buf = appendUint64(buf, p.TimestampMicros)
	return buf
}

func DecodeWrite(buf []byte) (WritePayload, error) {
	var p WritePayload
	var err error
	var keyBytes, valBytes []byte

	p.TxnID, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	keyBytes, buf, err = readLenPrefixedBytes(buf)
	if err != nil {
		return p, err
	}
	p.Key = kv.DecodeKey(keyBytes)

	valBytes, buf, err = readLenPrefixedBytes(buf)
	if err != nil {
		return p, err
	}
	p.Value, _, err = kv.DecodeCanonical(valBytes)
	if err != nil {
		return p, err
	}

	p.Version, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	p.TimestampMicros, _, err = readUint64(buf)
	return p, err
}

// DeletePayload covers FrameKVDelete, FrameRunDelete, and
// FrameVectorDelete: a tombstone at a commit version.
type DeletePayload struct {
	TxnID           uint64
	Key             kv.Key
	Version         uint64
	TimestampMicros uint64
}

func EncodeDelete(p DeletePayload) []byte {
	buf := appendUint64(nil, p.TxnID)
	buf = appendLenPrefixedBytes(buf, p.Key.Encode())
	buf = appendUint64(buf, p.Version)
	buf = appendUint64(buf, p.TimestampMicros)
	return buf
}

func DecodeDelete(buf []byte) (DeletePayload, error) {
	var p DeletePayload
	var err error
	var keyBytes []byte

	p.TxnID, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	keyBytes, buf, err = readLenPrefixedBytes(buf)
	if err != nil {
		return p, err
	}
	p.Key = kv.DecodeKey(keyBytes)

	p.Version, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	p.TimestampMicros, _, err = readUint64(buf)
	return p, err
}

// CASPayload is the payload of a FrameKVCAS frame.
type CASPayload struct {
	TxnID           uint64
	Key             kv.Key
	ExpectedVersion uint64
	Value           kv.Value
	Version         uint64
	TimestampMicros uint64
}

func EncodeCAS(p CASPayload) []byte {
	buf := appendUint64(nil, p.TxnID)
	buf = appendLenPrefixedBytes(buf, p.Key.Encode())
	buf = appendUint64(buf, p.ExpectedVersion)
	buf = appendLenPrefixedBytes(buf, kv.EncodeCanonical(p.Value))
	buf = appendUint64(buf, p.Version)
	buf = appendUint64(buf, p.TimestampMicros)
	return buf
}

func DecodeCAS(buf []byte) (CASPayload, error) {
	var p CASPayload
	var err error
	var keyBytes, valBytes []byte

	p.TxnID, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	keyBytes, buf, err = readLenPrefixedBytes(buf)
	if err != nil {
		return p, err
	}
	p.Key = kv.DecodeKey(keyBytes)

	p.ExpectedVersion, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	valBytes, buf, err = readLenPrefixedBytes(buf)
	if err != nil {
		return p, err
	}
	p.Value, _, err = kv.DecodeCanonical(valBytes)
	if err != nil {
		return p, err
	}

	p.Version, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	p.TimestampMicros, _, err = readUint64(buf)
	return p, err
}

// JSONPatchPayload is the payload of a FrameJSONPatch frame.
type JSONPatchPayload struct {
	TxnID          uint64
	Key            kv.Key
	Path           string
	Patch          kv.Value
	ExpectedDocVer uint64
	Version        uint64
	TimestampMicros uint64
}

func EncodeJSONPatch(p JSONPatchPayload) []byte {
	buf := appendUint64(nil, p.TxnID)
	buf = appendLenPrefixedBytes(buf, p.Key.Encode())
	buf = appendLenPrefixedString(buf, p.Path)
	buf = appendLenPrefixedBytes(buf, kv.EncodeCanonical(p.Patch))
	buf = appendUint64(buf, p.ExpectedDocVer)
	buf = appendUint64(buf, p.Version)
	buf = appendUint64(buf, p.TimestampMicros)
	return buf
}

func DecodeJSONPatch(buf []byte) (JSONPatchPayload, error) {
	var p JSONPatchPayload
	var err error
	var keyBytes, patchBytes []byte

	p.TxnID, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	keyBytes, buf, err = readLenPrefixedBytes(buf)
	if err != nil {
		return p, err
	}
	p.Key = kv.DecodeKey(keyBytes)

	p.Path, buf, err = readLenPrefixedString(buf)
	if err != nil {
		return p, err
	}
	patchBytes, buf, err = readLenPrefixedBytes(buf)
	if err != nil {
		return p, err
	}
	p.Patch, _, err = kv.DecodeCanonical(patchBytes)
	if err != nil {
		return p, err
	}

	p.ExpectedDocVer, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	p.Version, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	p.TimestampMicros, _, err = readUint64(buf)
	return p, err
}

// RunLifecyclePayload is the payload of a FrameRunLifecycle frame: a run
// state transition, not a data write.
type RunLifecyclePayload struct {
	RunID           string
	State           byte
	Version         uint64
	TimestampMicros uint64
}

func EncodeRunLifecycle(p RunLifecyclePayload) []byte {
	buf := appendLenPrefixedString(nil, p.RunID)
	buf = append(buf, p.State)
	buf = appendUint64(buf, p.Version)
	buf = appendUint64(buf, p.TimestampMicros)
	return buf
}

func DecodeRunLifecycle(buf []byte) (RunLifecyclePayload, error) {
	var p RunLifecyclePayload
	var err error
	p.RunID, buf, err = readLenPrefixedString(buf)
	if err != nil {
		return p, err
	}
	if len(buf) < 1 {
		return p, errShortBuffer
	}
	p.State = buf[0]
	buf = buf[1:]
	p.Version, buf, err = readUint64(buf)
	if err != nil {
		return p, err
	}
	p.TimestampMicros, _, err = readUint64(buf)
	return p, err
}

// --- shared primitives ---

func appendUint64(buf []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	return append(buf, tmp...)
}

func readUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, errShortBuffer
	}
	return binary.LittleEndian.Uint64(buf[:8]), buf[8:], nil
}

func appendLenPrefixedBytes(buf []byte, b []byte) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, uint32(len(b)))
	buf = append(buf, tmp...)
	return append(buf, b...)
}

func readLenPrefixedBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, errShortBuffer
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, errShortBuffer
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, buf[n:], nil
}

func appendLenPrefixedString(buf []byte, s string) []byte {
	return appendLenPrefixedBytes(buf, []byte(s))
}

func readLenPrefixedString(buf []byte) (string, []byte, error) {
	b, rest, err := readLenPrefixedBytes(buf)
	if err != nil {
		return "", nil, err
	}
	return string(b), rest, nil
}
