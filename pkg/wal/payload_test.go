package wal

import (
	"testing"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
)

func testKey(t *testing.T) kv.Key {
	t.Helper()
	k, err := kv.NewKey("run-1", kv.TagKV, []byte("x"))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	return k
}

func TestBeginCommitTxnRoundTrip(t *testing.T) {
	b := BeginTxnPayload{TxnID: 7, RunID: "run-1", TimestampMicros: 123}
	got, err := DecodeBeginTxn(EncodeBeginTxn(b))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != b {
		t.Fatalf("got %+v, want %+v", got, b)
	}

	c := CommitTxnPayload{TxnID: 7, RunID: "run-1"}
	gotC, err := DecodeCommitTxn(EncodeCommitTxn(c))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotC != c {
		t.Fatalf("got %+v, want %+v", gotC, c)
	}
}

func TestWritePayloadRoundTrip(t *testing.T) {
	w := WritePayload{
		TxnID:           1,
		Key:             testKey(t),
		Value:           kv.Int(42),
		Version:         5,
		TimestampMicros: 1000,
	}
	got, err := DecodeWrite(EncodeWrite(w))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TxnID != w.TxnID || got.Version != w.Version || got.TimestampMicros != w.TimestampMicros {
		t.Fatalf("scalar mismatch: %+v", got)
	}
	if got.Key.Compare(w.Key) != 0 {
		t.Fatalf("key mismatch: %v vs %v", got.Key, w.Key)
	}
	if !got.Value.Equal(w.Value) {
		t.Fatalf("value mismatch: %v vs %v", got.Value, w.Value)
	}
}

func TestDeletePayloadRoundTrip(t *testing.T) {
	d := DeletePayload{TxnID: 2, Key: testKey(t), Version: 9, TimestampMicros: 500}
	got, err := DecodeDelete(EncodeDelete(d))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TxnID != d.TxnID || got.Version != d.Version || got.Key.Compare(d.Key) != 0 {
		t.Fatalf("mismatch: %+v vs %+v", got, d)
	}
}

func TestCASPayloadRoundTrip(t *testing.T) {
	c := CASPayload{
		TxnID:           3,
		Key:             testKey(t),
		ExpectedVersion: 4,
		Value:           kv.String("hi"),
		Version:         5,
		TimestampMicros: 77,
	}
	got, err := DecodeCAS(EncodeCAS(c))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ExpectedVersion != c.ExpectedVersion || !got.Value.Equal(c.Value) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestJSONPatchPayloadRoundTrip(t *testing.T) {
	p := JSONPatchPayload{
		TxnID:           4,
		Key:             testKey(t),
		Path:            "/a/b",
		Patch:           kv.Int(1),
		ExpectedDocVer:  2,
		Version:         3,
		TimestampMicros: 88,
	}
	got, err := DecodeJSONPatch(EncodeJSONPatch(p))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Path != p.Path || got.ExpectedDocVer != p.ExpectedDocVer {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestRunLifecyclePayloadRoundTrip(t *testing.T) {
	r := RunLifecyclePayload{RunID: "run-1", State: 3, Version: 10, TimestampMicros: 99}
	got, err := DecodeRunLifecycle(EncodeRunLifecycle(r))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != r {
		t.Fatalf("got %+v, want %+v", got, r)
	}
}
