package txn

import (
	"testing"

	"github.com/strata-systems/strata-core-sub002/pkg/kv"
	"github.com/strata-systems/strata-core-sub002/pkg/mvcc"
)

func TestValidateReadOnlyShortcut(t *testing.T) {
	store := mvcc.NewStore()
	k := mustKey(t, "run-1", "x")
	store.PutWithVersion(k, kv.Int(1), 1, 10)

	b := Buffers{
		ReadSet:      map[string]uint64{string(k.Encode()): 999}, // stale, would fail if checked
		KeyByEncoded: map[string]kv.Key{string(k.Encode()): k},
	}
	res := Validate(b, store, nil)
	if !res.OK() {
		t.Fatalf("expected read-only shortcut to bypass checks, got conflicts: %v", res.Conflicts)
	}
}

func TestValidateReadWriteConflict(t *testing.T) {
	store := mvcc.NewStore()
	k := mustKey(t, "run-1", "x")
	store.PutWithVersion(k, kv.Int(1), 1, 10)
	store.PutWithVersion(k, kv.Int(2), 2, 20) // concurrent commit moves head to 2

	b := Buffers{
		ReadSet:      map[string]uint64{string(k.Encode()): 1},
		WriteSet:     map[string]kv.Value{string(k.Encode()): kv.Int(3)},
		KeyByEncoded: map[string]kv.Key{string(k.Encode()): k},
	}
	res := Validate(b, store, nil)
	if res.OK() {
		t.Fatalf("expected a read-write conflict")
	}
	if res.Conflicts[0].Kind != "read_write" {
		t.Fatalf("expected read_write conflict, got %s", res.Conflicts[0].Kind)
	}
}

func TestValidateCASConflict(t *testing.T) {
	store := mvcc.NewStore()
	k := mustKey(t, "run-1", "x")
	store.PutWithVersion(k, kv.Int(1), 5, 10)

	b := Buffers{
		CASSet:       map[string]CASEntry{string(k.Encode()): {Expected: 0, Value: kv.Int(2)}},
		KeyByEncoded: map[string]kv.Key{string(k.Encode()): k},
	}
	res := Validate(b, store, nil)
	if res.OK() {
		t.Fatalf("expected a cas conflict (expected absent, key exists at version 5)")
	}
	if res.Conflicts[0].Kind != "cas" {
		t.Fatalf("expected cas conflict, got %s", res.Conflicts[0].Kind)
	}
}

func TestValidateBlindWriteNeverConflicts(t *testing.T) {
	store := mvcc.NewStore()
	k := mustKey(t, "run-1", "x")
	store.PutWithVersion(k, kv.Int(1), 1, 10)
	store.PutWithVersion(k, kv.Int(2), 2, 20)

	b := Buffers{
		WriteSet:     map[string]kv.Value{string(k.Encode()): kv.Int(99)},
		KeyByEncoded: map[string]kv.Key{string(k.Encode()): k},
	}
	res := Validate(b, store, nil)
	if !res.OK() {
		t.Fatalf("blind writes must never conflict, got: %v", res.Conflicts)
	}
}

func TestPathsOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"/a/b", "/a/b", true},
		{"/a", "/a/b", true},
		{"/a/b", "/a", true},
		{"/a/b", "/a/c", false},
		{"", "/a/b", true},
		{"/a/b/c", "/a/b/d", false},
	}
	for _, c := range cases {
		if got := pathsOverlap(c.a, c.b); got != c.want {
			t.Errorf("pathsOverlap(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestValidateJSONPathConflict(t *testing.T) {
	store := mvcc.NewStore()
	k := mustKey(t, "run-1", "doc")

	b := Buffers{
		JSONReads:    []JSONRead{{Key: k, Path: "/a/b", ObservedDocVer: 1}},
		KeyByEncoded: map[string]kv.Key{string(k.Encode()): k},
		WriteSet:     map[string]kv.Value{"force-non-readonly": kv.Int(1)},
	}
	committed := []CommittedJSONWrite{{Key: k, Path: "/a", CommitVersion: 2, DocVersion: 2}}

	res := Validate(b, store, committed)
	if res.OK() {
		t.Fatalf("expected json_path conflict for overlapping ancestor write")
	}
	if res.Conflicts[0].Kind != "json_path" {
		t.Fatalf("expected json_path conflict, got %s", res.Conflicts[0].Kind)
	}
}

func TestValidateJSONDocVersionConflict(t *testing.T) {
	store := mvcc.NewStore()
	k := mustKey(t, "run-1", "doc")
	store.PutWithVersion(k, kv.Int(1), 3, 10)

	b := Buffers{
		JSONWrites: []JSONWrite{{Key: k, Path: "/a", Patch: kv.Int(1), ExpectedDocVer: 1}},
	}
	res := Validate(b, store, nil)
	if res.OK() {
		t.Fatalf("expected json_doc conflict")
	}
	found := false
	for _, c := range res.Conflicts {
		if c.Kind == "json_doc" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a json_doc conflict among: %v", res.Conflicts)
	}
}
