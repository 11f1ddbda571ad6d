package kv

import (
	"math"
	"testing"
)

func TestFloatRejectsNaNAndInf(t *testing.T) {
	if _, err := Float(math.NaN()); err == nil {
		t.Fatalf("expected error constructing NaN float value")
	}
	if _, err := Float(math.Inf(1)); err == nil {
		t.Fatalf("expected error constructing +Inf float value")
	}
	if _, err := Float(math.Inf(-1)); err == nil {
		t.Fatalf("expected error constructing -Inf float value")
	}
	if _, err := Float(1.5); err != nil {
		t.Fatalf("unexpected error constructing ordinary float: %v", err)
	}
}

func TestMapPreservesInsertionOrder(t *testing.T) {
	m := NewMap()
	m = m.Set("z", Int(1))
	m = m.Set("a", Int(2))
	m = m.Set("m", Int(3))

	got := m.Keys()
	want := []string{"z", "a", "m"}
	if len(got) != len(want) {
		t.Fatalf("keys length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMapSetOverwritesWithoutReordering(t *testing.T) {
	m := NewMap().Set("a", Int(1)).Set("b", Int(2))
	m = m.Set("a", Int(99))

	got := m.Keys()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected key order after overwrite: %v", got)
	}
	v, ok := m.Get("a")
	if !ok {
		t.Fatalf("expected key a to exist")
	}
	if n, _ := v.AsInt(); n != 99 {
		t.Fatalf("expected overwritten value 99, got %d", n)
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	f, _ := Float(3.25)
	arr := Array([]Value{Int(1), String("two"), Bool(true)})
	m := NewMap().Set("n", Int(7)).Set("nested", arr).Set("f", f)

	encoded := EncodeCanonical(m)
	decoded, rest, err := DecodeCanonical(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
	if !decoded.Equal(m) {
		t.Fatalf("round-tripped value does not equal original: %v vs %v", decoded, m)
	}
}

func TestCanonicalEncodingDeterministic(t *testing.T) {
	m1 := NewMap().Set("a", Int(1)).Set("b", String("x"))
	m2 := NewMap().Set("a", Int(1)).Set("b", String("x"))

	e1 := EncodeCanonical(m1)
	e2 := EncodeCanonical(m2)
	if string(e1) != string(e2) {
		t.Fatalf("expected identical encodings for equal values")
	}
}
