package kv

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeCanonical serializes a Value with a fixed field order so the
// same logical value always produces the same bytes, independent of Go
// map iteration order or build platform. This is the representation
// used for WAL frames, snapshot section bodies, and any integrity hash.
//
// Layout: [1 byte kind][kind-specific payload]. Maps write entries in
// their stored insertion order (never sorted), since insertion order is
// itself part of the value's identity for the map kind.
func EncodeCanonical(v Value) []byte {
	buf := make([]byte, 0, 32)
	return appendCanonical(buf, v)
}

func appendCanonical(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindNull:
		// no payload
	case KindInt:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.i))
		buf = append(buf, tmp[:]...)
	case KindFloat:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.f))
		buf = append(buf, tmp[:]...)
	case KindBool:
		if v.b {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindString:
		buf = appendLenPrefixed(buf, []byte(v.s))
	case KindBytes:
		buf = appendLenPrefixed(buf, v.by)
	case KindArray:
		buf = appendUint32(buf, uint32(len(v.arr)))
		for _, item := range v.arr {
			buf = appendCanonical(buf, item)
		}
	case KindMap:
		buf = appendUint32(buf, uint32(len(v.keys)))
		for _, k := range v.keys {
			buf = appendLenPrefixed(buf, []byte(k))
			buf = appendCanonical(buf, v.m[k])
		}
	}
	return buf
}

func appendUint32(buf []byte, n uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], n)
	return append(buf, tmp[:]...)
}

func appendLenPrefixed(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// DecodeCanonical parses a value previously produced by EncodeCanonical,
// returning the remaining, unconsumed bytes alongside the value so
// callers decoding a stream of values can chain calls.
func DecodeCanonical(buf []byte) (Value, []byte, error) {
	if len(buf) < 1 {
		return Value{}, nil, fmt.Errorf("kv: truncated value: missing kind byte")
	}
	kind := ValueKind(buf[0])
	buf = buf[1:]
	switch kind {
	case KindNull:
		return Null(), buf, nil
	case KindInt:
		if len(buf) < 8 {
			return Value{}, nil, fmt.Errorf("kv: truncated int value")
		}
		return Int(int64(binary.LittleEndian.Uint64(buf[:8]))), buf[8:], nil
	case KindFloat:
		if len(buf) < 8 {
			return Value{}, nil, fmt.Errorf("kv: truncated float value")
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(buf[:8]))
		v, err := Float(f)
		if err != nil {
			return Value{}, nil, err
		}
		return v, buf[8:], nil
	case KindBool:
		if len(buf) < 1 {
			return Value{}, nil, fmt.Errorf("kv: truncated bool value")
		}
		return Bool(buf[0] != 0), buf[1:], nil
	case KindString:
		s, rest, err := readLenPrefixed(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return String(string(s)), rest, nil
	case KindBytes:
		b, rest, err := readLenPrefixed(buf)
		if err != nil {
			return Value{}, nil, err
		}
		return Bytes(b), rest, nil
	case KindArray:
		n, rest, err := readUint32(buf)
		if err != nil {
			return Value{}, nil, err
		}
		items := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			var item Value
			item, rest, err = DecodeCanonical(rest)
			if err != nil {
				return Value{}, nil, err
			}
			items = append(items, item)
		}
		return Array(items), rest, nil
	case KindMap:
		n, rest, err := readUint32(buf)
		if err != nil {
			return Value{}, nil, err
		}
		out := NewMap()
		for i := uint32(0); i < n; i++ {
			var key []byte
			key, rest, err = readLenPrefixed(rest)
			if err != nil {
				return Value{}, nil, err
			}
			var item Value
			item, rest, err = DecodeCanonical(rest)
			if err != nil {
				return Value{}, nil, err
			}
			out = out.Set(string(key), item)
		}
		return out, rest, nil
	default:
		return Value{}, nil, fmt.Errorf("kv: unknown value kind %d", kind)
	}
}

func readUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("kv: truncated length prefix")
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], nil
}

func readLenPrefixed(buf []byte) ([]byte, []byte, error) {
	n, rest, err := readUint32(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, fmt.Errorf("kv: truncated length-prefixed payload")
	}
	return rest[:n], rest[n:], nil
}
