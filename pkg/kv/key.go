// Package kv defines the core data model shared by every primitive built
// on top of the storage core: composite keys, the tagged value variant,
// and versioned entries in a per-key version chain.
package kv

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// TypeTag distinguishes the logical primitive a key belongs to. Values
// are assigned in ranges that mirror the WAL frame-type ranges so that a
// key's primitive and its WAL owner agree without a lookup table.
type TypeTag byte

const (
	// TagReserved is never used by a valid key; it catches zero-valued
	// TypeTag mistakes early.
	TagReserved TypeTag = 0
	TagKV       TypeTag = 1
	TagJSON     TypeTag = 2
	TagEvent    TypeTag = 3
	TagState    TypeTag = 4
	// 5 is reserved and unused, per the data model.
	TagRun    TypeTag = 6
	TagVector TypeTag = 7
)

func (t TypeTag) String() string {
	switch t {
	case TagKV:
		return "kv"
	case TagJSON:
		return "json"
	case TagEvent:
		return "event"
	case TagState:
		return "state"
	case TagRun:
		return "run"
	case TagVector:
		return "vector"
	default:
		return "unknown"
	}
}

// ReservedPrefix marks the namespace the core uses for its own internal
// artifacts (e.g. retention policy). User keys may never start with it.
const ReservedPrefix = "_strata/"

// MaxUserKeyBytes bounds the user-supplied portion of a key.
const MaxUserKeyBytes = 1024

// Key is the composite, ordered tuple (namespace, type_tag, user_bytes)
// that every stored entry is addressed by. Keys are immutable once
// constructed; ordering is lexicographic across the tuple, which is what
// makes prefix scans by run and by (run, type_tag) correct.
type Key struct {
	Namespace string
	Tag       TypeTag
	UserKey   []byte
}

// NewKey validates and constructs a Key, enforcing the structural
// constraints of the data model: UTF-8, non-empty, no NUL, not
// reserved-prefixed, and within the size bound.
func NewKey(namespace string, tag TypeTag, userKey []byte) (Key, error) {
	if len(userKey) == 0 {
		return Key{}, InvalidInputError{Reason: "key must not be empty"}
	}
	if len(userKey) > MaxUserKeyBytes {
		return Key{}, InvalidInputError{Reason: "key exceeds maximum user-key size"}
	}
	if !validUTF8NoNUL(userKey) {
		return Key{}, InvalidInputError{Reason: "key must be valid UTF-8 with no NUL byte"}
	}
	if strings.HasPrefix(string(userKey), ReservedPrefix) {
		return Key{}, InvalidInputError{Reason: "key uses the reserved _strata/ prefix"}
	}
	cp := make([]byte, len(userKey))
	copy(cp, userKey)
	return Key{Namespace: namespace, Tag: tag, UserKey: cp}, nil
}

// InternalKey builds a key under the reserved namespace for the core's
// own bookkeeping (e.g. retention policy); it bypasses the reserved
// prefix check since it is constructed by the core, not a caller.
func InternalKey(namespace string, tag TypeTag, userKey []byte) Key {
	cp := make([]byte, len(userKey))
	copy(cp, userKey)
	return Key{Namespace: namespace, Tag: tag, UserKey: cp}
}

func validUTF8NoNUL(b []byte) bool {
	if bytes.IndexByte(b, 0) >= 0 {
		return false
	}
	return utf8.Valid(b)
}

// Encode returns the canonical byte-ordering representation of the key:
// namespace, a NUL separator (namespaces are NUL-free run IDs), the tag
// byte, and the user key. Comparing encoded keys byte-for-byte yields
// the same order as comparing the tuples lexicographically.
func (k Key) Encode() []byte {
	buf := make([]byte, 0, len(k.Namespace)+1+1+len(k.UserKey))
	buf = append(buf, k.Namespace...)
	buf = append(buf, 0)
	buf = append(buf, byte(k.Tag))
	buf = append(buf, k.UserKey...)
	return buf
}

// Compare returns -1, 0, or 1 comparing k to other in canonical order.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k.Encode(), other.Encode())
}

// HasPrefix reports whether k falls under the given run/type prefix.
func (k Key) HasPrefix(p Prefix) bool {
	return bytes.HasPrefix(k.Encode(), p.Encode())
}

// DecodeKey reconstructs a Key from its canonical Encode() representation:
// namespace, a NUL separator, the tag byte, then the user key verbatim.
func DecodeKey(encoded []byte) Key {
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == 0 {
			namespace := string(encoded[:i])
			tag := TypeTag(encoded[i+1])
			userKey := append([]byte(nil), encoded[i+2:]...)
			return Key{Namespace: namespace, Tag: tag, UserKey: userKey}
		}
	}
	return Key{}
}

// String returns a debug representation; never used on the hot path.
func (k Key) String() string {
	return k.Namespace + "/" + k.Tag.String() + "/" + string(k.UserKey)
}

// Prefix describes a scan boundary: all keys under a run, optionally
// narrowed to one primitive, optionally narrowed further to a byte
// prefix of the user-key portion.
type Prefix struct {
	Namespace  string
	Tag        TypeTag
	HasTag     bool
	UserPrefix []byte
}

// RunPrefix scopes a scan to every primitive under a run's namespace.
func RunPrefix(namespace string) Prefix {
	return Prefix{Namespace: namespace}
}

// TypePrefix scopes a scan to one primitive within a run's namespace.
func TypePrefix(namespace string, tag TypeTag) Prefix {
	return Prefix{Namespace: namespace, Tag: tag, HasTag: true}
}

// UserPrefixScan scopes a scan to keys whose user portion starts with userPrefix,
// within one run and primitive.
func UserPrefixScan(namespace string, tag TypeTag, userPrefix []byte) Prefix {
	cp := make([]byte, len(userPrefix))
	copy(cp, userPrefix)
	return Prefix{Namespace: namespace, Tag: tag, HasTag: true, UserPrefix: cp}
}

// Encode returns the byte prefix that Key.Encode() results must start
// with to match this Prefix.
func (p Prefix) Encode() []byte {
	buf := make([]byte, 0, len(p.Namespace)+1+1+len(p.UserPrefix))
	buf = append(buf, p.Namespace...)
	buf = append(buf, 0)
	if p.HasTag {
		buf = append(buf, byte(p.Tag))
		buf = append(buf, p.UserPrefix...)
	}
	return buf
}
