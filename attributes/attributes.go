// Package attributes defines an immutable key/value bag indexed by type
// identity, used to pass out-of-band data (xDS locality, endpoint weight,
// negotiated compressors, ...) alongside Addresses and Endpoints without the
// producers and consumers of that data needing to agree on a shared string
// key.
package attributes

import "fmt"

// Set is an immutable, type-indexed collection of key/value pairs. The zero
// value is a valid, empty Set. A Set is safe for concurrent reads by
// multiple goroutines; it is never mutated after construction.
type Set struct {
	m map[any]any
}

// New returns a new Set containing the given key/value pairs. Keys should
// be unexported types defined by the package that owns the attribute, so
// that only that package can produce or consume the value (type identity
// doubles as the access-control boundary).
func New(kvs ...any) *Set {
	if len(kvs)%2 != 0 {
		panic("attributes.New called with an odd number of arguments")
	}
	if len(kvs) == 0 {
		return nil
	}
	s := &Set{m: make(map[any]any, len(kvs)/2)}
	for i := 0; i < len(kvs); i += 2 {
		s.m[kvs[i]] = kvs[i+1]
	}
	return s
}

// Value returns the value associated with key, or nil if the Set is nil or
// key is not present. Lookup is O(1) expected.
func (s *Set) Value(key any) any {
	if s == nil {
		return nil
	}
	return s.m[key]
}

// WithValue returns a new Set with key set to value, leaving the receiver
// unmodified. Attributes are immutable after publication; every mutation
// produces a new Set.
func (s *Set) WithValue(key, value any) *Set {
	n := &Set{m: make(map[any]any, s.Len()+1)}
	if s != nil {
		for k, v := range s.m {
			n.m[k] = v
		}
	}
	n.m[key] = value
	return n
}

// Len returns the number of entries in the Set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.m)
}

// Equal reports whether s and other contain the same keys with values that
// compare equal via ==, or via an Equal(any) bool method when the value
// implements one. Values that support neither are compared with their
// Stringer form as a last resort, matching the behaviour callers of
// attribute-bearing Addresses expect when deduplicating resolver updates.
func (s *Set) Equal(other *Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	if s.Len() == 0 {
		return true
	}
	for k, v := range s.m {
		ov, ok := other.m[k]
		if !ok {
			return false
		}
		if !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	type equaler interface{ Equal(any) bool }
	if ea, ok := a.(equaler); ok {
		return ea.Equal(b)
	}
	if a == b {
		return true
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// String returns a human-readable dump of the Set's keys, for logging.
func (s *Set) String() string {
	if s == nil {
		return "{}"
	}
	return fmt.Sprintf("%v", s.m)
}
