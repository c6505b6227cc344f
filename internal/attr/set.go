package attr

import "sort"

// Set is a named bag of attribute values. Sets may nest via Nested values.
type Set struct {
	values map[string]Value
}

// NewSet returns an empty attribute set.
func NewSet() *Set {
	return &Set{values: make(map[string]Value)}
}

// Put stores a value under key, replacing any prior value regardless of type.
func (s *Set) Put(key string, v Value) {
	s.values[key] = v
}

// Get returns the value stored under key.
func (s *Set) Get(key string) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Remove drops the value stored under key, if any.
func (s *Set) Remove(key string) {
	delete(s.values, key)
}

// Len returns the number of attributes in the set.
func (s *Set) Len() int {
	return len(s.values)
}

// Names returns the attribute names in sorted order. The coding iterates
// names in this order so encoded blobs are deterministic.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.values))
	for k := range s.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether both sets hold the same keys with equal values.
func (s *Set) Equal(o *Set) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.values) != len(o.values) {
		return false
	}
	for k, v := range s.values {
		ov, ok := o.values[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
