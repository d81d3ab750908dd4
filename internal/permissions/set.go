package permissions

import (
	"encoding/json"
	"sort"
)

// Set is a de-duplicated collection of permission names.
type Set map[string]struct{}

// NewSet builds a set from names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, name := range names {
		s[name] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Add inserts a name.
func (s Set) Add(name string) { s[name] = struct{}{} }

// Remove deletes a name.
func (s Set) Remove(name string) { delete(s, name) }

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the set as a sorted name list.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a name list.
func (s *Set) UnmarshalJSON(payload []byte) error {
	var names []string
	if err := json.Unmarshal(payload, &names); err != nil {
		return err
	}
	*s = NewSet(names...)
	return nil
}
