package rules

// IdentitySet holds the reverse-DNS names of this host's own addresses.
// Membership is exact; no substring matching.
type IdentitySet struct {
	names map[string]struct{}
}

// NewIdentitySet creates a set from fully-qualified reverse names such as
// "1.0.0.127.in-addr.arpa.".
func NewIdentitySet(names ...string) IdentitySet {
	s := IdentitySet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	return s
}

// Contains reports whether name is one of this host's reverse names
func (s IdentitySet) Contains(name string) bool {
	_, ok := s.names[name]
	return ok
}

// Len returns the number of names
func (s IdentitySet) Len() int {
	return len(s.names)
}
