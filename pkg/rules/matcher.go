package rules

import (
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// SubstringMatcher matches names that contain any of its entries anywhere.
// Entries are not anchored and carry no wildcard meaning, so "tv." matches
// "tv.example." as well as "smarttv.example.".
type SubstringMatcher struct {
	entries []string
}

// NewSubstringMatcher creates a matcher. Blank entries are dropped since the
// empty string is contained in every name.
func NewSubstringMatcher(entries []string) *SubstringMatcher {
	m := &SubstringMatcher{entries: make([]string, 0, len(entries))}
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			m.entries = append(m.entries, e)
		}
	}
	return m
}

// Matches reports whether name contains any entry
func (m *SubstringMatcher) Matches(name string) bool {
	for _, e := range m.entries {
		if strings.Contains(name, e) {
			return true
		}
	}
	return false
}

// Count returns the number of entries
func (m *SubstringMatcher) Count() int {
	return len(m.entries)
}

// BlockSignature is the set of networks a primary resolver answers with when
// it is serving a block notice.
type BlockSignature struct {
	ranger   cidranger.Ranger
	networks []string
}

// NewBlockSignature parses the given CIDR ranges
func NewBlockSignature(cidrs []string) (*BlockSignature, error) {
	b := &BlockSignature{ranger: cidranger.NewPCTrieRanger()}
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		if err := b.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			return nil, err
		}
		b.networks = append(b.networks, ipnet.String())
	}
	return b, nil
}

// Contains reports whether ip falls inside any block network
func (b *BlockSignature) Contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	ok, err := b.ranger.Contains(ip)
	return err == nil && ok
}

// Networks returns the configured ranges in canonical form
func (b *BlockSignature) Networks() []string {
	return b.networks
}
