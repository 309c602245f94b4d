// Package rules classifies query names into routing decisions.
//
// A RuleSet is built once from configuration and never mutated afterwards, so
// it is shared by all request goroutines without locking.
package rules

import (
	"fmt"
	"net"
	"strings"

	"conditional-dns/pkg/config"
)

// RuleSet is the immutable, ordered rule policy
type RuleSet struct {
	identity         IdentitySet
	managementMarker string
	redirect         *SubstringMatcher
	redirectTarget   net.IP
	forcedSecondary  *SubstringMatcher
	forcedPrimary    *SubstringMatcher
	block            *BlockSignature
}

// New builds a RuleSet from the rules section of the configuration
func New(cfg *config.RulesConfig, identity IdentitySet) (*RuleSet, error) {
	block, err := NewBlockSignature(cfg.BlockNetworks)
	if err != nil {
		return nil, fmt.Errorf("invalid block network: %w", err)
	}

	rs := &RuleSet{
		identity:         identity,
		managementMarker: strings.TrimSpace(cfg.ManagementMarker),
		redirect:         NewSubstringMatcher(cfg.Redirect.Items),
		forcedSecondary:  NewSubstringMatcher(cfg.SecondaryItems()),
		forcedPrimary:    NewSubstringMatcher(cfg.ForcedPrimary),
		block:            block,
	}

	if rs.redirect.Count() > 0 {
		ip := net.ParseIP(strings.TrimSpace(cfg.Redirect.Target)).To4()
		if ip == nil {
			return nil, fmt.Errorf("redirect target must be an IPv4 address, got %q", cfg.Redirect.Target)
		}
		rs.redirectTarget = ip
	}

	return rs, nil
}

// Classify maps a query name to exactly one decision. Evaluation order is
// fixed and the first match wins:
//
//  1. identity set (exact)          -> Local
//  2. management marker (substring) -> Management
//  3. redirect group                -> Redirect
//  4. forced-secondary list         -> ForcedSecondary
//  5. forced-primary list           -> ForcedPrimary
//  6. anything else                 -> Adaptive
func (rs *RuleSet) Classify(name string) Decision {
	switch {
	case rs.identity.Contains(name):
		return Decision{Kind: Local}
	case rs.managementMarker != "" && strings.Contains(name, rs.managementMarker):
		return Decision{Kind: Management}
	case rs.redirect.Matches(name):
		return Decision{Kind: Redirect, Target: rs.redirectTarget}
	case rs.forcedSecondary.Matches(name):
		return Decision{Kind: ForcedSecondary}
	case rs.forcedPrimary.Matches(name):
		return Decision{Kind: ForcedPrimary}
	default:
		return Decision{Kind: Adaptive}
	}
}

// Blocked reports whether a primary resolver answer is a block notice
func (rs *RuleSet) Blocked(ip net.IP) bool {
	return rs.block.Contains(ip)
}

// Stats returns rule counts for startup logging
func (rs *RuleSet) Stats() map[string]int {
	return map[string]int{
		"identity":         rs.identity.Len(),
		"redirect":         rs.redirect.Count(),
		"forced_secondary": rs.forcedSecondary.Count(),
		"forced_primary":   rs.forcedPrimary.Count(),
		"block_networks":   len(rs.block.Networks()),
	}
}
