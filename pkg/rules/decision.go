package rules

import "net"

// Kind identifies how a query is routed
type Kind int

const (
	// Local answers a PTR for one of this host's own addresses
	Local Kind = iota
	// Management sends the query to the primary resolver
	Management
	// Redirect answers with a fixed proxy address
	Redirect
	// ForcedSecondary sends the query to the secondary resolver
	ForcedSecondary
	// ForcedPrimary sends the query to the primary resolver
	ForcedPrimary
	// Adaptive asks both resolvers and prefers a primary block notice
	Adaptive
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Management:
		return "management"
	case Redirect:
		return "redirect"
	case ForcedSecondary:
		return "forced_secondary"
	case ForcedPrimary:
		return "forced_primary"
	case Adaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// Decision is the routing outcome for one query. Target is only set for Redirect.
type Decision struct {
	Target net.IP
	Kind   Kind
}
