package dns

import (
	"context"
	"fmt"
	"net"

	"conditional-dns/pkg/resolver"
	"conditional-dns/pkg/rules"
	"conditional-dns/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// Label tags a request log entry with the branch that produced the answer
type Label string

const (
	LabelLocal           Label = "LOCAL"
	LabelManagement      Label = "MGMT"
	LabelRedirect        Label = "REDIRECT"
	LabelForcedSecondary Label = "FORCED_SECONDARY"
	LabelForcedPrimary   Label = "FORCED_PRIMARY"
	LabelBlocked         Label = "BLOCKED"
	LabelAltResolver     Label = "ALT_RESOLVER"
)

const (
	primaryName   = "primary"
	secondaryName = "secondary"
)

// DefaultLocalHostname is the PTR target for this host's own reverse names
const DefaultLocalHostname = "localdns"

// Query is the part of a request the synthesizer needs
type Query struct {
	Name string
	ID   uint16
	Type uint16
}

// Synthesizer turns a routing decision into one answer record
type Synthesizer struct {
	rules         *rules.RuleSet
	primary       resolver.Resolver
	secondary     resolver.Resolver
	localHostname string
	metrics       *telemetry.Metrics
}

// NewSynthesizer creates a synthesizer. rs supplies the block signature used
// by the adaptive branch.
func NewSynthesizer(rs *rules.RuleSet, primary, secondary resolver.Resolver, localHostname string) *Synthesizer {
	if localHostname == "" {
		localHostname = DefaultLocalHostname
	}
	return &Synthesizer{
		rules:         rs,
		primary:       primary,
		secondary:     secondary,
		localHostname: localHostname,
	}
}

// SetMetrics sets the metrics collector
func (s *Synthesizer) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// Synthesize produces the answer and label for q under decision d. Any
// resolver error is returned as is and no answer is substituted.
func (s *Synthesizer) Synthesize(ctx context.Context, q Query, d rules.Decision) (Answer, Label, error) {
	switch d.Kind {
	case rules.Local:
		return newPTRAnswer(q.Name, s.localHostname), LabelLocal, nil

	case rules.Management:
		ip, err := s.ask(ctx, s.primary, primaryName, q.Name)
		if err != nil {
			return Answer{}, "", err
		}
		return newAAnswer(q.Name, ip), LabelManagement, nil

	case rules.Redirect:
		return newAAnswer(q.Name, d.Target), LabelRedirect, nil

	case rules.ForcedSecondary:
		ip, err := s.ask(ctx, s.secondary, secondaryName, q.Name)
		if err != nil {
			return Answer{}, "", err
		}
		return newAAnswer(q.Name, ip), LabelForcedSecondary, nil

	case rules.ForcedPrimary:
		ip, err := s.ask(ctx, s.primary, primaryName, q.Name)
		if err != nil {
			return Answer{}, "", err
		}
		return newAAnswer(q.Name, ip), LabelForcedPrimary, nil

	case rules.Adaptive:
		return s.adaptive(ctx, q)
	}

	return Answer{}, "", fmt.Errorf("unhandled decision %s", d.Kind)
}

// adaptive asks both resolvers at once. A primary answer inside the block
// signature wins; otherwise the secondary answer is used.
func (s *Synthesizer) adaptive(ctx context.Context, q Query) (Answer, Label, error) {
	var primaryIP, secondaryIP net.IP

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ip, err := s.ask(gctx, s.primary, primaryName, q.Name)
		primaryIP = ip
		return err
	})
	g.Go(func() error {
		ip, err := s.ask(gctx, s.secondary, secondaryName, q.Name)
		secondaryIP = ip
		return err
	})
	if err := g.Wait(); err != nil {
		return Answer{}, "", err
	}

	if s.rules.Blocked(primaryIP) {
		return newAAnswer(q.Name, primaryIP), LabelBlocked, nil
	}
	return newAAnswer(q.Name, secondaryIP), LabelAltResolver, nil
}

func (s *Synthesizer) ask(ctx context.Context, r resolver.Resolver, name, qname string) (net.IP, error) {
	s.metrics.RecordUpstream(ctx, name)

	ip, err := r.Resolve(ctx, qname)
	if err != nil {
		return nil, fmt.Errorf("%s resolver: %w", name, err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("%s resolver: %w", name, resolver.ErrNoAnswer)
	}
	return ip, nil
}
