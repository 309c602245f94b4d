// Package resolver holds the upstream resolver clients that the synthesizer
// asks for A records.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"conditional-dns/pkg/config"
	"conditional-dns/pkg/logging"

	"github.com/miekg/dns"
)

// Resolver returns the first IPv4 address an upstream gives for name.
// Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, name string) (net.IP, error)
}

// Func adapts a plain function to Resolver
type Func func(ctx context.Context, name string) (net.IP, error)

// Resolve calls f
func (f Func) Resolve(ctx context.Context, name string) (net.IP, error) {
	return f(ctx, name)
}

// Client queries a list of nameservers in order until one answers. It keeps
// no per-call state, so one Client is shared by every request.
type Client struct {
	name    string
	servers []string
	network string
	timeout time.Duration
	health  *serverHealth
	logger  *logging.Logger
}

// New creates a client named name (used in logs and metrics)
func New(name string, cfg config.UpstreamConfig, logger *logging.Logger) *Client {
	c := &Client{
		name:    name,
		servers: cfg.Addresses(),
		network: cfg.Net,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if c.network == "" {
		c.network = "udp"
	}
	if c.timeout == 0 {
		c.timeout = 2 * time.Second
	}
	c.health = newServerHealth(c.servers, cfg.FailureThreshold, cfg.Cooldown)

	logger.Info("Resolver initialized",
		"resolver", name,
		"servers", c.servers,
		"net", c.network,
		"timeout", c.timeout,
	)
	return c
}

// Resolve asks each nameserver in turn for the A record of name. Transport
// errors and SERVFAIL move on to the next server; NXDOMAIN and empty answers
// are final.
func (c *Client) Resolve(ctx context.Context, name string) (net.IP, error) {
	if len(c.servers) == 0 {
		return nil, ErrNoServers
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)
	req.RecursionDesired = true

	var lastErr error
	for i, server := range c.health.order(c.servers) {
		client := &dns.Client{
			Net:     c.network,
			Timeout: c.timeout,
		}

		resp, rtt, err := client.ExchangeContext(ctx, req, server)
		if err != nil {
			c.logger.Warn("Upstream query failed",
				"resolver", c.name,
				"server", server,
				"domain", name,
				"attempt", i+1,
				"error", err,
			)
			c.health.record(server, err)
			lastErr = err
			continue
		}

		if resp.Rcode == dns.RcodeServerFailure {
			lastErr = fmt.Errorf("%w: %s from %s", ErrRcode, dns.RcodeToString[resp.Rcode], server)
			c.health.record(server, lastErr)
			continue
		}
		c.health.record(server, nil)

		if resp.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("%w: %s from %s for %s", ErrRcode, dns.RcodeToString[resp.Rcode], server, name)
		}

		ip := firstA(resp.Answer)
		if ip == nil {
			return nil, fmt.Errorf("%w: %s from %s", ErrNoAnswer, name, server)
		}

		c.logger.Debug("Upstream query succeeded",
			"resolver", c.name,
			"server", server,
			"domain", name,
			"answer", ip,
			"rtt", rtt,
		)
		return ip, nil
	}

	c.logger.Warn("All upstream servers failed",
		"resolver", c.name,
		"domain", name,
		"servers", c.stateSummary(),
		"error", lastErr,
	)
	return nil, fmt.Errorf("all %s servers failed: %w", c.name, lastErr)
}

func (c *Client) stateSummary() map[string]string {
	out := make(map[string]string, len(c.servers))
	for server, state := range c.ServerStates() {
		out[server] = state.String()
	}
	return out
}

// ServerStates reports the circuit state of every nameserver
func (c *Client) ServerStates() map[string]CircuitState {
	states := make(map[string]CircuitState, len(c.servers))
	for _, s := range c.servers {
		states[s] = c.health.state(s)
	}
	return states
}

// firstA returns the first A record address of an answer section, skipping
// any CNAME chain in front of it.
func firstA(answer []dns.RR) net.IP {
	for _, rr := range answer {
		if a, ok := rr.(*dns.A); ok && a.A != nil {
			return a.A.To4()
		}
	}
	return nil
}
