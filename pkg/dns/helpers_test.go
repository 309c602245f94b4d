package dns

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"conditional-dns/pkg/config"
	"conditional-dns/pkg/logging"
	"conditional-dns/pkg/rules"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unreachable")

// stubResolver answers every name with ip, or fails with err. A non-nil hang
// blocks every call until it is closed.
type stubResolver struct {
	ip    net.IP
	err   error
	hang  chan struct{}
	calls atomic.Int32
}

func newStub(ip string) *stubResolver {
	return &stubResolver{ip: net.ParseIP(ip)}
}

func (r *stubResolver) Resolve(ctx context.Context, name string) (net.IP, error) {
	r.calls.Add(1)
	if r.hang != nil {
		<-r.hang
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.ip, nil
}

func testRuleSet(t testing.TB) *rules.RuleSet {
	t.Helper()
	rs, err := rules.New(&config.RulesConfig{
		ManagementMarker: "opendns.com",
		BlockNetworks:    []string{"146.112.61.104/29"},
		Redirect: config.RedirectConfig{
			Target: "10.0.0.5",
			Items:  config.RuleList{"streaming.example.", "both.example."},
		},
		ForcedSecondary: config.RuleList{"geo.example."},
		ForcedPrimary:   config.RuleList{"bank.example.", "both.example."},
		Whitelist:       config.RuleList{"legacy.example."},
	}, rules.NewIdentitySet("my-host.reverse.arpa."))
	require.NoError(t, err)
	return rs
}

type testEnv struct {
	rules     *rules.RuleSet
	primary   *stubResolver
	secondary *stubResolver
	synth     *Synthesizer
	handler   *Handler
}

func newTestEnv(t testing.TB, primaryIP, secondaryIP string) *testEnv {
	t.Helper()
	env := &testEnv{
		rules:     testRuleSet(t),
		primary:   newStub(primaryIP),
		secondary: newStub(secondaryIP),
	}
	env.synth = NewSynthesizer(env.rules, env.primary, env.secondary, "")
	env.handler = NewHandler(env.rules, env.synth)
	env.handler.SetLogger(logging.NewNop())
	return env
}

func (e *testEnv) upstreamCalls() int32 {
	return e.primary.calls.Load() + e.secondary.calls.Load()
}

func packQuery(t testing.TB, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.Id = 0x1234
	out, err := m.Pack()
	require.NoError(t, err)
	return out
}

func unpackReply(t *testing.T, raw []byte) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(raw))
	return m
}
