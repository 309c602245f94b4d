package dns

import (
	"context"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conditional-dns/pkg/config"
	"conditional-dns/pkg/logging"
	"conditional-dns/pkg/storage"
	"conditional-dns/pkg/telemetry"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClient = &net.UDPAddr{IP: net.ParseIP("192.168.1.10"), Port: 40000}

func TestHandle_Scenarios(t *testing.T) {
	tests := []struct {
		check     func(t *testing.T, rr dns.RR)
		name      string
		query     string
		primaryIP string
		wantLabel Label
		wantCalls int32
		qtype     uint16
	}{
		{
			name:      "identity name gets local PTR",
			query:     "my-host.reverse.arpa.",
			qtype:     dns.TypePTR,
			primaryIP: "198.51.100.1",
			wantLabel: LabelLocal,
			wantCalls: 0,
			check: func(t *testing.T, rr dns.RR) {
				ptr, ok := rr.(*dns.PTR)
				require.True(t, ok)
				assert.Equal(t, "localdns.", ptr.Ptr)
			},
		},
		{
			name:      "management answer comes from primary",
			query:     "example.opendns.com.",
			qtype:     dns.TypeA,
			primaryIP: "208.67.222.222",
			wantLabel: LabelManagement,
			wantCalls: 1,
			check: func(t *testing.T, rr dns.RR) {
				a, ok := rr.(*dns.A)
				require.True(t, ok)
				assert.Equal(t, "208.67.222.222", a.A.String())
			},
		},
		{
			name:      "redirect answers target without resolver",
			query:     "streaming.example.",
			qtype:     dns.TypeA,
			primaryIP: "198.51.100.1",
			wantLabel: LabelRedirect,
			wantCalls: 0,
			check: func(t *testing.T, rr dns.RR) {
				a, ok := rr.(*dns.A)
				require.True(t, ok)
				assert.Equal(t, "10.0.0.5", a.A.String())
			},
		},
		{
			name:      "unmatched name with block notice",
			query:     "unmatched.example.",
			qtype:     dns.TypeA,
			primaryIP: "146.112.61.105",
			wantLabel: LabelBlocked,
			wantCalls: 2,
			check: func(t *testing.T, rr dns.RR) {
				a, ok := rr.(*dns.A)
				require.True(t, ok)
				assert.Equal(t, "146.112.61.105", a.A.String())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.primaryIP, "192.0.2.7")
			stor := newMockStorage()
			ql := NewQueryLogger(stor, nil, 10, 1)
			env.handler.SetQueryLogger(ql)

			out, err := env.handler.Handle(context.Background(), packQuery(t, tt.query, tt.qtype), testClient, "udp")
			require.NoError(t, err)

			reply := unpackReply(t, out)
			assert.Equal(t, uint16(0x1234), reply.Id)
			assert.True(t, reply.Response)
			assert.True(t, reply.Authoritative)
			assert.True(t, reply.RecursionAvailable)
			assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
			require.Len(t, reply.Question, 1)
			assert.Equal(t, tt.query, reply.Question[0].Name)

			require.Len(t, reply.Answer, 1)
			assert.Equal(t, uint32(300), reply.Answer[0].Header().Ttl)
			assert.Equal(t, tt.query, reply.Answer[0].Header().Name)
			tt.check(t, reply.Answer[0])
			assert.Equal(t, tt.wantCalls, env.upstreamCalls())

			require.NoError(t, ql.Close())
			logs := stor.GetLogs()
			require.Len(t, logs, 1)
			assert.Equal(t, string(tt.wantLabel), logs[0].Label)
			assert.Equal(t, tt.query, logs[0].Domain)
			assert.Equal(t, "192.168.1.10", logs[0].ClientIP)
			assert.Equal(t, "udp", logs[0].Transport)
		})
	}
}

func TestHandle_LocalLogHasNoAnswer(t *testing.T) {
	env := newTestEnv(t, "198.51.100.1", "192.0.2.7")
	stor := newMockStorage()
	ql := NewQueryLogger(stor, nil, 10, 1)
	env.handler.SetQueryLogger(ql)

	_, err := env.handler.Handle(context.Background(), packQuery(t, "my-host.reverse.arpa.", dns.TypePTR), testClient, "tcp")
	require.NoError(t, err)
	require.NoError(t, ql.Close())

	logs := stor.GetLogs()
	require.Len(t, logs, 1)
	assert.Empty(t, logs[0].Answer)
	assert.Equal(t, "PTR", logs[0].QueryType)
}

func TestHandle_DecodeErrors(t *testing.T) {
	noQuestion, err := (&dns.Msg{MsgHdr: dns.MsgHdr{Id: 7}}).Pack()
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"garbage", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"empty", []byte{}},
		{"no question", noQuestion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "198.51.100.1", "192.0.2.7")

			out, err := env.handler.Handle(context.Background(), tt.payload, testClient, "udp")
			assert.ErrorIs(t, err, ErrDecode)
			assert.Nil(t, out)
			assert.Zero(t, env.upstreamCalls())
		})
	}
}

func TestHandle_ResolverFailureDropsByDefault(t *testing.T) {
	env := newTestEnv(t, "198.51.100.1", "192.0.2.7")
	env.secondary.err = errUpstream
	stor := newMockStorage()
	ql := NewQueryLogger(stor, nil, 10, 1)
	env.handler.SetQueryLogger(ql)

	out, err := env.handler.Handle(context.Background(), packQuery(t, "unmatched.example.", dns.TypeA), testClient, "udp")
	assert.ErrorIs(t, err, errUpstream)
	assert.Nil(t, out)

	require.NoError(t, ql.Close())
	logs := stor.GetLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsError())
	assert.Equal(t, "unmatched.example.", logs[0].Domain)
	assert.Equal(t, "192.168.1.10:40000", logs[0].ClientAddr)
	assert.Empty(t, logs[0].Answer)
}

func TestHandle_FailuresWrittenToRequestLog(t *testing.T) {
	env := newTestEnv(t, "198.51.100.1", "192.0.2.7")
	env.primary.err = errUpstream

	path := filepath.Join(t.TempDir(), "requests.log")
	stor, err := storage.NewFileStorage(&config.QueryLogConfig{Path: path, MaxSize: 1})
	require.NoError(t, err)
	ql := NewQueryLogger(stor, nil, 10, 1)
	env.handler.SetQueryLogger(ql)

	_, err = env.handler.Handle(context.Background(), []byte{0xde, 0xad}, testClient, "udp")
	require.ErrorIs(t, err, ErrDecode)

	query := packQuery(t, "example.opendns.com.", dns.TypeA)
	_, err = env.handler.Handle(context.Background(), query, testClient, "tcp")
	require.ErrorIs(t, err, errUpstream)

	require.NoError(t, ql.Close())
	require.NoError(t, stor.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	assert.Contains(t, lines[0], " ERROR udp 192.168.1.10:40000 dead decode: ")
	assert.Contains(t, lines[1], " ERROR tcp 192.168.1.10:40000 "+hex.EncodeToString(query)+" resolver: ")
	assert.Contains(t, lines[1], errUpstream.Error())
}

func TestHandle_ServfailOnError(t *testing.T) {
	env := newTestEnv(t, "198.51.100.1", "192.0.2.7")
	env.primary.err = errUpstream
	env.handler.ServfailOnError = true

	out, err := env.handler.Handle(context.Background(), packQuery(t, "bank.example.", dns.TypeA), testClient, "udp")
	require.NoError(t, err)

	reply := unpackReply(t, out)
	assert.Equal(t, dns.RcodeServerFailure, reply.Rcode)
	assert.Equal(t, uint16(0x1234), reply.Id)
	assert.Empty(t, reply.Answer)
}

func TestHandle_QueryTypeIgnoredForA(t *testing.T) {
	env := newTestEnv(t, "198.51.100.1", "192.0.2.7")

	out, err := env.handler.Handle(context.Background(), packQuery(t, "streaming.example.", dns.TypeAAAA), testClient, "udp")
	require.NoError(t, err)

	reply := unpackReply(t, out)
	require.Len(t, reply.Answer, 1)
	_, ok := reply.Answer[0].(*dns.A)
	assert.True(t, ok)
}

func TestHandle_WithMetrics(t *testing.T) {
	telem, err := telemetry.New(context.Background(), &config.TelemetryConfig{}, logging.NewNop())
	require.NoError(t, err)
	metrics, err := telem.InitMetrics()
	require.NoError(t, err)

	env := newTestEnv(t, "198.51.100.1", "192.0.2.7")
	env.handler.SetMetrics(metrics)

	out, err := env.handler.Handle(context.Background(), packQuery(t, "streaming.example.", dns.TypeA), testClient, "udp")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	_, err = env.handler.Handle(context.Background(), []byte{0x01}, testClient, "udp")
	assert.ErrorIs(t, err, ErrDecode)
}

func TestClientAddrString(t *testing.T) {
	assert.Equal(t, "unknown", clientAddrString(nil))
	assert.Equal(t, "192.168.1.10:40000", clientAddrString(testClient))
}

func TestClientIPFromAddr(t *testing.T) {
	assert.Equal(t, "unknown", clientIPFromAddr(nil))
	assert.Equal(t, "192.168.1.10", clientIPFromAddr(testClient))
	assert.Equal(t, "::1", clientIPFromAddr(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 53}))
}

func TestAnswerValue(t *testing.T) {
	assert.Equal(t, "10.0.0.5", newAAnswer("x.", net.ParseIP("10.0.0.5")).Value())
	assert.Empty(t, newPTRAnswer("x.", "localdns").Value())

	var _ storage.Storage = newMockStorage()
}
