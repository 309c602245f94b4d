// Package dns is the request pipeline of conditional-dns: framing, decoding,
// classification, answer synthesis and the UDP/TCP listeners that drive it.
package dns

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"conditional-dns/pkg/logging"
	"conditional-dns/pkg/rules"
	"conditional-dns/pkg/storage"
	"conditional-dns/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Failure reasons reported in logs and the dns.requests.failed metric
const (
	reasonFraming  = "framing"
	reasonDecode   = "decode"
	reasonResolver = "resolver"
	reasonEncode   = "encode"
	reasonWrite    = "write"
)

// msgPool provides object pooling for decoded requests
var msgPool = sync.Pool{
	New: func() interface{} {
		return new(dns.Msg)
	},
}

// Handler runs one request through decode, classify, synthesize and encode.
// It is transport agnostic and safe for concurrent use.
type Handler struct {
	Rules           *rules.RuleSet
	Synthesizer     *Synthesizer
	QueryLogger     *QueryLogger
	Metrics         *telemetry.Metrics
	Logger          *logging.Logger
	Tracer          trace.Tracer
	ServfailOnError bool
}

// NewHandler creates a handler for rs whose answers come from synth
func NewHandler(rs *rules.RuleSet, synth *Synthesizer) *Handler {
	return &Handler{
		Rules:       rs,
		Synthesizer: synth,
		Logger:      logging.Global(),
		Tracer:      tracenoop.NewTracerProvider().Tracer("conditional-dns"),
	}
}

// SetQueryLogger sets the request log worker pool
func (h *Handler) SetQueryLogger(ql *QueryLogger) {
	h.QueryLogger = ql
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.Metrics = m
	if h.Synthesizer != nil {
		h.Synthesizer.SetMetrics(m)
	}
}

// SetLogger sets the logger
func (h *Handler) SetLogger(l *logging.Logger) {
	h.Logger = l
}

// SetTracer sets the tracer used for request spans
func (h *Handler) SetTracer(t trace.Tracer) {
	h.Tracer = t
}

// Handle answers one DNS message. A nil response with an error means the
// request is dropped and nothing must be sent back.
func (h *Handler) Handle(ctx context.Context, payload []byte, client net.Addr, transport string) ([]byte, error) {
	start := time.Now()

	ctx, span := h.Tracer.Start(ctx, "dns.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("transport", transport)),
	)
	defer span.End()

	if h.Metrics != nil {
		h.Metrics.DNSQueriesTotal.Add(ctx, 1)
		h.Metrics.DNSRequestsActive.Add(ctx, 1)
		defer h.Metrics.DNSRequestsActive.Add(ctx, -1)
	}

	req := msgPool.Get().(*dns.Msg)
	defer func() {
		*req = dns.Msg{}
		msgPool.Put(req)
	}()

	fail := failure{payload: payload, client: client, transport: transport}

	if err := req.Unpack(payload); err != nil {
		return nil, h.reject(ctx, fail.with(reasonDecode, fmt.Errorf("%w: %v", ErrDecode, err)))
	}
	if len(req.Question) == 0 {
		return nil, h.reject(ctx, fail.with(reasonDecode, fmt.Errorf("%w: no question", ErrDecode)))
	}

	q := Query{
		Name: req.Question[0].Name,
		ID:   req.Id,
		Type: req.Question[0].Qtype,
	}
	fail.query = &q
	decision := h.Rules.Classify(q.Name)
	span.SetAttributes(
		attribute.String("dns.name", q.Name),
		attribute.String("dns.decision", decision.Kind.String()),
	)

	answer, label, err := h.Synthesizer.Synthesize(ctx, q, decision)
	if err != nil {
		err = h.reject(ctx, fail.with(reasonResolver, err))
		if !h.ServfailOnError {
			return nil, err
		}
		out, packErr := newServfail(req).Pack()
		if packErr != nil {
			return nil, h.reject(ctx, fail.with(reasonEncode, fmt.Errorf("failed to pack SERVFAIL: %w", packErr)))
		}
		return out, nil
	}

	reply := newReply(req)
	reply.Answer = append(reply.Answer, answer.RR())
	out, err := reply.Pack()
	if err != nil {
		return nil, h.reject(ctx, fail.with(reasonEncode, fmt.Errorf("failed to pack response: %w", err)))
	}

	duration := time.Since(start)
	span.SetAttributes(attribute.String("dns.label", string(label)))
	if h.Metrics != nil {
		h.Metrics.RecordLabel(ctx, string(label))
		h.Metrics.DNSQueryDuration.Record(ctx, float64(duration.Microseconds())/1000)
	}

	clientIP := clientIPFromAddr(client)
	h.Logger.Debug("DNS query answered",
		"domain", q.Name,
		"type", dns.TypeToString[q.Type],
		"label", label,
		"answer", answer.Value(),
		"client", clientIP,
		"transport", transport,
		"duration_ms", duration.Milliseconds(),
	)

	if h.QueryLogger != nil {
		_ = h.QueryLogger.LogAsync(&storage.QueryLog{
			Timestamp:  start,
			Label:      string(label),
			Domain:     q.Name,
			Answer:     answer.Value(),
			QueryType:  dns.TypeToString[q.Type],
			ClientIP:   clientIP,
			Transport:  transport,
			DurationMs: float64(duration.Microseconds()) / 1000,
		})
	}

	return out, nil
}

// failure describes a request that could not be answered
type failure struct {
	reason    string
	err       error
	payload   []byte
	client    net.Addr
	transport string
	query     *Query // nil until the message decodes
}

func (f failure) with(reason string, err error) failure {
	f.reason = reason
	f.err = err
	return f
}

// reject records a dropped request with the raw bytes that caused it, both in
// the application log and as an ERROR entry in the request log, and returns
// f.err unchanged.
func (h *Handler) reject(ctx context.Context, f failure) error {
	if h.Metrics != nil {
		h.Metrics.RecordFailure(ctx, f.reason)
	}

	span := trace.SpanFromContext(ctx)
	span.RecordError(f.err)
	span.SetStatus(codes.Error, f.reason)

	request := hex.EncodeToString(f.payload)
	h.Logger.Error("DNS request failed",
		"reason", f.reason,
		"client", clientAddrString(f.client),
		"transport", f.transport,
		"request", request,
		"error", f.err,
	)

	if h.QueryLogger != nil {
		entry := &storage.QueryLog{
			Timestamp:  time.Now(),
			Label:      storage.LabelError,
			ClientIP:   clientIPFromAddr(f.client),
			ClientAddr: clientAddrString(f.client),
			Transport:  f.transport,
			Request:    request,
			Error:      fmt.Sprintf("%s: %v", f.reason, f.err),
		}
		if f.query != nil {
			entry.Domain = f.query.Name
			entry.QueryType = dns.TypeToString[f.query.Type]
		}
		_ = h.QueryLogger.LogAsync(entry)
	}
	return f.err
}

// clientIPFromAddr extracts the IP portion of a UDP or TCP peer address,
// falling back to the full string and to "unknown" for a nil address.
func clientIPFromAddr(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err == nil {
		return host
	}
	return addr.String()
}

// clientAddrString renders the full peer address, port included
func clientAddrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
