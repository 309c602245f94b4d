package resolver

import (
	"sync/atomic"
	"time"
)

// CircuitState represents the health of one nameserver
type CircuitState int32

const (
	// StateClosed means the server is healthy and tried in configured order
	StateClosed CircuitState = iota
	// StateOpen means the server failed repeatedly and is tried last
	StateOpen
	// StateHalfOpen means the cooldown expired and the next query tries the server again
	StateHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type breaker struct {
	failures atomic.Int64 // consecutive failures
	openedAt atomic.Int64 // unix nano of the failure that opened the circuit
}

// serverHealth demotes nameservers that keep failing. It never removes a
// server: an open server is still queried once every healthy one has failed.
type serverHealth struct {
	breakers  map[string]*breaker // fixed at construction, read without locking
	threshold int64
	cooldown  time.Duration
	now       func() time.Time
}

func newServerHealth(servers []string, threshold int, cooldown time.Duration) *serverHealth {
	h := &serverHealth{
		breakers:  make(map[string]*breaker, len(servers)),
		threshold: int64(threshold),
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, s := range servers {
		h.breakers[s] = &breaker{}
	}
	return h
}

func (h *serverHealth) state(server string) CircuitState {
	b, ok := h.breakers[server]
	if !ok || h.threshold <= 0 || b.failures.Load() < h.threshold {
		return StateClosed
	}
	if h.now().Sub(time.Unix(0, b.openedAt.Load())) > h.cooldown {
		return StateHalfOpen
	}
	return StateOpen
}

// record updates the breaker of server. A failure while open or half-open
// restarts the cooldown.
func (h *serverHealth) record(server string, err error) {
	b, ok := h.breakers[server]
	if !ok {
		return
	}
	if err == nil {
		b.failures.Store(0)
		return
	}
	if b.failures.Add(1) >= h.threshold {
		b.openedAt.Store(h.now().UnixNano())
	}
}

// order returns servers with open circuits moved to the end, keeping the
// configured order within each group.
func (h *serverHealth) order(servers []string) []string {
	out := make([]string, 0, len(servers))
	var demoted []string
	for _, s := range servers {
		if h.state(s) == StateOpen {
			demoted = append(demoted, s)
			continue
		}
		out = append(out, s)
	}
	return append(out, demoted...)
}
