package metrics

import "sync"

// Relay event counters.
const (
	ConnectionsAccepted = "signaling_connections_accepted"
	Registered          = "signaling_registered"
	AuthFailure         = "signaling_auth_failure"
	RegisterTimeout     = "signaling_register_timeout"
	BadMessage          = "signaling_bad_message"
	RateLimited         = "signaling_rate_limited"
	Relayed             = "signaling_relayed"
	RouteDropped        = "signaling_route_dropped"
	OfferUnavailable    = "signaling_offer_user_unavailable"
	IdleTimeout         = "signaling_idle_timeout"
)

// Agent call counters.
const (
	CallsStarted   = "calls_started"
	CallsIncoming  = "calls_incoming"
	CallsConnected = "calls_connected"
	CallsBusy      = "calls_auto_rejected_busy"
	CallsEnded     = "calls_ended"
)

// EndReason names the counter for a call that ended with reason.
func EndReason(reason string) string {
	if reason == "" {
		reason = "hangup"
	}
	return "calls_ended_" + reason
}

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil registry so components can take an optional one.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
