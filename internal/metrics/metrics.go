package metrics

import "sync"

// Event and drop counter names used across the relay.
const (
	EventRoomCreated  = "room_created"
	EventRoomClosed   = "room_closed"
	EventMemberJoined = "member_joined"
	EventMemberLeft   = "member_left"
	EventChatMessage  = "chat_message"
	EventReaction     = "reaction"
	EventStateUpdate  = "state_update"
	EventKick         = "kick"
	EventMuteRequest  = "mute_request"

	DropReasonRoomFull    = "room_full"
	DropReasonOutboxFull  = "outbox_full"
	DropReasonRateLimited = "rate_limited"
	DropReasonBadMessage  = "bad_message"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep room and signaling logic observable and testable without
// pulling a metrics backend into the core; counters are exported to Prometheus
// via PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}
