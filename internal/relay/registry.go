package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/classmeet/classmeet/internal/metrics"
)

// Config controls relay-wide room behavior.
type Config struct {
	// MaxMembersPerRoom caps room size. Zero means unlimited.
	MaxMembersPerRoom int
}

// Registry owns the set of live rooms. Rooms are created on first join and
// dropped once their last member leaves; there is no persistence beyond
// process lifetime.
type Registry struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(cfg Config, logger *slog.Logger, m *metrics.Metrics, now func() time.Time) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:     cfg,
		log:     logger,
		metrics: m,
		now:     now,
		rooms:   make(map[string]*Room),
	}
}

func (g *Registry) Metrics() *metrics.Metrics { return g.metrics }

// Room returns the live room for id, creating it if needed. The room id is an
// opaque string chosen by the participants.
func (g *Registry) Room(id string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.rooms[id]; ok {
		return r
	}
	r := &Room{
		id:         id,
		log:        g.log,
		metrics:    g.metrics,
		now:        g.now,
		maxMembers: g.cfg.MaxMembersPerRoom,
		members:    make(map[string]*roomMember),
	}
	r.onEmpty = func() { g.dropRoom(id, r) }
	g.rooms[id] = r
	g.metrics.Inc(metrics.EventRoomCreated)
	g.log.Info("room created", "room", id)
	return r
}

// RoomCount reports how many rooms are currently live.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

func (g *Registry) dropRoom(id string, r *Room) {
	g.mu.Lock()
	// A new member may have grabbed the room between the emptiness check and
	// this callback; only drop it if it is still the same, still empty room.
	if cur, ok := g.rooms[id]; ok && cur == r && cur.MemberCount() == 0 {
		delete(g.rooms, id)
		g.metrics.Inc(metrics.EventRoomClosed)
		g.log.Info("room closed", "room", id)
	}
	g.mu.Unlock()
}
