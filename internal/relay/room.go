package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classmeet/classmeet/internal/metrics"
	"github.com/classmeet/classmeet/internal/protocol"
)

// Outbox delivers relay events to one connected member.
//
// Enqueue must never block; a false return means the member's send queue is
// full and the transport should treat the connection as dead. Kick asks the
// transport to deliver a final error event and close the connection; the
// membership entry itself is removed when the transport calls Leave.
type Outbox interface {
	Enqueue(msg protocol.ServerMessage) bool
	Kick(reason string)
}

type roomMember struct {
	member protocol.Member
	out    Outbox
}

// Room is the registry entry for one live room. All state transitions and all
// fan-out happen under mu, so enqueue order is identical for every member.
type Room struct {
	id      string
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	onEmpty func()

	maxMembers int

	mu      sync.Mutex
	order   []string
	members map[string]*roomMember
}

// MemberCount reports how many members are currently present.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Join adds a member and tells everyone about it: the newcomer receives a
// welcome carrying its relay-assigned id plus a snapshot of the existing
// members, everyone else receives memberJoined. Receiving the welcome (and
// not memberJoined) is what makes the newcomer the answerer in every
// negotiation with the existing members.
func (r *Room) Join(id string, info protocol.ParticipantInfo, out Outbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[id]; ok {
		return ErrAlreadyJoined
	}
	if r.maxMembers > 0 && len(r.members) >= r.maxMembers {
		r.metrics.Inc(metrics.DropReasonRoomFull)
		return ErrRoomFull
	}

	snapshot := r.snapshotLocked()

	m := &roomMember{
		member: protocol.Member{
			ID:          id,
			DisplayName: info.DisplayName,
			Role:        info.Role,
		},
		out: out,
	}
	r.members[id] = m
	r.order = append(r.order, id)

	out.Enqueue(protocol.ServerMessage{
		Type:    protocol.ServerTypeWelcome,
		Self:    id,
		Room:    r.id,
		Members: snapshot,
	})

	joined := m.member
	r.broadcastLocked(id, protocol.ServerMessage{
		Type:   protocol.ServerTypeMemberJoined,
		Member: &joined,
	})

	r.metrics.Inc(metrics.EventMemberJoined)
	r.log.Info("member joined", "room", r.id, "member_id", id, "role", info.Role, "members", len(r.members))
	return nil
}

// Leave removes a member and broadcasts memberLeft. It is idempotent: a
// second call for the same id (or an id that never joined) is a no-op, which
// also covers abrupt disconnects racing an explicit leave.
func (r *Room) Leave(id string) {
	r.mu.Lock()
	if _, ok := r.members[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, id)
	for i, mid := range r.order {
		if mid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.broadcastLocked(id, protocol.ServerMessage{
		Type:     protocol.ServerTypeMemberLeft,
		MemberID: id,
	})
	empty := len(r.members) == 0
	r.mu.Unlock()

	r.metrics.Inc(metrics.EventMemberLeft)
	r.log.Info("member left", "room", r.id, "member_id", id)
	if empty && r.onEmpty != nil {
		r.onEmpty()
	}
}

// Forward routes a negotiation message (offer/answer/candidate) from one
// member to another. The relay never inspects the SDP or candidate payload.
func (r *Room) Forward(from, to string, msg protocol.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[from]; !ok {
		return ErrNotInRoom
	}
	target, ok := r.members[to]
	if !ok {
		return ErrNoSuchPeer
	}
	msg.From = from
	target.out.Enqueue(msg)
	return nil
}

// Chat appends a chat entry to the room's log and fans it out to every member
// except the sender (the sender's own copy is authoritative locally, so the
// relay does not echo).
func (r *Room) Chat(from, body string) error {
	return r.appendChat(from, body, protocol.ChatKindMessage, protocol.ServerTypeChat, metrics.EventChatMessage)
}

// Reaction is a chat entry of kind reaction.
func (r *Room) Reaction(from, emoji string) error {
	return r.appendChat(from, emoji, protocol.ChatKindReaction, protocol.ServerTypeReaction, metrics.EventReaction)
}

func (r *Room) appendChat(from, body string, kind protocol.ChatKind, typ protocol.ServerType, counter string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.members[from]
	if !ok {
		return ErrNotInRoom
	}
	entry := protocol.ChatEntry{
		ID:         uuid.NewString(),
		SenderID:   from,
		SenderName: sender.member.DisplayName,
		Body:       body,
		Kind:       kind,
		SentAt:     r.now(),
	}
	r.broadcastLocked(from, protocol.ServerMessage{Type: typ, Entry: &entry})
	r.metrics.Inc(counter)
	return nil
}

// UpdateState merges a partial flag update into the member's registry entry
// (so later welcome snapshots carry current flags) and broadcasts it to the
// rest of the room. Duplicate updates are harmless: merging is idempotent.
func (r *Room) UpdateState(from string, flags protocol.Flags) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[from]
	if !ok {
		return ErrNotInRoom
	}
	mergeFlags(&m.member, flags)
	r.broadcastLocked(from, protocol.ServerMessage{
		Type:     protocol.ServerTypeStateUpdate,
		MemberID: from,
		Flags:    &flags,
	})
	r.metrics.Inc(metrics.EventStateUpdate)
	return nil
}

// Kick removes target on behalf of a host. The relay is authoritative: a
// non-host request is rejected and nothing is forwarded. The target's
// transport delivers a final "kicked" error and closes; memberLeft reaches the
// rest of the room when the transport calls Leave.
func (r *Room) Kick(by, target string) error {
	r.mu.Lock()
	requester, ok := r.members[by]
	if !ok {
		r.mu.Unlock()
		return ErrNotInRoom
	}
	if requester.member.Role != protocol.RoleHost {
		r.mu.Unlock()
		return ErrNotHost
	}
	victim, ok := r.members[target]
	if !ok {
		r.mu.Unlock()
		return ErrNoSuchPeer
	}
	r.mu.Unlock()

	r.metrics.Inc(metrics.EventKick)
	r.log.Info("member kicked", "room", r.id, "member_id", target, "by", by)
	victim.out.Kick("removed by host")
	return nil
}

// RequestMute asks target to mute itself. Only the target is notified; it is
// expected to apply the mute locally and re-broadcast its flags, which is when
// the rest of the room (and the registry) observe the change.
func (r *Room) RequestMute(by, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	requester, ok := r.members[by]
	if !ok {
		return ErrNotInRoom
	}
	if requester.member.Role != protocol.RoleHost {
		return ErrNotHost
	}
	victim, ok := r.members[target]
	if !ok {
		return ErrNoSuchPeer
	}
	victim.out.Enqueue(protocol.ServerMessage{
		Type:     protocol.ServerTypeStateUpdate,
		MemberID: target,
		Flags:    &protocol.Flags{AudioMuted: protocol.Bool(true)},
	})
	r.metrics.Inc(metrics.EventMuteRequest)
	return nil
}

func (r *Room) snapshotLocked() []protocol.Member {
	snapshot := make([]protocol.Member, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.members[id].member)
	}
	return snapshot
}

func (r *Room) broadcastLocked(except string, msg protocol.ServerMessage) {
	for _, id := range r.order {
		if id == except {
			continue
		}
		if !r.members[id].out.Enqueue(msg) {
			r.metrics.Inc(metrics.DropReasonOutboxFull)
		}
	}
}

func mergeFlags(m *protocol.Member, f protocol.Flags) {
	if f.AudioMuted != nil {
		m.AudioMuted = *f.AudioMuted
	}
	if f.VideoMuted != nil {
		m.VideoMuted = *f.VideoMuted
	}
	if f.HandRaised != nil {
		m.HandRaised = *f.HandRaised
	}
	if f.ScreenSharing != nil {
		m.ScreenSharing = *f.ScreenSharing
	}
}
