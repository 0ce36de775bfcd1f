// Package projection folds the relay's event stream into the room state a UI
// renders: the ordered member roster and the chat log. The fold is pure state
// plus events, so any two members applying the same stream see the same room.
package projection

import (
	"github.com/classmeet/classmeet/internal/protocol"
)

// Projection is the folded view of one room. Methods are not safe for
// concurrent use; the coordinator applies events from a single loop.
type Projection struct {
	self    string
	room    string
	joined  bool
	order   []string
	members map[string]*protocol.Member
	chat    []protocol.ChatEntry
}

func New() *Projection {
	return &Projection{members: make(map[string]*protocol.Member)}
}

// Self returns the relay-assigned id, empty until the welcome is applied.
func (p *Projection) Self() string { return p.self }

// Room returns the room id, empty until the welcome is applied.
func (p *Projection) Room() string { return p.room }

// Joined reports whether the welcome has been applied.
func (p *Projection) Joined() bool { return p.joined }

// Members returns the roster in join order. The slice is a copy.
func (p *Projection) Members() []protocol.Member {
	out := make([]protocol.Member, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.members[id])
	}
	return out
}

// Member returns the roster entry for id.
func (p *Projection) Member(id string) (protocol.Member, bool) {
	m, ok := p.members[id]
	if !ok {
		return protocol.Member{}, false
	}
	return *m, true
}

// Chat returns the chat log in arrival order. The slice is a copy.
func (p *Projection) Chat() []protocol.ChatEntry {
	return append([]protocol.ChatEntry(nil), p.chat...)
}

// AppendLocalChat records a locally sent message. The relay does not echo chat
// back to its sender, so the local copy is the only copy.
func (p *Projection) AppendLocalChat(entry protocol.ChatEntry) {
	p.chat = append(p.chat, entry)
}

// Apply folds one relay event into the projection. Events that reference
// unknown members are ignored rather than treated as errors: the relay's
// per-room order guarantees they can only occur for members that already left.
func (p *Projection) Apply(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.ServerTypeWelcome:
		p.self = msg.Self
		p.room = msg.Room
		p.joined = true
		for _, m := range msg.Members {
			p.addMember(m)
		}
	case protocol.ServerTypeMemberJoined:
		if msg.Member != nil {
			p.addMember(*msg.Member)
		}
	case protocol.ServerTypeMemberLeft:
		p.removeMember(msg.MemberID)
	case protocol.ServerTypeChat, protocol.ServerTypeReaction:
		if msg.Entry != nil {
			p.chat = append(p.chat, *msg.Entry)
		}
	case protocol.ServerTypeStateUpdate:
		if m, ok := p.members[msg.MemberID]; ok && msg.Flags != nil {
			applyFlags(m, *msg.Flags)
		}
	}
}

func (p *Projection) addMember(m protocol.Member) {
	if _, ok := p.members[m.ID]; ok {
		// Duplicate joins are merged, keeping join order stable.
		*p.members[m.ID] = m
		return
	}
	copied := m
	p.members[m.ID] = &copied
	p.order = append(p.order, m.ID)
}

func (p *Projection) removeMember(id string) {
	if _, ok := p.members[id]; !ok {
		return
	}
	delete(p.members, id)
	for i, mid := range p.order {
		if mid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func applyFlags(m *protocol.Member, f protocol.Flags) {
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
