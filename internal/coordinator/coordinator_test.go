package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/classmeet/classmeet/internal/media"
	"github.com/classmeet/classmeet/internal/protocol"
)

type harness struct {
	c       *Coordinator
	conn    *fakeConn
	factory *fakeFactory
	capture *fakeCapture
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		conn:    newFakeConn(),
		factory: newFakeFactory(),
		capture: newFakeCapture(t),
	}
	c, err := New(Config{
		Room:        "math-101",
		DisplayName: "Alice",
		Role:        protocol.RoleHost,
		Dialer:      &fakeDialer{conn: h.conn},
		Links:       h.factory,
		Capture:     h.capture,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	t.Cleanup(c.Leave)
	return h
}

func member(id, name string, role protocol.Role) protocol.Member {
	return protocol.Member{ID: id, DisplayName: name, Role: role}
}

// join drives a successful join where the welcome snapshot carries the given
// existing members.
func (h *harness) join(t *testing.T, snapshot ...protocol.Member) {
	t.Helper()
	h.conn.push(protocol.ServerMessage{
		Type:    protocol.ServerTypeWelcome,
		Self:    "self-1",
		Room:    "math-101",
		Members: snapshot,
	})
	if err := h.c.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestJoinHappyPath(t *testing.T) {
	h := newHarness(t)
	h.join(t, member("a", "Bob", protocol.RoleAttendee))

	if got := h.c.State(); got != StateJoined {
		t.Fatalf("expected StateJoined, got %v", got)
	}
	if h.c.SelfID() != "self-1" {
		t.Fatalf("expected relay-assigned id, got %q", h.c.SelfID())
	}
	if !h.capture.acquired {
		t.Fatalf("expected capture acquired")
	}
	members := h.c.Members()
	if len(members) != 1 || members[0].ID != "a" {
		t.Fatalf("unexpected roster: %+v", members)
	}
	joins := h.conn.sentOfType(protocol.ClientTypeJoin)
	if len(joins) != 1 || joins[0].Room != "math-101" || joins[0].Info.DisplayName != "Alice" {
		t.Fatalf("unexpected join message: %+v", joins)
	}
	// No links yet: the snapshot members will offer to us.
	if h.factory.count() != 0 {
		t.Fatalf("newcomer must not offer to snapshot members")
	}
}

func TestJoinMediaFailure(t *testing.T) {
	h := newHarness(t)
	h.capture.acquireErr = errors.New("no camera")

	err := h.c.Join(context.Background())
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
	if h.c.State() != StateIdle {
		t.Fatalf("failed join must return to StateIdle, got %v", h.c.State())
	}
	if !h.capture.released {
		t.Fatalf("expected capture released after failed join")
	}

	// The failure rewound to Idle, so the same coordinator may retry.
	h.capture.mu.Lock()
	h.capture.acquireErr = nil
	h.capture.mu.Unlock()
	h.join(t)
	if h.c.State() != StateJoined {
		t.Fatalf("expected retry to succeed, got %v", h.c.State())
	}
}

func TestJoinDialFailure(t *testing.T) {
	h := newHarness(t)
	dialer := &fakeDialer{err: errDialRefused}
	c, err := New(Config{
		Room:        "math-101",
		DisplayName: "Alice",
		Role:        protocol.RoleHost,
		Dialer:      dialer,
		Links:       h.factory,
		Capture:     h.capture,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Join(context.Background()); !errors.Is(err, ErrSignalingUnreachable) {
		t.Fatalf("expected ErrSignalingUnreachable, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected StateIdle, got %v", c.State())
	}

	dialer.err = nil
	dialer.conn = h.conn
	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeWelcome, Self: "self-1", Room: "math-101"})
	if err := c.Join(context.Background()); err != nil {
		t.Fatalf("retry after dial failure: %v", err)
	}
	if c.State() != StateJoined {
		t.Fatalf("expected StateJoined after retry, got %v", c.State())
	}
	c.Leave()
}

func TestLeaveDuringInFlightJoin(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.capture.mu.Lock()
	h.capture.blockAcquire = gate
	h.capture.mu.Unlock()

	joinErr := make(chan error, 1)
	go func() { joinErr <- h.c.Join(context.Background()) }()
	waitFor(t, "join to start acquiring", func() bool { return h.c.State() == StateAcquiring })

	h.c.Leave()
	close(gate)

	if err := <-joinErr; !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined from the losing join, got %v", err)
	}
	if h.c.State() != StateLeft {
		t.Fatalf("leave during an in-flight join must end in StateLeft, got %v", h.c.State())
	}
	waitFor(t, "capture released", func() bool {
		h.capture.mu.Lock()
		defer h.capture.mu.Unlock()
		return h.capture.released
	})
	if err := h.c.Join(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Left is terminal, expected ErrNotJoined on rejoin, got %v", err)
	}
}

func TestJoinRejectedByRelay(t *testing.T) {
	h := newHarness(t)
	h.conn.push(protocol.ServerMessage{
		Type:    protocol.ServerTypeError,
		Code:    protocol.ErrorCodeBadMessage,
		Message: "room is full",
	})
	if err := h.c.Join(context.Background()); !errors.Is(err, ErrSignalingUnreachable) {
		t.Fatalf("expected ErrSignalingUnreachable, got %v", err)
	}
}

func TestSecondJoinRejected(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	if err := h.c.Join(context.Background()); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestNewcomerTriggersOffer(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.conn.push(protocol.ServerMessage{
		Type:   protocol.ServerTypeMemberJoined,
		Member: ptrMember(member("b", "Bob", protocol.RoleAttendee)),
	})

	waitFor(t, "offer to newcomer", func() bool {
		return len(h.conn.sentOfType(protocol.ClientTypeOffer)) == 1
	})
	offers := h.conn.sentOfType(protocol.ClientTypeOffer)
	if offers[0].To != "b" || offers[0].SDP.Type != "offer" {
		t.Fatalf("unexpected offer: %+v", offers[0])
	}
	link := h.factory.link("b")
	if link == nil || !link.offered {
		t.Fatalf("expected a link that offered to b")
	}
}

func TestDuplicateMemberJoinedDoesNotReoffer(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	joined := protocol.ServerMessage{
		Type:   protocol.ServerTypeMemberJoined,
		Member: ptrMember(member("b", "Bob", protocol.RoleAttendee)),
	}
	h.conn.push(joined)
	h.conn.push(joined)
	// Chat barrier: once it lands, both deliveries have been processed.
	h.conn.push(protocol.ServerMessage{
		Type:  protocol.ServerTypeChat,
		Entry: &protocol.ChatEntry{ID: "1", SenderID: "b", SenderName: "Bob", Body: "hi", Kind: protocol.ChatKindMessage},
	})
	waitFor(t, "chat applied", func() bool { return len(h.c.Chat()) == 1 })

	if offers := h.conn.sentOfType(protocol.ClientTypeOffer); len(offers) != 1 {
		t.Fatalf("duplicate memberJoined must not renegotiate, got %d offers", len(offers))
	}
	if h.factory.count() != 1 {
		t.Fatalf("expected one link, got %d", h.factory.count())
	}
	if members := h.c.Members(); len(members) != 1 {
		t.Fatalf("duplicate memberJoined must not duplicate the roster: %+v", members)
	}
}

func TestDuplicateStateUpdateIdempotent(t *testing.T) {
	h := newHarness(t)
	h.join(t, member("b", "Bob", protocol.RoleAttendee))

	update := protocol.ServerMessage{
		Type:     protocol.ServerTypeStateUpdate,
		MemberID: "b",
		Flags:    &protocol.Flags{HandRaised: protocol.Bool(true)},
	}
	h.conn.push(update)
	h.conn.push(update)
	h.conn.push(protocol.ServerMessage{
		Type:  protocol.ServerTypeChat,
		Entry: &protocol.ChatEntry{ID: "1", SenderID: "b", SenderName: "Bob", Body: "hi", Kind: protocol.ChatKindMessage},
	})
	waitFor(t, "chat applied", func() bool { return len(h.c.Chat()) == 1 })

	members := h.c.Members()
	if len(members) != 1 || !members[0].HandRaised {
		t.Fatalf("expected hand raised after duplicate updates, got %+v", members)
	}
}

func TestIncomingOfferAnsweredLazily(t *testing.T) {
	h := newHarness(t)
	h.join(t, member("a", "Bob", protocol.RoleAttendee))

	if h.factory.count() != 0 {
		t.Fatalf("no link should exist before the snapshot member offers")
	}

	h.conn.push(protocol.ServerMessage{
		Type: protocol.ServerTypeOffer,
		From: "a",
		SDP:  &protocol.SDP{Type: "offer", SDP: "v=0"},
	})

	waitFor(t, "answer to a", func() bool {
		return len(h.conn.sentOfType(protocol.ClientTypeAnswer)) == 1
	})
	answers := h.conn.sentOfType(protocol.ClientTypeAnswer)
	if answers[0].To != "a" || answers[0].SDP.Type != "answer" {
		t.Fatalf("unexpected answer: %+v", answers[0])
	}
	link := h.factory.link("a")
	if link == nil || !link.handledOffer {
		t.Fatalf("expected lazily created link that handled the offer")
	}
}

func TestOfferFromUnknownMemberIgnored(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.conn.push(protocol.ServerMessage{
		Type: protocol.ServerTypeOffer,
		From: "ghost",
		SDP:  &protocol.SDP{Type: "offer", SDP: "v=0"},
	})
	// Use a chat event as a barrier: it is processed after the offer.
	h.conn.push(protocol.ServerMessage{
		Type:  protocol.ServerTypeChat,
		Entry: &protocol.ChatEntry{ID: "1", SenderID: "x", SenderName: "X", Body: "b", Kind: protocol.ChatKindMessage},
	})
	waitFor(t, "chat applied", func() bool { return len(h.c.Chat()) == 1 })

	if h.factory.count() != 0 {
		t.Fatalf("offer from a non-member must not create a link")
	}
}

func TestLinkSetTracksMemberSet(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeMemberJoined, Member: ptrMember(member("b", "Bob", protocol.RoleAttendee))})
	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeMemberJoined, Member: ptrMember(member("c", "Carol", protocol.RoleAttendee))})
	waitFor(t, "two links", func() bool { return h.factory.count() == 2 })

	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeMemberLeft, MemberID: "b"})
	waitFor(t, "b's link closed", func() bool {
		link := h.factory.link("b")
		return link != nil && link.isClosed()
	})
	if h.factory.count() != 1 {
		t.Fatalf("expected exactly one live link, got %d", h.factory.count())
	}
	if len(h.c.Members()) != 1 {
		t.Fatalf("expected one member, got %+v", h.c.Members())
	}
}

func TestAnswerAndCandidateRouting(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeMemberJoined, Member: ptrMember(member("b", "Bob", protocol.RoleAttendee))})
	waitFor(t, "link to b", func() bool { return h.factory.link("b") != nil })

	h.conn.push(protocol.ServerMessage{
		Type: protocol.ServerTypeAnswer,
		From: "b",
		SDP:  &protocol.SDP{Type: "answer", SDP: "v=0"},
	})
	h.conn.push(protocol.ServerMessage{
		Type:      protocol.ServerTypeCandidate,
		From:      "b",
		Candidate: &protocol.Candidate{Candidate: "candidate:1"},
	})

	link := h.factory.link("b")
	waitFor(t, "answer and candidate applied", func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.handledAnswer && len(link.candidates) == 1
	})
}

func TestDoubleToggleAudio(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	if err := h.c.ToggleAudio(); err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if err := h.c.ToggleAudio(); err != nil {
		t.Fatalf("second toggle: %v", err)
	}

	updates := h.conn.sentOfType(protocol.ClientTypeStateUpdate)
	if len(updates) != 2 {
		t.Fatalf("expected two state updates, got %d", len(updates))
	}
	if !*updates[0].Flags.AudioMuted || *updates[1].Flags.AudioMuted {
		t.Fatalf("expected muted then unmuted, got %+v %+v", updates[0].Flags, updates[1].Flags)
	}
	h.capture.mu.Lock()
	states := append([]bool(nil), h.capture.audioStates...)
	h.capture.mu.Unlock()
	if len(states) != 2 || states[0] || !states[1] {
		t.Fatalf("expected capture disabled then enabled, got %v", states)
	}
}

func TestForcedMuteAppliesThenRebroadcasts(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	h.conn.push(protocol.ServerMessage{
		Type:     protocol.ServerTypeStateUpdate,
		MemberID: "self-1",
		Flags:    &protocol.Flags{AudioMuted: protocol.Bool(true)},
	})

	waitFor(t, "forced mute rebroadcast", func() bool {
		return len(h.conn.sentOfType(protocol.ClientTypeStateUpdate)) == 1
	})
	update := h.conn.sentOfType(protocol.ClientTypeStateUpdate)[0]
	if update.Flags.AudioMuted == nil || !*update.Flags.AudioMuted {
		t.Fatalf("expected audioMuted=true rebroadcast, got %+v", update.Flags)
	}
	h.capture.mu.Lock()
	states := append([]bool(nil), h.capture.audioStates...)
	h.capture.mu.Unlock()
	if len(states) != 1 || states[0] {
		t.Fatalf("expected audio disabled at the source, got %v", states)
	}

	// A duplicate mute request must not re-apply or re-broadcast.
	h.conn.push(protocol.ServerMessage{
		Type:     protocol.ServerTypeStateUpdate,
		MemberID: "self-1",
		Flags:    &protocol.Flags{AudioMuted: protocol.Bool(true)},
	})
	h.conn.push(protocol.ServerMessage{
		Type:  protocol.ServerTypeChat,
		Entry: &protocol.ChatEntry{ID: "1", SenderID: "x", SenderName: "X", Body: "b", Kind: protocol.ChatKindMessage},
	})
	waitFor(t, "barrier chat", func() bool { return len(h.c.Chat()) == 1 })
	if got := len(h.conn.sentOfType(protocol.ClientTypeStateUpdate)); got != 1 {
		t.Fatalf("duplicate mute request must be a no-op, got %d updates", got)
	}
}

func TestSendChatOptimisticAppend(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	if err := h.c.SendChat("hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	chats := h.conn.sentOfType(protocol.ClientTypeChat)
	if len(chats) != 1 || chats[0].Body != "hello" {
		t.Fatalf("unexpected chat sent: %+v", chats)
	}
	log := h.c.Chat()
	if len(log) != 1 || log[0].SenderID != "self-1" || log[0].Body != "hello" || log[0].Kind != protocol.ChatKindMessage {
		t.Fatalf("expected optimistic local entry, got %+v", log)
	}
	if log[0].ID == "" {
		t.Fatalf("local entry must carry an id")
	}
}

func TestScreenShareLifecycle(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeMemberJoined, Member: ptrMember(member("b", "Bob", protocol.RoleAttendee))})
	waitFor(t, "link to b", func() bool { return h.factory.link("b") != nil })

	if err := h.c.StartScreenShare(); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	link := h.factory.link("b")
	link.mu.Lock()
	track := link.videoTrack
	link.mu.Unlock()
	if track != h.capture.screen {
		t.Fatalf("expected screen track on the link")
	}
	updates := h.conn.sentOfType(protocol.ClientTypeStateUpdate)
	last := updates[len(updates)-1]
	if last.Flags.ScreenSharing == nil || !*last.Flags.ScreenSharing {
		t.Fatalf("expected screenSharing=true broadcast, got %+v", last.Flags)
	}

	if err := h.c.StopScreenShare(); err != nil {
		t.Fatalf("StopScreenShare: %v", err)
	}
	link.mu.Lock()
	track = link.videoTrack
	link.mu.Unlock()
	if track != h.capture.camera {
		t.Fatalf("expected camera track restored")
	}
	updates = h.conn.sentOfType(protocol.ClientTypeStateUpdate)
	last = updates[len(updates)-1]
	if last.Flags.ScreenSharing == nil || *last.Flags.ScreenSharing {
		t.Fatalf("expected screenSharing=false broadcast, got %+v", last.Flags)
	}
}

func TestScreenShareEndedExternally(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeMemberJoined, Member: ptrMember(member("b", "Bob", protocol.RoleAttendee))})
	waitFor(t, "link to b", func() bool { return h.factory.link("b") != nil })

	if err := h.c.StartScreenShare(); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	h.capture.endScreenExternally()

	link := h.factory.link("b")
	waitFor(t, "camera restored", func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.videoTrack == h.capture.camera
	})
	updates := h.conn.sentOfType(protocol.ClientTypeStateUpdate)
	last := updates[len(updates)-1]
	if last.Flags.ScreenSharing == nil || *last.Flags.ScreenSharing {
		t.Fatalf("expected screenSharing=false after external end, got %+v", last.Flags)
	}
}

func TestRelayDisconnectMakesRoomStale(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeMemberJoined, Member: ptrMember(member("b", "Bob", protocol.RoleAttendee))})
	waitFor(t, "link to b", func() bool { return h.factory.link("b") != nil })

	h.conn.Close()
	waitFor(t, "stale state", func() bool { return h.c.State() == StateStale })

	if err := h.c.ToggleAudio(); !errors.Is(err, ErrRelayDisconnected) {
		t.Fatalf("expected ErrRelayDisconnected, got %v", err)
	}
	if err := h.c.SendChat("x"); !errors.Is(err, ErrRelayDisconnected) {
		t.Fatalf("expected ErrRelayDisconnected, got %v", err)
	}
	// Peer links survive a relay loss.
	if h.factory.link("b").isClosed() {
		t.Fatalf("links must survive relay disconnect")
	}
}

func TestKickedTearsDown(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeMemberJoined, Member: ptrMember(member("b", "Bob", protocol.RoleAttendee))})
	waitFor(t, "link to b", func() bool { return h.factory.link("b") != nil })

	h.conn.push(protocol.ServerMessage{
		Type:    protocol.ServerTypeError,
		Code:    protocol.ErrorCodeKicked,
		Message: "removed by host",
	})

	waitFor(t, "left after kick", func() bool { return h.c.State() == StateLeft })
	waitFor(t, "link closed", func() bool { return h.factory.link("b").isClosed() })
	waitFor(t, "capture released", func() bool {
		h.capture.mu.Lock()
		defer h.capture.mu.Unlock()
		return h.capture.released
	})
}

func TestLeaveIdempotentAndIgnoresLateEvents(t *testing.T) {
	h := newHarness(t)
	h.join(t)
	h.conn.push(protocol.ServerMessage{Type: protocol.ServerTypeMemberJoined, Member: ptrMember(member("b", "Bob", protocol.RoleAttendee))})
	waitFor(t, "link to b", func() bool { return h.factory.link("b") != nil })

	h.c.Leave()
	h.c.Leave()

	if h.c.State() != StateLeft {
		t.Fatalf("expected StateLeft, got %v", h.c.State())
	}
	if !h.factory.link("b").isClosed() {
		t.Fatalf("expected links closed on leave")
	}
	if !h.capture.released {
		t.Fatalf("expected capture released on leave")
	}
	leaves := h.conn.sentOfType(protocol.ClientTypeLeave)
	if len(leaves) != 1 {
		t.Fatalf("expected exactly one leave message, got %d", len(leaves))
	}

	if err := h.c.ToggleAudio(); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined after leave, got %v", err)
	}
	if err := h.c.Join(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("a left coordinator must not rejoin, got %v", err)
	}
}

func TestMuteAndKickRequests(t *testing.T) {
	h := newHarness(t)
	h.join(t, member("a", "Bob", protocol.RoleAttendee))

	if err := h.c.MuteMember("a"); err != nil {
		t.Fatalf("MuteMember: %v", err)
	}
	if err := h.c.KickMember("a"); err != nil {
		t.Fatalf("KickMember: %v", err)
	}
	if got := h.conn.sentOfType(protocol.ClientTypeMuteRequest); len(got) != 1 || got[0].MemberID != "a" {
		t.Fatalf("unexpected mute request: %+v", got)
	}
	if got := h.conn.sentOfType(protocol.ClientTypeKick); len(got) != 1 || got[0].MemberID != "a" {
		t.Fatalf("unexpected kick: %+v", got)
	}
}

func TestNewValidation(t *testing.T) {
	base := Config{
		Room:        "room",
		DisplayName: "Alice",
		Role:        protocol.RoleHost,
		Dialer:      &fakeDialer{conn: newFakeConn()},
		Links:       newFakeFactory(),
		Capture:     &fakeCapture{},
	}

	missingRoom := base
	missingRoom.Room = ""
	if _, err := New(missingRoom); err == nil {
		t.Fatalf("expected error for missing room")
	}

	badRole := base
	badRole.Role = protocol.Role("professor")
	if _, err := New(badRole); err == nil {
		t.Fatalf("expected error for unknown role")
	}

	noDialer := base
	noDialer.Dialer = nil
	if _, err := New(noDialer); err == nil {
		t.Fatalf("expected error for missing dialer")
	}
}

func ptrMember(m protocol.Member) *protocol.Member { return &m }

var _ media.Capture = (*fakeCapture)(nil)
