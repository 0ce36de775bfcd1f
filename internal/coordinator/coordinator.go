// Package coordinator drives one participant's membership in one room: it
// acquires local media, joins through the relay, negotiates a peer link with
// every other member, and folds the relay's event stream into the local room
// view. One coordinator is one participant; it is not reusable after Leave.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classmeet/classmeet/internal/media"
	"github.com/classmeet/classmeet/internal/peerlink"
	"github.com/classmeet/classmeet/internal/projection"
	"github.com/classmeet/classmeet/internal/protocol"
	"github.com/classmeet/classmeet/internal/signalclient"
)

// State is the coordinator lifecycle. Left is terminal, Stale can only be
// reached from Joined, and a failed join rewinds to Idle.
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateConnecting State = "connecting"
	StateJoined     State = "joined"
	// StateStale means the relay connection is gone but peer links survive.
	// Media keeps flowing; roster changes and chat are no longer possible.
	StateStale State = "stale"
	StateLeft  State = "left"
)

// Config carries everything a coordinator needs to join.
type Config struct {
	Room        string
	DisplayName string
	Role        protocol.Role

	Dialer  signalclient.Dialer
	Links   peerlink.Factory
	Capture media.Capture
	Logger  *slog.Logger

	// OnEvent, when set, is called after each relay event is folded into the
	// room view. It runs on the coordinator's event loop and must not call
	// back into the coordinator.
	OnEvent func(protocol.ServerMessage)
}

type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	state State
	conn  signalclient.Conn
	proj  *projection.Projection
	links map[string]peerlink.Link

	audioMuted    bool
	videoMuted    bool
	handRaised    bool
	screenSharing bool
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Room == "" || cfg.DisplayName == "" {
		return nil, fmt.Errorf("room and display name are required")
	}
	if _, err := protocol.ParseRole(string(cfg.Role)); err != nil {
		return nil, err
	}
	if cfg.Dialer == nil || cfg.Links == nil || cfg.Capture == nil {
		return nil, fmt.Errorf("dialer, link factory and capture are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		cfg:   cfg,
		log:   cfg.Logger.With("room", cfg.Room),
		state: StateIdle,
		proj:  projection.New(),
		links: make(map[string]peerlink.Link),
	}, nil
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelfID returns the relay-assigned member id, empty before the join finishes.
func (c *Coordinator) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proj.Self()
}

// Members returns the current roster in join order, the local member excluded.
func (c *Coordinator) Members() []protocol.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proj.Members()
}

// Chat returns the chat log, local optimistic entries included.
func (c *Coordinator) Chat() []protocol.ChatEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proj.Chat()
}

// Join acquires media, connects to the relay, and waits for the welcome. A
// failed attempt returns the coordinator to Idle so the caller may retry; a
// concurrent Leave wins and pins the state at Left.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateLeft:
		c.mu.Unlock()
		return ErrNotJoined
	default:
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	c.state = StateAcquiring
	c.mu.Unlock()

	if err := c.cfg.Capture.Acquire(ctx); err != nil {
		c.abortJoin()
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	if !c.advance(StateConnecting) {
		c.cfg.Capture.Release()
		return ErrNotJoined
	}

	conn, err := c.cfg.Dialer.Dial(ctx)
	if err != nil {
		c.abortJoin()
		return fmt.Errorf("%w: %v", ErrSignalingUnreachable, err)
	}

	err = conn.Send(protocol.ClientMessage{
		Type: protocol.ClientTypeJoin,
		Room: c.cfg.Room,
		Info: &protocol.ParticipantInfo{DisplayName: c.cfg.DisplayName, Role: c.cfg.Role},
	})
	if err != nil {
		conn.Close()
		c.abortJoin()
		return fmt.Errorf("%w: %v", ErrSignalingUnreachable, err)
	}

	welcome, err := awaitWelcome(ctx, conn)
	if err != nil {
		conn.Close()
		c.abortJoin()
		return err
	}

	c.mu.Lock()
	if c.state == StateLeft {
		c.mu.Unlock()
		conn.Close()
		c.cfg.Capture.Release()
		return ErrNotJoined
	}
	c.conn = conn
	c.proj.Apply(welcome)
	c.state = StateJoined
	c.mu.Unlock()

	c.log.Info("joined room", "self", welcome.Self, "members", len(welcome.Members))
	c.emit(welcome)

	go c.eventLoop(conn)
	return nil
}

// awaitWelcome reads events until the welcome arrives. The relay answers a
// join with either a welcome or an error followed by a close.
func awaitWelcome(ctx context.Context, conn signalclient.Conn) (protocol.ServerMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.ServerMessage{}, fmt.Errorf("%w: %v", ErrSignalingUnreachable, ctx.Err())
		case msg, ok := <-conn.Events():
			if !ok {
				return protocol.ServerMessage{}, fmt.Errorf("%w: connection closed before welcome", ErrSignalingUnreachable)
			}
			switch msg.Type {
			case protocol.ServerTypeWelcome:
				return msg, nil
			case protocol.ServerTypeError:
				return protocol.ServerMessage{}, fmt.Errorf("%w: relay rejected join: %s", ErrSignalingUnreachable, msg.Message)
			}
		}
	}
}

// advance moves an in-flight join forward unless a concurrent Leave already
// decided Left.
func (c *Coordinator) advance(next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateLeft {
		return false
	}
	c.state = next
	return true
}

// abortJoin rewinds a failed attempt to Idle. A concurrent Leave keeps Left.
func (c *Coordinator) abortJoin() {
	c.cfg.Capture.Release()
	c.mu.Lock()
	if c.state != StateLeft {
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// Leave tears everything down: the relay connection, every peer link, and the
// local capture. It is idempotent and the terminal transition.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	if c.state == StateLeft || c.state == StateIdle {
		c.state = StateLeft
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	links := c.links
	c.links = make(map[string]peerlink.Link)
	c.state = StateLeft
	c.mu.Unlock()

	// Closing the connection ends the event loop; it observes StateLeft and
	// ignores anything still in flight.
	if conn != nil {
		_ = conn.Send(protocol.ClientMessage{Type: protocol.ClientTypeLeave})
		conn.Close()
	}
	for _, link := range links {
		_ = link.Close()
	}
	c.cfg.Capture.Release()
	c.log.Info("left room")
}

// eventLoop folds relay events until the connection dies.
func (c *Coordinator) eventLoop(conn signalclient.Conn) {
	for msg := range conn.Events() {
		c.handleEvent(msg)
	}
	c.relayLost()
}

// relayLost marks the room stale. Peer links deliberately survive: media keeps
// flowing between members who were already connected.
func (c *Coordinator) relayLost() {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return
	}
	c.state = StateStale
	c.conn = nil
	c.mu.Unlock()
	c.log.Warn("relay connection lost, room is stale")
}

func (c *Coordinator) handleEvent(msg protocol.ServerMessage) {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return
	}

	switch msg.Type {
	case protocol.ServerTypeMemberJoined:
		c.proj.Apply(msg)
		c.mu.Unlock()
		c.offerTo(msg.Member.ID)
		c.emit(msg)
		return

	case protocol.ServerTypeMemberLeft:
		c.proj.Apply(msg)
		link, ok := c.links[msg.MemberID]
		if ok {
			delete(c.links, msg.MemberID)
		}
		c.mu.Unlock()
		if ok {
			_ = link.Close()
		}
		c.emit(msg)
		return

	case protocol.ServerTypeOffer:
		c.mu.Unlock()
		c.handleOffer(msg)
		return

	case protocol.ServerTypeAnswer:
		link := c.links[msg.From]
		c.mu.Unlock()
		if link == nil {
			c.log.Warn("answer from member with no link", "from", msg.From)
			return
		}
		if err := link.HandleAnswer(*msg.SDP); err != nil {
			c.log.Error("apply answer", "from", msg.From, "err", err)
			c.dropLink(msg.From)
		}
		return

	case protocol.ServerTypeCandidate:
		link := c.links[msg.From]
		c.mu.Unlock()
		if link == nil {
			// The candidate raced ahead of the offer; it will be regathered
			// once the link exists, so dropping it is safe.
			return
		}
		if err := link.AddCandidate(*msg.Candidate); err != nil {
			c.log.Warn("apply candidate", "from", msg.From, "err", err)
		}
		return

	case protocol.ServerTypeStateUpdate:
		if msg.MemberID == c.proj.Self() {
			c.mu.Unlock()
			c.applyForcedMute(msg)
			return
		}
		c.proj.Apply(msg)
		c.mu.Unlock()
		c.emit(msg)
		return

	case protocol.ServerTypeChat, protocol.ServerTypeReaction:
		c.proj.Apply(msg)
		c.mu.Unlock()
		c.emit(msg)
		return

	case protocol.ServerTypeError:
		c.mu.Unlock()
		if msg.Code == protocol.ErrorCodeKicked {
			c.log.Warn("removed from room", "reason", msg.Message)
			c.Leave()
			return
		}
		c.log.Warn("relay error", "code", msg.Code, "message", msg.Message)
		return

	default:
		c.mu.Unlock()
	}
}

// offerTo creates the link for a newcomer and sends the offer. The existing
// member always offers; the newcomer learned about us from its welcome
// snapshot and waits.
func (c *Coordinator) offerTo(remoteID string) {
	c.mu.Lock()
	if _, ok := c.links[remoteID]; ok {
		// Duplicate memberJoined delivery; negotiation is already under way.
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	link, err := c.ensureLink(remoteID)
	if err != nil {
		c.log.Error("create link", "remote", remoteID, "err", err)
		return
	}
	offer, err := link.Offer(context.Background())
	if err != nil {
		c.log.Error("create offer", "remote", remoteID, "err", err)
		c.dropLink(remoteID)
		return
	}
	c.send(protocol.ClientMessage{Type: protocol.ClientTypeOffer, To: remoteID, SDP: &offer})
}

// handleOffer answers an incoming offer, creating the link lazily. Links for
// welcome-snapshot members only come into existence here, which is what keeps
// both sides from offering at once.
func (c *Coordinator) handleOffer(msg protocol.ServerMessage) {
	c.mu.Lock()
	if _, known := c.proj.Member(msg.From); !known {
		c.mu.Unlock()
		c.log.Warn("offer from unknown member", "from", msg.From)
		return
	}
	c.mu.Unlock()

	link, err := c.ensureLink(msg.From)
	if err != nil {
		c.log.Error("create link", "remote", msg.From, "err", err)
		return
	}
	answer, err := link.HandleOffer(context.Background(), *msg.SDP)
	if err != nil {
		c.log.Error("answer offer", "from", msg.From, "err", err)
		c.dropLink(msg.From)
		return
	}
	c.send(protocol.ClientMessage{Type: protocol.ClientTypeAnswer, To: msg.From, SDP: &answer})
}

// ensureLink returns the existing link for remoteID or creates one.
func (c *Coordinator) ensureLink(remoteID string) (peerlink.Link, error) {
	c.mu.Lock()
	if link, ok := c.links[remoteID]; ok {
		c.mu.Unlock()
		return link, nil
	}
	c.mu.Unlock()

	link, err := c.cfg.Links.NewLink(remoteID, peerlink.Callbacks{
		OnCandidate: func(cand protocol.Candidate) {
			c.send(protocol.ClientMessage{Type: protocol.ClientTypeCandidate, To: remoteID, Candidate: &cand})
		},
		OnFailed: func(err error) {
			c.log.Warn("peer link failed", "remote", remoteID, "err", err)
			go c.dropLink(remoteID)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	c.mu.Lock()
	if existing, ok := c.links[remoteID]; ok {
		// Lost a race with another event; keep the first link.
		c.mu.Unlock()
		_ = link.Close()
		return existing, nil
	}
	c.links[remoteID] = link
	c.mu.Unlock()
	return link, nil
}

func (c *Coordinator) dropLink(remoteID string) {
	c.mu.Lock()
	link, ok := c.links[remoteID]
	if ok {
		delete(c.links, remoteID)
	}
	c.mu.Unlock()
	if ok {
		_ = link.Close()
	}
}

// applyForcedMute handles a host's mute request: apply the mute locally, then
// re-broadcast so the rest of the room (which the relay did not notify) sees
// the change as coming from us.
func (c *Coordinator) applyForcedMute(msg protocol.ServerMessage) {
	if msg.Flags == nil || msg.Flags.AudioMuted == nil || !*msg.Flags.AudioMuted {
		return
	}
	c.mu.Lock()
	if c.audioMuted {
		c.mu.Unlock()
		return
	}
	c.audioMuted = true
	c.mu.Unlock()

	c.cfg.Capture.SetAudioEnabled(false)
	c.send(protocol.ClientMessage{
		Type:  protocol.ClientTypeStateUpdate,
		Flags: &protocol.Flags{AudioMuted: protocol.Bool(true)},
	})
	c.log.Info("muted by host")
	c.emit(msg)
}

// ToggleAudio flips the local audio mute and broadcasts the new state.
func (c *Coordinator) ToggleAudio() error {
	c.mu.Lock()
	if err := c.requireJoinedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.audioMuted = !c.audioMuted
	muted := c.audioMuted
	c.mu.Unlock()

	c.cfg.Capture.SetAudioEnabled(!muted)
	return c.send(protocol.ClientMessage{
		Type:  protocol.ClientTypeStateUpdate,
		Flags: &protocol.Flags{AudioMuted: protocol.Bool(muted)},
	})
}

// ToggleVideo flips the local video mute and broadcasts the new state.
func (c *Coordinator) ToggleVideo() error {
	c.mu.Lock()
	if err := c.requireJoinedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.videoMuted = !c.videoMuted
	muted := c.videoMuted
	c.mu.Unlock()

	c.cfg.Capture.SetVideoEnabled(!muted)
	return c.send(protocol.ClientMessage{
		Type:  protocol.ClientTypeStateUpdate,
		Flags: &protocol.Flags{VideoMuted: protocol.Bool(muted)},
	})
}

// ToggleHandRaise flips the hand-raise flag and broadcasts it.
func (c *Coordinator) ToggleHandRaise() error {
	c.mu.Lock()
	if err := c.requireJoinedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.handRaised = !c.handRaised
	raised := c.handRaised
	c.mu.Unlock()

	return c.send(protocol.ClientMessage{
		Type:  protocol.ClientTypeStateUpdate,
		Flags: &protocol.Flags{HandRaised: protocol.Bool(raised)},
	})
}

// StartScreenShare swaps the outgoing video on every link to a screen track
// and announces it. If the capture ends the share on its own (the user closed
// the shared window), the camera comes back automatically.
func (c *Coordinator) StartScreenShare() error {
	c.mu.Lock()
	if err := c.requireJoinedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.screenSharing {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	track, err := c.cfg.Capture.StartScreen(func() { c.screenEnded() })
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	c.mu.Lock()
	c.screenSharing = true
	links := c.currentLinksLocked()
	c.mu.Unlock()

	for _, link := range links {
		if err := link.ReplaceVideoTrack(track); err != nil {
			c.log.Warn("swap to screen track", "err", err)
		}
	}
	return c.send(protocol.ClientMessage{
		Type:  protocol.ClientTypeStateUpdate,
		Flags: &protocol.Flags{ScreenSharing: protocol.Bool(true)},
	})
}

// StopScreenShare reverts to the camera track and announces it.
func (c *Coordinator) StopScreenShare() error {
	c.mu.Lock()
	if !c.screenSharing {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.cfg.Capture.StopScreen()
	c.revertToCamera()
	return c.send(protocol.ClientMessage{
		Type:  protocol.ClientTypeStateUpdate,
		Flags: &protocol.Flags{ScreenSharing: protocol.Bool(false)},
	})
}

// screenEnded is the capture's callback for a share that ended outside our
// control.
func (c *Coordinator) screenEnded() {
	c.mu.Lock()
	if !c.screenSharing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Info("screen share ended by capture")
	c.revertToCamera()
	_ = c.send(protocol.ClientMessage{
		Type:  protocol.ClientTypeStateUpdate,
		Flags: &protocol.Flags{ScreenSharing: protocol.Bool(false)},
	})
}

func (c *Coordinator) revertToCamera() {
	camera := c.cfg.Capture.VideoTrack()

	c.mu.Lock()
	c.screenSharing = false
	links := c.currentLinksLocked()
	c.mu.Unlock()

	if camera == nil {
		return
	}
	for _, link := range links {
		if err := link.ReplaceVideoTrack(camera); err != nil {
			c.log.Warn("swap back to camera track", "err", err)
		}
	}
}

// SendChat broadcasts a chat message. The local copy is appended immediately;
// the relay will not echo it back.
func (c *Coordinator) SendChat(body string) error {
	return c.sendChatEntry(body, protocol.ChatKindMessage, protocol.ClientMessage{
		Type: protocol.ClientTypeChat,
		Body: body,
	})
}

// SendReaction broadcasts an emoji reaction, with the same optimistic local
// append as chat.
func (c *Coordinator) SendReaction(emoji string) error {
	return c.sendChatEntry(emoji, protocol.ChatKindReaction, protocol.ClientMessage{
		Type:  protocol.ClientTypeReaction,
		Emoji: emoji,
	})
}

func (c *Coordinator) sendChatEntry(body string, kind protocol.ChatKind, msg protocol.ClientMessage) error {
	c.mu.Lock()
	if err := c.requireJoinedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	self := c.proj.Self()
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		return err
	}

	c.mu.Lock()
	c.proj.AppendLocalChat(protocol.ChatEntry{
		ID:         uuid.NewString(),
		SenderID:   self,
		SenderName: c.cfg.DisplayName,
		Body:       body,
		Kind:       kind,
		SentAt:     time.Now(),
	})
	c.mu.Unlock()
	return nil
}

// KickMember asks the relay to remove a member. The relay enforces that only
// hosts may do this.
func (c *Coordinator) KickMember(memberID string) error {
	c.mu.Lock()
	if err := c.requireJoinedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return c.send(protocol.ClientMessage{Type: protocol.ClientTypeKick, MemberID: memberID})
}

// MuteMember asks the relay to tell a member to mute itself.
func (c *Coordinator) MuteMember(memberID string) error {
	c.mu.Lock()
	if err := c.requireJoinedLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return c.send(protocol.ClientMessage{Type: protocol.ClientTypeMuteRequest, MemberID: memberID})
}

func (c *Coordinator) requireJoinedLocked() error {
	switch c.state {
	case StateJoined:
		return nil
	case StateStale:
		return ErrRelayDisconnected
	default:
		return ErrNotJoined
	}
}

func (c *Coordinator) currentLinksLocked() []peerlink.Link {
	out := make([]peerlink.Link, 0, len(c.links))
	for _, link := range c.links {
		out = append(out, link)
	}
	return out
}

func (c *Coordinator) send(msg protocol.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrRelayDisconnected
	}
	if err := conn.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrRelayDisconnected, err)
	}
	return nil
}

func (c *Coordinator) emit(msg protocol.ServerMessage) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(msg)
	}
}
