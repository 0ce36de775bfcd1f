package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classmeet/classmeet/internal/auth"
	"github.com/classmeet/classmeet/internal/config"
	"github.com/classmeet/classmeet/internal/metrics"
	"github.com/classmeet/classmeet/internal/protocol"
	"github.com/classmeet/classmeet/internal/ratelimit"
	"github.com/classmeet/classmeet/internal/relay"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second

	// outboxSize bounds each member's send queue. A member that cannot drain
	// this many room events is treated as dead rather than allowed to stall
	// fan-out for everyone else.
	outboxSize = 256
)

// WebSocketServer upgrades HTTP requests into room member connections.
//
// It enforces authentication (api_key/jwt via query parameters), a deadline on
// the first join message, a per-message size cap, and a per-connection message
// rate limit.
type WebSocketServer struct {
	cfg      config.Config
	log      *slog.Logger
	verifier auth.Verifier
	registry *relay.Registry
	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg config.Config, logger *slog.Logger, registry *relay.Registry) (*WebSocketServer, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		cfg:      cfg,
		log:      logger,
		verifier: verifier,
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err != nil {
		if errors.Is(err, auth.ErrMissingCredentials) {
			writeClose(conn, websocket.ClosePolicyViolation, "authentication required")
		} else {
			writeClose(conn, websocket.CloseInternalServerErr, "invalid auth configuration")
		}
		conn.Close()
		return
	}
	identity, err := s.verifier.Verify(cred)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "invalid credentials")
		conn.Close()
		return
	}

	c := &memberConn{
		srv:      s,
		conn:     conn,
		identity: identity,
		limiter:  ratelimit.NewTokenBucket(nil, int64(s.cfg.MaxSignalingMessagesPerSecond), int64(s.cfg.MaxSignalingMessagesPerSecond)),
		outbox:   make(chan protocol.ServerMessage, outboxSize),
		done:     make(chan struct{}),
	}
	c.run()
}

// memberConn is one live connection. It implements relay.Outbox so the room
// can fan events into it without knowing about websockets.
type memberConn struct {
	srv      *WebSocketServer
	conn     *websocket.Conn
	identity auth.Identity
	limiter  *ratelimit.TokenBucket

	outbox chan protocol.ServerMessage
	done   chan struct{}

	// closeOnce guards done: the room may Kick while the read loop is
	// tearing down the same connection. The close frame recorded by the
	// winner is what the write pump sends after draining the outbox.
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	// set once the join is accepted; read only from the read loop.
	memberID string
	room     *relay.Room
}

// Enqueue implements relay.Outbox. It never blocks: a full outbox reports
// failure and the room counts the drop.
func (c *memberConn) Enqueue(msg protocol.ServerMessage) bool {
	select {
	case c.outbox <- msg:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// Kick implements relay.Outbox. The final error event rides the normal outbox
// so everything enqueued before the kick is still delivered first; the write
// pump closes the connection after sending it. Safe to call more than once: a
// host may repeat a kick before the victim's transport has torn down.
func (c *memberConn) Kick(reason string) {
	c.Enqueue(protocol.ServerMessage{
		Type:    protocol.ServerTypeError,
		Code:    protocol.ErrorCodeKicked,
		Message: reason,
	})
	c.shutdown(websocket.ClosePolicyViolation, "kicked")
}

// shutdown records the close frame and releases the write pump. Only the
// first caller's frame is sent.
func (c *memberConn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *memberConn) run() {
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()
	c.readLoop()

	// readLoop has returned: the connection is gone one way or another. Let
	// the pump flush whatever is queued before the transport goes away.
	c.shutdown(websocket.CloseNormalClosure, "")
	<-pumpDone
	c.conn.Close()
	if c.room != nil {
		c.room.Leave(c.memberID)
	}
}

func (c *memberConn) readLoop() {
	cfg := c.srv.cfg

	// The join must arrive promptly; once a member, the pong handler keeps the
	// deadline moving instead.
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.SignalingAuthTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if !c.limiter.Allow(1) {
			c.srv.registry.Metrics().Inc(metrics.DropReasonRateLimited)
			c.shutdown(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := c.conn.NextReader()
		if err != nil {
			if c.room == nil && isTimeout(err) {
				c.shutdown(websocket.ClosePolicyViolation, "join timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.shutdown(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		raw, err := readLimited(msgReader, cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.shutdown(websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		msg, err := protocol.ParseClientMessage(raw)
		if err != nil {
			c.srv.registry.Metrics().Inc(metrics.DropReasonBadMessage)
			c.sendError(protocol.ErrorCodeBadMessage, err.Error())
			if c.room == nil {
				// An unparseable first message will never become a join.
				c.shutdown(websocket.CloseUnsupportedData, "invalid message")
				return
			}
			continue
		}

		if c.room == nil {
			if msg.Type != protocol.ClientTypeJoin {
				c.sendError(protocol.ErrorCodeNotInARoom, "first message must be join")
				c.shutdown(websocket.ClosePolicyViolation, "join required")
				return
			}
			if !c.handleJoin(msg) {
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
			continue
		}

		if done := c.dispatch(msg); done {
			return
		}
	}
}

func (c *memberConn) handleJoin(msg protocol.ClientMessage) bool {
	info := *msg.Info
	// A JWT identity is authoritative over whatever the join payload claims.
	if c.identity.DisplayName != "" {
		info.DisplayName = c.identity.DisplayName
	}
	if c.identity.Role != "" {
		role, err := protocol.ParseRole(c.identity.Role)
		if err != nil {
			c.sendError(protocol.ErrorCodeBadMessage, "token carries an unknown role")
			c.shutdown(websocket.ClosePolicyViolation, "invalid token role")
			return false
		}
		info.Role = role
	}

	id, err := relay.NewMemberID()
	if err != nil {
		c.srv.log.Error("generate member id", "err", err)
		c.shutdown(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	room := c.srv.registry.Room(msg.Room)
	if err := room.Join(id, info, c); err != nil {
		switch {
		case errors.Is(err, relay.ErrRoomFull):
			c.sendError(protocol.ErrorCodeBadMessage, "room is full")
		default:
			c.sendError(protocol.ErrorCodeBadMessage, err.Error())
		}
		c.shutdown(websocket.ClosePolicyViolation, "join rejected")
		return false
	}
	c.memberID = id
	c.room = room
	return true
}

// dispatch routes one post-join message. It returns true when the connection
// should close.
func (c *memberConn) dispatch(msg protocol.ClientMessage) bool {
	var err error
	switch msg.Type {
	case protocol.ClientTypeLeave:
		c.room.Leave(c.memberID)
		c.shutdown(websocket.CloseNormalClosure, "left")
		return true
	case protocol.ClientTypeOffer:
		err = c.room.Forward(c.memberID, msg.To, protocol.ServerMessage{
			Type: protocol.ServerTypeOffer,
			SDP:  msg.SDP,
		})
	case protocol.ClientTypeAnswer:
		err = c.room.Forward(c.memberID, msg.To, protocol.ServerMessage{
			Type: protocol.ServerTypeAnswer,
			SDP:  msg.SDP,
		})
	case protocol.ClientTypeCandidate:
		err = c.room.Forward(c.memberID, msg.To, protocol.ServerMessage{
			Type:      protocol.ServerTypeCandidate,
			Candidate: msg.Candidate,
		})
	case protocol.ClientTypeChat:
		err = c.room.Chat(c.memberID, msg.Body)
	case protocol.ClientTypeReaction:
		err = c.room.Reaction(c.memberID, msg.Emoji)
	case protocol.ClientTypeStateUpdate:
		err = c.room.UpdateState(c.memberID, *msg.Flags)
	case protocol.ClientTypeKick:
		err = c.room.Kick(c.memberID, msg.MemberID)
	case protocol.ClientTypeMuteRequest:
		err = c.room.RequestMute(c.memberID, msg.MemberID)
	case protocol.ClientTypeJoin:
		c.sendError(protocol.ErrorCodeAlreadyJoined, "already in a room")
		return false
	}
	if err != nil {
		c.sendError(errorCode(err), err.Error())
	}
	return false
}

func (c *memberConn) sendError(code, message string) {
	c.Enqueue(protocol.ServerMessage{
		Type:    protocol.ServerTypeError,
		Code:    code,
		Message: message,
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, relay.ErrNotHost):
		return protocol.ErrorCodeNotHost
	case errors.Is(err, relay.ErrNoSuchPeer):
		return protocol.ErrorCodeNoSuchPeer
	case errors.Is(err, relay.ErrNotInRoom):
		return protocol.ErrorCodeNotInARoom
	case errors.Is(err, relay.ErrAlreadyJoined):
		return protocol.ErrorCodeAlreadyJoined
	default:
		return protocol.ErrorCodeBadMessage
	}
}

func (c *memberConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.outbox:
			if !c.writeMessage(msg) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Drain anything already enqueued, then send the close frame the
			// shutdown recorded. Errors queued before the close (join
			// rejections, kicks) reach the client in order this way.
			for {
				select {
				case msg := <-c.outbox:
					if !c.writeMessage(msg) {
						return
					}
				default:
					writeClose(c.conn, c.closeCode, c.closeReason)
					c.conn.Close()
					return
				}
			}
		}
	}
}

func (c *memberConn) writeMessage(msg protocol.ServerMessage) bool {
	payload, err := msg.Encode()
	if err != nil {
		c.srv.log.Error("dropping unencodable server message", "type", msg.Type, "err", err)
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
