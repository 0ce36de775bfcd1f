// Package signalclient is the coordinator's connection to the relay. It owns
// the websocket read and write pumps and exposes relay events as a channel so
// the coordinator can consume them from its own loop.
package signalclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classmeet/classmeet/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	outgoingSize = 64
	incomingSize = 64
)

var ErrClosed = errors.New("signaling connection closed")

// Conn is a live connection to the relay. Events delivers relay messages in
// the order the relay sent them; the channel closes when the connection dies,
// which is how the coordinator learns the relay is gone.
type Conn interface {
	Events() <-chan protocol.ServerMessage
	Send(msg protocol.ClientMessage) error
	Close() error
}

// Dialer opens relay connections. Coordinators take the interface so tests can
// substitute an in-memory relay.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials a relay's signaling endpoint over websocket.
type WebSocketDialer struct {
	// URL is the signaling endpoint, e.g. "wss://relay.example.org/signal".
	URL string

	// Credential is appended as a query parameter when non-empty: apiKey= for
	// api_key relays, token= for jwt relays.
	Credential     string
	CredentialKind CredentialKind
}

type CredentialKind string

const (
	CredentialNone   CredentialKind = ""
	CredentialAPIKey CredentialKind = "apiKey"
	CredentialToken  CredentialKind = "token"
)

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if d.CredentialKind != CredentialNone && d.Credential != "" {
		q := u.Query()
		q.Set(string(d.CredentialKind), d.Credential)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := newConn(conn)
	go c.readPump()
	go c.writePump()
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn

	incoming chan protocol.ServerMessage
	outgoing chan protocol.ClientMessage
	done     chan struct{}

	closeOnce sync.Once
}

func newConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:     conn,
		incoming: make(chan protocol.ServerMessage, incomingSize),
		outgoing: make(chan protocol.ClientMessage, outgoingSize),
		done:     make(chan struct{}),
	}
}

func (c *wsConn) Events() <-chan protocol.ServerMessage {
	return c.incoming
}

// Send queues a message for the write pump. It fails rather than blocks when
// the connection is dead or the queue is full.
func (c *wsConn) Send(msg protocol.ClientMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return fmt.Errorf("send queue full: %w", ErrClosed)
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			// A relay speaking a different dialect is not recoverable.
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			payload, err := msg.Encode()
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
