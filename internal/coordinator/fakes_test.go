package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/classmeet/classmeet/internal/peerlink"
	"github.com/classmeet/classmeet/internal/protocol"
	"github.com/classmeet/classmeet/internal/signalclient"
)

// fakeConn is an in-memory relay connection. Tests push events in and inspect
// what the coordinator sent.
type fakeConn struct {
	mu     sync.Mutex
	sent   []protocol.ClientMessage
	events chan protocol.ServerMessage
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan protocol.ServerMessage, 64)}
}

func (f *fakeConn) Events() <-chan protocol.ServerMessage { return f.events }

func (f *fakeConn) Send(msg protocol.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return signalclient.ErrClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeConn) push(msg protocol.ServerMessage) { f.events <- msg }

func (f *fakeConn) sentOfType(t protocol.ClientType) []protocol.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.ClientMessage
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (f *fakeDialer) Dial(ctx context.Context) (signalclient.Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

// fakeLink records negotiation calls.
type fakeLink struct {
	remoteID string

	mu            sync.Mutex
	offered       bool
	handledOffer  bool
	handledAnswer bool
	candidates    []protocol.Candidate
	videoTrack    webrtc.TrackLocal
	closed        bool
}

func (l *fakeLink) Offer(ctx context.Context) (protocol.SDP, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offered = true
	return protocol.SDP{Type: "offer", SDP: "v=0 from " + l.remoteID}, nil
}

func (l *fakeLink) HandleOffer(ctx context.Context, offer protocol.SDP) (protocol.SDP, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handledOffer = true
	return protocol.SDP{Type: "answer", SDP: "v=0 answer"}, nil
}

func (l *fakeLink) HandleAnswer(answer protocol.SDP) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handledAnswer = true
	return nil
}

func (l *fakeLink) AddCandidate(candidate protocol.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, candidate)
	return nil
}

func (l *fakeLink) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.videoTrack = track
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeFactory struct {
	mu    sync.Mutex
	links map[string]*fakeLink
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{links: make(map[string]*fakeLink)}
}

func (f *fakeFactory) NewLink(remoteID string, cb peerlink.Callbacks) (peerlink.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := &fakeLink{remoteID: remoteID}
	f.links[remoteID] = link
	return link, nil
}

func (f *fakeFactory) link(remoteID string) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[remoteID]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.links {
		if !l.closed {
			n++
		}
	}
	return n
}

// fakeCapture records device state changes.
type fakeCapture struct {
	mu          sync.Mutex
	acquired    bool
	released    bool
	acquireErr  error
	audioStates []bool
	videoStates []bool

	// blockAcquire, when set, makes Acquire wait until the channel closes.
	blockAcquire chan struct{}

	camera webrtc.TrackLocal
	screen webrtc.TrackLocal

	screenOnEnded func()
	sharing       bool
}

func newFakeCapture(t *testing.T) *fakeCapture {
	t.Helper()
	camera, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", "camera")
	if err != nil {
		t.Fatalf("new camera track: %v", err)
	}
	screen, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "screen", "screen")
	if err != nil {
		t.Fatalf("new screen track: %v", err)
	}
	return &fakeCapture{camera: camera, screen: screen}
}

func (f *fakeCapture) Acquire(ctx context.Context) error {
	f.mu.Lock()
	gate := f.blockAcquire
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired = true
	return nil
}

func (f *fakeCapture) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
	f.sharing = false
}

func (f *fakeCapture) SetAudioEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioStates = append(f.audioStates, enabled)
}

func (f *fakeCapture) SetVideoEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoStates = append(f.videoStates, enabled)
}

func (f *fakeCapture) AudioTrack() webrtc.TrackLocal { return nil }
func (f *fakeCapture) VideoTrack() webrtc.TrackLocal { return f.camera }

func (f *fakeCapture) StartScreen(onEnded func()) (webrtc.TrackLocal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sharing = true
	f.screenOnEnded = onEnded
	return f.screen, nil
}

func (f *fakeCapture) StopScreen() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sharing = false
	f.screenOnEnded = nil
}

func (f *fakeCapture) ScreenSharing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sharing
}

func (f *fakeCapture) endScreenExternally() {
	f.mu.Lock()
	onEnded := f.screenOnEnded
	f.sharing = false
	f.screenOnEnded = nil
	f.mu.Unlock()
	if onEnded != nil {
		onEnded()
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errDialRefused = errors.New("connection refused")
