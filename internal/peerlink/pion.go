package peerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/classmeet/classmeet/internal/media"
	"github.com/classmeet/classmeet/internal/protocol"
)

// PionFactory builds links backed by pion PeerConnections, all sharing one
// webrtc.API and the local capture tracks.
type PionFactory struct {
	api     *webrtc.API
	iceCfg  webrtc.Configuration
	capture media.Capture
	log     *slog.Logger
}

func NewPionFactory(iceServers []webrtc.ICEServer, capture media.Capture, logger *slog.Logger) *PionFactory {
	if logger == nil {
		logger = slog.Default()
	}
	se := webrtc.SettingEngine{}
	se.LoggerFactory = newPionLoggerFactory(logger)
	return &PionFactory{
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		iceCfg:  webrtc.Configuration{ICEServers: iceServers},
		capture: capture,
		log:     logger,
	}
}

func (f *PionFactory) NewLink(remoteID string, cb Callbacks) (Link, error) {
	pc, err := f.api.NewPeerConnection(f.iceCfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	l := &pionLink{
		remoteID: remoteID,
		pc:       pc,
		log:      f.log,
	}

	if f.capture != nil {
		if audio := f.capture.AudioTrack(); audio != nil {
			if _, err := pc.AddTrack(audio); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add audio track: %w", err)
			}
		}
		if video := f.capture.VideoTrack(); video != nil {
			sender, err := pc.AddTrack(video)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("add video track: %w", err)
			}
			l.videoSender = sender
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || cb.OnCandidate == nil {
			return
		}
		cb.OnCandidate(protocol.CandidateFromPion(cand.ToJSON()))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		f.log.Debug("peer connection state", "remote", remoteID, "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.once(&l.connectedOnce, cb.OnConnected)
		case webrtc.PeerConnectionStateFailed:
			l.fail(cb, fmt.Errorf("peer connection with %s failed", remoteID))
		case webrtc.PeerConnectionStateClosed:
			if !l.closedLocally() {
				l.fail(cb, fmt.Errorf("peer connection with %s closed remotely", remoteID))
			}
		}
	})

	return l, nil
}

type pionLink struct {
	remoteID string
	pc       *webrtc.PeerConnection
	log      *slog.Logger

	videoSender *webrtc.RTPSender

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	closed    bool

	connectedOnce sync.Once
	failedOnce    sync.Once
}

func (l *pionLink) Offer(ctx context.Context) (protocol.SDP, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return protocol.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	if ctx.Err() != nil {
		return protocol.SDP{}, ctx.Err()
	}
	return protocol.SDPFromPion(offer), nil
}

func (l *pionLink) HandleOffer(ctx context.Context, offer protocol.SDP) (protocol.SDP, error) {
	desc, err := offer.ToPion()
	if err != nil {
		return protocol.SDP{}, err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return protocol.SDP{}, fmt.Errorf("set remote offer: %w", err)
	}
	if err := l.flushPending(); err != nil {
		return protocol.SDP{}, err
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return protocol.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	if ctx.Err() != nil {
		return protocol.SDP{}, ctx.Err()
	}
	return protocol.SDPFromPion(answer), nil
}

func (l *pionLink) HandleAnswer(answer protocol.SDP) error {
	desc, err := answer.ToPion()
	if err != nil {
		return err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return l.flushPending()
}

func (l *pionLink) AddCandidate(candidate protocol.Candidate) error {
	init := candidate.ToPion()

	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	return l.pc.AddICECandidate(init)
}

// flushPending marks the remote description as set and applies everything that
// arrived early.
func (l *pionLink) flushPending() error {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, init := range pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("apply buffered candidate: %w", err)
		}
	}
	return nil
}

func (l *pionLink) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	if l.videoSender == nil {
		return errors.New("link has no video sender")
	}
	return l.videoSender.ReplaceTrack(track)
}

func (l *pionLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}

func (l *pionLink) closedLocally() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *pionLink) once(o *sync.Once, fn func()) {
	if fn == nil {
		return
	}
	o.Do(fn)
}

func (l *pionLink) fail(cb Callbacks, err error) {
	l.failedOnce.Do(func() {
		if cb.OnFailed != nil {
			cb.OnFailed(err)
		}
	})
}
