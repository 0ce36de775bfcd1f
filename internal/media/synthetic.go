package media

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 33 * time.Millisecond

	opusClockRate = 48000
	vp8ClockRate  = 90000
)

// SyntheticCapture produces silent opus and blank VP8 RTP streams. It stands
// in for real capture hardware in the headless client and in tests; the
// packet cadence and mute behavior match what a device-backed implementation
// would do.
type SyntheticCapture struct {
	mu       sync.Mutex
	acquired bool
	cancel   context.CancelFunc

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool

	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	screen       *webrtc.TrackLocalStaticRTP
	screenCancel context.CancelFunc
	screenActive atomic.Bool
}

func NewSyntheticCapture() *SyntheticCapture {
	c := &SyntheticCapture{}
	c.audioEnabled.Store(true)
	c.videoEnabled.Store(true)
	return c
}

func (c *SyntheticCapture) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return nil
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", "classmeet-mic",
	)
	if err != nil {
		return err
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: vp8ClockRate},
		"video", "classmeet-camera",
	)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if ctx.Err() != nil {
		cancel()
		return ctx.Err()
	}

	c.audio = audio
	c.video = video
	c.cancel = cancel
	c.acquired = true

	go generate(runCtx, audio, audioFrameInterval, opusClockRate, &c.audioEnabled, nil)
	go generate(runCtx, video, videoFrameInterval, vp8ClockRate, &c.videoEnabled, nil)
	return nil
}

func (c *SyntheticCapture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The screen generator's shutdown hook flips screenActive and fires
	// onEnded, exactly as if the user ended the share from the outside.
	if c.screenCancel != nil {
		c.screenCancel()
		c.screenCancel = nil
		c.screen = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.acquired = false
}

func (c *SyntheticCapture) SetAudioEnabled(enabled bool) { c.audioEnabled.Store(enabled) }
func (c *SyntheticCapture) SetVideoEnabled(enabled bool) { c.videoEnabled.Store(enabled) }

func (c *SyntheticCapture) AudioTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio == nil {
		return nil
	}
	return c.audio
}

func (c *SyntheticCapture) VideoTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		return nil
	}
	return c.video
}

func (c *SyntheticCapture) StartScreen(onEnded func()) (webrtc.TrackLocal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return nil, ErrNotAcquired
	}
	if c.screen != nil {
		return c.screen, nil
	}

	screen, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: vp8ClockRate},
		"screen", "classmeet-screen",
	)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.screen = screen
	c.screenCancel = cancel
	c.screenActive.Store(true)

	var enabled atomic.Bool
	enabled.Store(true)
	go generate(runCtx, screen, videoFrameInterval, vp8ClockRate, &enabled, func() {
		// Distinguish StopScreen from an unexpected stop: StopScreen clears
		// screenActive before cancelling.
		if c.screenActive.CompareAndSwap(true, false) && onEnded != nil {
			onEnded()
		}
	})
	return screen, nil
}

func (c *SyntheticCapture) StopScreen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screenCancel == nil {
		return
	}
	c.screenActive.Store(false)
	c.screenCancel()
	c.screenCancel = nil
	c.screen = nil
}

func (c *SyntheticCapture) ScreenSharing() bool {
	return c.screenActive.Load()
}

// generate writes one RTP packet per frame interval until ctx is cancelled.
// While enabled is false the clock keeps advancing but nothing is written,
// which is how a hardware mute behaves on the wire.
func generate(ctx context.Context, track *webrtc.TrackLocalStaticRTP, interval time.Duration, clockRate uint32, enabled *atomic.Bool, onDone func()) {
	if onDone != nil {
		defer onDone()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ssrc := rand.Uint32()
	seq := uint16(rand.Uint32())
	var timestamp uint32
	step := uint32(uint64(clockRate) * uint64(interval) / uint64(time.Second))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		timestamp += step
		if !enabled.Load() {
			continue
		}
		seq++
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: seq,
				Timestamp:      timestamp,
				SSRC:           ssrc,
			},
			Payload: []byte{0},
		}
		if err := track.WriteRTP(pkt); err != nil {
			return
		}
	}
}
