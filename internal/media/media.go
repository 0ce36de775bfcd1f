// Package media owns the local capture pipeline: the audio and video tracks a
// coordinator attaches to every peer link, plus the optional screen share
// track. Mute state is applied at the source, so a muted track simply stops
// producing packets instead of being renegotiated away.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrUnavailable reports that the capture devices could not be opened.
var ErrUnavailable = errors.New("media capture unavailable")

// ErrNotAcquired reports a track operation before Acquire succeeded.
var ErrNotAcquired = errors.New("media capture not acquired")

// Capture is the coordinator's view of local media. Implementations must
// tolerate Release being called more than once and after a failed Acquire.
type Capture interface {
	// Acquire opens the capture devices and starts producing on the audio and
	// video tracks. It fails with ErrUnavailable when no device can be opened.
	Acquire(ctx context.Context) error

	// Release stops all tracks, the screen share included.
	Release()

	// SetAudioEnabled and SetVideoEnabled pause or resume the corresponding
	// track at the source. Both are idempotent.
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)

	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal

	// StartScreen begins a screen capture and returns its track. onEnded fires
	// at most once, when the capture stops for any reason other than
	// StopScreen, so the coordinator can fall back to the camera track.
	StartScreen(onEnded func()) (webrtc.TrackLocal, error)

	// StopScreen ends the screen capture without firing onEnded.
	StopScreen()

	ScreenSharing() bool
}
