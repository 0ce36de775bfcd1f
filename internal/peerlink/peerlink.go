// Package peerlink manages one WebRTC peer connection per remote room member.
// The coordinator decides who offers and who answers; this package only turns
// those decisions into SDP and keeps the media flowing.
package peerlink

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/classmeet/classmeet/internal/protocol"
)

// Callbacks are invoked from pion's goroutines; implementations must hand off
// to their own loop rather than block.
type Callbacks struct {
	// OnCandidate fires for each locally gathered ICE candidate, which the
	// coordinator relays to the remote member.
	OnCandidate func(protocol.Candidate)

	// OnConnected fires once when the connection first reaches connected.
	OnConnected func()

	// OnFailed fires at most once, when the connection fails or closes
	// without a local Close call.
	OnFailed func(error)
}

// Link is one negotiation with one remote member.
type Link interface {
	// Offer creates the local offer and starts candidate gathering. Used when
	// the local side is the existing member.
	Offer(ctx context.Context) (protocol.SDP, error)

	// HandleOffer applies a remote offer and returns the answer. Used when
	// the local side is the newcomer.
	HandleOffer(ctx context.Context, offer protocol.SDP) (protocol.SDP, error)

	// HandleAnswer applies the remote answer to a previously sent offer.
	HandleAnswer(answer protocol.SDP) error

	// AddCandidate applies a remote ICE candidate. Candidates arriving before
	// the remote description are buffered and applied once it lands.
	AddCandidate(candidate protocol.Candidate) error

	// ReplaceVideoTrack swaps the outgoing video track without renegotiation,
	// which is how screen share starts and stops.
	ReplaceVideoTrack(track webrtc.TrackLocal) error

	Close() error
}

// Factory creates links. The coordinator takes the interface so tests can
// substitute links that never touch the network.
type Factory interface {
	NewLink(remoteID string, cb Callbacks) (Link, error)
}
