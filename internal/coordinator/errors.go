package coordinator

import "errors"

var (
	// ErrMediaUnavailable reports that local capture could not be opened.
	ErrMediaUnavailable = errors.New("media unavailable")

	// ErrSignalingUnreachable reports that the relay could not be dialed or
	// rejected the join.
	ErrSignalingUnreachable = errors.New("signaling unreachable")

	// ErrNegotiationFailed reports a broken offer/answer exchange with a peer.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrRelayDisconnected reports that the relay connection dropped while in
	// a room. Established peer links keep running, but anything that needs the
	// relay fails with this error.
	ErrRelayDisconnected = errors.New("relay disconnected")

	// ErrNotJoined reports an operation that needs an active room membership.
	ErrNotJoined = errors.New("not in a room")

	// ErrAlreadyJoined reports a second Join on the same coordinator.
	ErrAlreadyJoined = errors.New("already joined")
)
