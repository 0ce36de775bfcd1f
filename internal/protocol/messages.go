// Package protocol defines the signaling wire contract between a session
// coordinator and the relay.
//
// Every message is a JSON object with a "type" tag. Parsing is strict: unknown
// fields, trailing data, and fields that do not belong to the tagged kind are
// all rejected, so a malformed or ambiguous message never reaches room logic.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"
)

// Role of a participant inside a room.
type Role string

const (
	RoleHost     Role = "host"
	RoleAttendee Role = "attendee"
)

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleHost:
		return RoleHost, nil
	case RoleAttendee:
		return RoleAttendee, nil
	default:
		return "", fmt.Errorf("unsupported role %q", raw)
	}
}

// ChatKind distinguishes plain messages from emoji reactions in the chat log.
type ChatKind string

const (
	ChatKindMessage  ChatKind = "message"
	ChatKindReaction ChatKind = "reaction"
)

// ParticipantInfo is the identity a coordinator presents when joining. The
// relay treats it as already authenticated; token verification happens on the
// websocket handshake, not here.
type ParticipantInfo struct {
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// Flags is a partial update of a member's advertised UI state. Nil fields are
// "unchanged" so a single toggle does not clobber the other flags.
type Flags struct {
	AudioMuted    *bool `json:"audioMuted,omitempty"`
	VideoMuted    *bool `json:"videoMuted,omitempty"`
	HandRaised    *bool `json:"handRaised,omitempty"`
	ScreenSharing *bool `json:"screenSharing,omitempty"`
}

// IsZero reports whether the update carries no flag at all.
func (f Flags) IsZero() bool {
	return f.AudioMuted == nil && f.VideoMuted == nil && f.HandRaised == nil && f.ScreenSharing == nil
}

// Bool is a convenience for building Flags literals.
func Bool(v bool) *bool { return &v }

// Member is a room member as advertised by the relay: identity plus the
// current advertised flags.
type Member struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	Role          Role   `json:"role"`
	AudioMuted    bool   `json:"audioMuted"`
	VideoMuted    bool   `json:"videoMuted"`
	HandRaised    bool   `json:"handRaised"`
	ScreenSharing bool   `json:"screenSharing"`
}

// ChatEntry is one element of a room's append-only chat log. Ordering is the
// relay's arrival order, not sender wall clock.
type ChatEntry struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"body"`
	Kind       ChatKind  `json:"kind"`
	SentAt     time.Time `json:"sentAt"`
}

// SDP mirrors webrtc.SessionDescription with a stable JSON shape.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors webrtc.ICECandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func parseStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
