package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientType tags a coordinator-to-relay message.
type ClientType string

const (
	ClientTypeJoin        ClientType = "join"
	ClientTypeLeave       ClientType = "leave"
	ClientTypeOffer       ClientType = "offer"
	ClientTypeAnswer      ClientType = "answer"
	ClientTypeCandidate   ClientType = "iceCandidate"
	ClientTypeChat        ClientType = "chat"
	ClientTypeReaction    ClientType = "reaction"
	ClientTypeStateUpdate ClientType = "stateUpdate"
	ClientTypeKick        ClientType = "kick"
	ClientTypeMuteRequest ClientType = "muteRequest"
)

// ClientMessage is the tagged union of everything a coordinator may send to
// the relay. Exactly the fields belonging to the tagged kind may be set.
type ClientMessage struct {
	Type ClientType `json:"type"`

	// join
	Room string           `json:"room,omitempty"`
	Info *ParticipantInfo `json:"info,omitempty"`

	// offer / answer / candidate
	To        string     `json:"to,omitempty"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// chat / reaction
	Body  string `json:"body,omitempty"`
	Emoji string `json:"emoji,omitempty"`

	// stateUpdate
	Flags *Flags `json:"flags,omitempty"`

	// kick / muteRequest
	MemberID string `json:"memberId,omitempty"`
}

func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := parseStrict(data, &msg); err != nil {
		return ClientMessage{}, err
	}
	if err := msg.Validate(); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

func (m ClientMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (m ClientMessage) Validate() error {
	switch m.Type {
	case ClientTypeJoin:
		if m.Room == "" {
			return fmt.Errorf("join message missing room")
		}
		if m.Info == nil {
			return fmt.Errorf("join message missing info")
		}
		if m.Info.DisplayName == "" {
			return fmt.Errorf("join message missing info.displayName")
		}
		if _, err := ParseRole(string(m.Info.Role)); err != nil {
			return fmt.Errorf("join message: %w", err)
		}
		return m.requireOnly(fieldRoom | fieldInfo)
	case ClientTypeLeave:
		return m.requireOnly(0)
	case ClientTypeOffer:
		if m.To == "" || m.SDP == nil {
			return fmt.Errorf("offer message missing to/sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
		return m.requireOnly(fieldTo | fieldSDP)
	case ClientTypeAnswer:
		if m.To == "" || m.SDP == nil {
			return fmt.Errorf("answer message missing to/sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
		return m.requireOnly(fieldTo | fieldSDP)
	case ClientTypeCandidate:
		if m.To == "" || m.Candidate == nil {
			return fmt.Errorf("candidate message missing to/candidate")
		}
		return m.requireOnly(fieldTo | fieldCandidate)
	case ClientTypeChat:
		if m.Body == "" {
			return fmt.Errorf("chat message missing body")
		}
		return m.requireOnly(fieldBody)
	case ClientTypeReaction:
		if m.Emoji == "" {
			return fmt.Errorf("reaction message missing emoji")
		}
		return m.requireOnly(fieldEmoji)
	case ClientTypeStateUpdate:
		if m.Flags == nil || m.Flags.IsZero() {
			return fmt.Errorf("stateUpdate message missing flags")
		}
		return m.requireOnly(fieldFlags)
	case ClientTypeKick:
		if m.MemberID == "" {
			return fmt.Errorf("kick message missing memberId")
		}
		return m.requireOnly(fieldMemberID)
	case ClientTypeMuteRequest:
		if m.MemberID == "" {
			return fmt.Errorf("muteRequest message missing memberId")
		}
		return m.requireOnly(fieldMemberID)
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
}

type fieldSet uint16

const (
	fieldRoom fieldSet = 1 << iota
	fieldInfo
	fieldTo
	fieldSDP
	fieldCandidate
	fieldBody
	fieldEmoji
	fieldFlags
	fieldMemberID
)

func (m ClientMessage) fields() fieldSet {
	var s fieldSet
	if m.Room != "" {
		s |= fieldRoom
	}
	if m.Info != nil {
		s |= fieldInfo
	}
	if m.To != "" {
		s |= fieldTo
	}
	if m.SDP != nil {
		s |= fieldSDP
	}
	if m.Candidate != nil {
		s |= fieldCandidate
	}
	if m.Body != "" {
		s |= fieldBody
	}
	if m.Emoji != "" {
		s |= fieldEmoji
	}
	if m.Flags != nil {
		s |= fieldFlags
	}
	if m.MemberID != "" {
		s |= fieldMemberID
	}
	return s
}

func (m ClientMessage) requireOnly(allowed fieldSet) error {
	if m.fields()&^allowed != 0 {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}
	return nil
}
