package protocol

import (
	"encoding/json"
	"fmt"
)

// ServerType tags a relay-to-coordinator message.
type ServerType string

const (
	// ServerTypeWelcome is delivered only to the member that just joined. It
	// carries the relay-assigned id and a snapshot of everyone already in the
	// room; receiving it (rather than memberJoined) is what makes the newcomer
	// the answerer in every negotiation.
	ServerTypeWelcome      ServerType = "welcome"
	ServerTypeMemberJoined ServerType = "memberJoined"
	ServerTypeMemberLeft   ServerType = "memberLeft"
	ServerTypeOffer        ServerType = "offer"
	ServerTypeAnswer       ServerType = "answer"
	ServerTypeCandidate    ServerType = "iceCandidate"
	ServerTypeChat         ServerType = "chat"
	ServerTypeReaction     ServerType = "reaction"
	ServerTypeStateUpdate  ServerType = "stateUpdate"
	ServerTypeError        ServerType = "error"
)

// Error codes carried by ServerTypeError messages.
const (
	ErrorCodeNotHost       = "not_host"
	ErrorCodeKicked        = "kicked"
	ErrorCodeBadMessage    = "bad_message"
	ErrorCodeNoSuchPeer    = "no_such_peer"
	ErrorCodeNotInARoom    = "not_in_a_room"
	ErrorCodeAlreadyJoined = "already_joined"
)

// ServerMessage is the tagged union of everything the relay may deliver to a
// coordinator.
type ServerMessage struct {
	Type ServerType `json:"type"`

	// welcome
	Self    string   `json:"self,omitempty"`
	Room    string   `json:"room,omitempty"`
	Members []Member `json:"members,omitempty"`

	// memberJoined
	Member *Member `json:"member,omitempty"`

	// memberLeft / stateUpdate
	MemberID string `json:"memberId,omitempty"`

	// offer / answer / candidate
	From      string     `json:"from,omitempty"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// chat / reaction
	Entry *ChatEntry `json:"entry,omitempty"`

	// stateUpdate
	Flags *Flags `json:"flags,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := parseStrict(data, &msg); err != nil {
		return ServerMessage{}, err
	}
	if err := msg.Validate(); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

func (m ServerMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (m ServerMessage) Validate() error {
	switch m.Type {
	case ServerTypeWelcome:
		if m.Self == "" || m.Room == "" {
			return fmt.Errorf("welcome message missing self/room")
		}
		return m.requireOnly(sfieldSelf | sfieldRoom | sfieldMembers)
	case ServerTypeMemberJoined:
		if m.Member == nil || m.Member.ID == "" {
			return fmt.Errorf("memberJoined message missing member")
		}
		return m.requireOnly(sfieldMember)
	case ServerTypeMemberLeft:
		if m.MemberID == "" {
			return fmt.Errorf("memberLeft message missing memberId")
		}
		return m.requireOnly(sfieldMemberID)
	case ServerTypeOffer:
		if m.From == "" || m.SDP == nil {
			return fmt.Errorf("offer message missing from/sdp")
		}
		if m.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", m.SDP.Type)
		}
		return m.requireOnly(sfieldFrom | sfieldSDP)
	case ServerTypeAnswer:
		if m.From == "" || m.SDP == nil {
			return fmt.Errorf("answer message missing from/sdp")
		}
		if m.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", m.SDP.Type)
		}
		return m.requireOnly(sfieldFrom | sfieldSDP)
	case ServerTypeCandidate:
		if m.From == "" || m.Candidate == nil {
			return fmt.Errorf("candidate message missing from/candidate")
		}
		return m.requireOnly(sfieldFrom | sfieldCandidate)
	case ServerTypeChat:
		if m.Entry == nil || m.Entry.Kind != ChatKindMessage {
			return fmt.Errorf("chat message missing entry")
		}
		return m.requireOnly(sfieldEntry)
	case ServerTypeReaction:
		if m.Entry == nil || m.Entry.Kind != ChatKindReaction {
			return fmt.Errorf("reaction message missing entry")
		}
		return m.requireOnly(sfieldEntry)
	case ServerTypeStateUpdate:
		if m.MemberID == "" {
			return fmt.Errorf("stateUpdate message missing memberId")
		}
		if m.Flags == nil || m.Flags.IsZero() {
			return fmt.Errorf("stateUpdate message missing flags")
		}
		return m.requireOnly(sfieldMemberID | sfieldFlags)
	case ServerTypeError:
		if m.Code == "" || m.Message == "" {
			return fmt.Errorf("error message missing code/message")
		}
		return m.requireOnly(sfieldCode | sfieldMessage)
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
}

type sfieldSet uint16

const (
	sfieldSelf sfieldSet = 1 << iota
	sfieldRoom
	sfieldMembers
	sfieldMember
	sfieldMemberID
	sfieldFrom
	sfieldSDP
	sfieldCandidate
	sfieldEntry
	sfieldFlags
	sfieldCode
	sfieldMessage
)

func (m ServerMessage) fields() sfieldSet {
	var s sfieldSet
	if m.Self != "" {
		s |= sfieldSelf
	}
	if m.Room != "" {
		s |= sfieldRoom
	}
	if m.Members != nil {
		s |= sfieldMembers
	}
	if m.Member != nil {
		s |= sfieldMember
	}
	if m.MemberID != "" {
		s |= sfieldMemberID
	}
	if m.From != "" {
		s |= sfieldFrom
	}
	if m.SDP != nil {
		s |= sfieldSDP
	}
	if m.Candidate != nil {
		s |= sfieldCandidate
	}
	if m.Entry != nil {
		s |= sfieldEntry
	}
	if m.Flags != nil {
		s |= sfieldFlags
	}
	if m.Code != "" {
		s |= sfieldCode
	}
	if m.Message != "" {
		s |= sfieldMessage
	}
	return s
}

func (m ServerMessage) requireOnly(allowed sfieldSet) error {
	if m.fields()&^allowed != 0 {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}
	return nil
}
