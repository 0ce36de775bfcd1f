package relay

import "errors"

var (
	ErrRoomFull      = errors.New("room is full")
	ErrAlreadyJoined = errors.New("member already joined")
	ErrNotInRoom     = errors.New("member is not in the room")
	ErrNoSuchPeer    = errors.New("no such peer in the room")
	ErrNotHost       = errors.New("member is not the room host")
)
