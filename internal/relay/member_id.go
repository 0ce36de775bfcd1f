package relay

import (
	"crypto/rand"
	"encoding/hex"
)

// NewMemberID returns a relay-assigned member identifier, unique per
// connection for all practical purposes (16 bytes of crypto-random entropy).
func NewMemberID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
