package httpserver

import "github.com/pion/webrtc/v4"

// withTURNRESTCredentials returns a copy of the ICE server list with minted
// TURN REST credentials applied to every TURN entry. STUN-only entries are
// passed through untouched.
func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if iceServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
			out[i].CredentialType = webrtc.ICECredentialTypePassword
		}
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, u := range server.URLs {
		if asciiHasPrefixFold(u, "turn:") || asciiHasPrefixFold(u, "turns:") {
			return true
		}
	}
	return false
}

// asciiHasPrefixFold reports whether s begins with prefix, comparing ASCII
// letters case-insensitively.
func asciiHasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
