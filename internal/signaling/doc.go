// Package signaling is the relay's websocket front door. Each connection is
// one room member: the first message must be a join, after which the
// connection carries negotiation forwards, chat, and state updates until it
// closes or the member is kicked.
package signaling
