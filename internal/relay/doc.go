// Package relay implements the authoritative per-room membership registry and
// event fan-out. Every broadcast for a room happens under that room's lock,
// which makes the relay the single ordering authority: all members observe
// join/leave/chat/state events in identical order.
package relay
