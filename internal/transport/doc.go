// Package transport implements the encrypted peer-to-peer UDP channel:
// a shared socket endpoint, hole-punched path discovery, a signed
// ephemeral key exchange, and per-session AEAD sealing with replay
// protection. Sessions move through Discovering, Punching,
// Handshaking, Connected, Degraded and Closed; only Connected and
// Degraded carry application payloads, and those are always encrypted.
package transport
