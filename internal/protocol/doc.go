// Package protocol implements the datagram wire format: the envelope
// header carried by every packet, the plaintext probe and handshake
// payloads used before a session key exists, and the typed payloads
// (heartbeat, audio frame, text message, text ack) carried inside the
// encrypted channel.
package protocol
