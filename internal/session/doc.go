// Package session is the engine's orchestration layer. The Manager
// keeps one ManagedPeer per identity key, fans locally captured audio
// out to all of them, paces playback from per-peer jitter buffers, and
// surfaces everything the UI needs on a single event stream.
package session
