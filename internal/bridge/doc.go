// Package bridge implements the rendezvous server: an HTTP service
// keeping short-lived room rosters of peer candidate addresses. It is
// pure signaling; no voice or text ever passes through it.
package bridge
