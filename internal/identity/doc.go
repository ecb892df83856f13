// Package identity manages the installation's long-lived Ed25519
// keypair: generation on first run, signing and verification of
// handshake material, opaque-blob persistence, and short fingerprints
// for logging.
package identity
