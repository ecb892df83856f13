// Package rendezvous implements the bridge client: peers announce
// their candidate addresses to a named room over HTTP and poll the
// room to discover each other. The bridge only brokers addressing;
// identity is proven later, during the transport handshake.
package rendezvous
