// Package dsoapi defines the upward/downward interfaces the DSO
// transport agent and the DNS engine it serves use to talk to each
// other — the Go shape of the otPlatDso*/otPlatDsoHandle* platform
// contract.
package dsoapi

import "net"

// DisconnectMode selects how Disconnect tears a connection down.
type DisconnectMode int

const (
	// GracefullyClose performs a normal TCP close (FIN).
	GracefullyClose DisconnectMode = iota
	// ForciblyAbort sets SO_LINGER{1,0} before close, emitting a TCP RST.
	ForciblyAbort
)

func (m DisconnectMode) String() string {
	if m == ForciblyAbort {
		return "forcibly-abort"
	}
	return "gracefully-close"
}

// SockAddr is the otSockAddr equivalent: an IPv6 address and a port.
// Port is 0 when unknown (e.g. right after accept, per §4.5).
type SockAddr struct {
	Address net.IP
	Port    uint16
}

// Engine is implemented by the DNS engine consuming DSO transport
// events (the otPlatDsoHandle*/otPlatDsoAccept upcalls).
type Engine interface {
	// Accept is called for every freshly accepted connection. Returning
	// ok == false tells the transport to reject (close) it immediately.
	Accept(peer SockAddr) (connID int, ok bool)
	// HandleConnected is raised once a connection (inbound or outbound)
	// is usable.
	HandleConnected(connID int)
	// HandleReceive is raised once per fully reassembled DSO message.
	// msg is owned by the caller upon return; the transport does not
	// retain it.
	HandleReceive(connID int, msg []byte)
	// HandleDisconnected is raised when the peer closes or errors the
	// connection. Never raised for a disconnect the engine itself
	// initiated via Transport.Disconnect.
	HandleDisconnected(connID int, mode DisconnectMode)
}

// Transport is the downward API the engine drives (the
// otPlatDso*/platformDsoProcess contract).
type Transport interface {
	// EnableListening brings the IPv6 TCP listener up or down.
	EnableListening(enabled bool) error
	// Connect starts a non-blocking outbound connection to peer,
	// registered under connID (an id the engine has already chosen).
	Connect(connID int, peer SockAddr) error
	// Send frames and transmits msg on connID. The caller must treat
	// msg as consumed regardless of the returned error.
	Send(connID int, msg []byte) error
	// Disconnect tears connID down per mode. Does not raise
	// HandleDisconnected for this call.
	Disconnect(connID int, mode DisconnectMode) error
}
