package srpl

import (
	"fmt"

	"github.com/openthread/otbr-dnssd/pkg/dsoapi"
)

// MessageFunc receives every raw DSO message read off a session this
// glue opened or accepted, keyed by the remote peer's published
// instance name when known (the sockaddr string otherwise, for
// inbound sessions not yet matched to a discovered instance). Parsing
// beyond the length-prefix framing is out of scope here — the DNS
// engine above owns that.
type MessageFunc func(peer string, msg []byte)

// AttachTransport wires a dsoapi.Transport so discovered, non-self
// peers get a DSO session opened automatically and removed peers get
// disconnected, per §2's "SG observes discoveries and may open a DSO
// session via DTA". Glue implements dsoapi.Engine so it can be handed
// straight to dso.New as the upward sink.
func (g *Glue) AttachTransport(transport dsoapi.Transport, onMessage MessageFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dso = transport
	g.onMessage = onMessage
	if g.connByPeer == nil {
		g.connByPeer = make(map[string]int)
		g.peerByConn = make(map[int]string)
	}
}

// Accept implements dsoapi.Engine: every inbound DSO connection is
// accepted, keyed by its peer address until (if ever) it's matched to
// a discovered instance name.
func (g *Glue) Accept(peer dsoapi.SockAddr) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextConnID
	g.nextConnID++
	key := sockAddrKey(peer)
	g.connByPeer[key] = id
	g.peerByConn[id] = key
	return id, true
}

// HandleConnected implements dsoapi.Engine.
func (g *Glue) HandleConnected(connID int) {
	log.Info("dso session connected", "connId", connID)
}

// HandleReceive implements dsoapi.Engine.
func (g *Glue) HandleReceive(connID int, msg []byte) {
	g.mu.Lock()
	peer := g.peerByConn[connID]
	onMessage := g.onMessage
	g.mu.Unlock()
	if onMessage != nil {
		onMessage(peer, msg)
	}
}

// HandleDisconnected implements dsoapi.Engine.
func (g *Glue) HandleDisconnected(connID int, mode dsoapi.DisconnectMode) {
	g.mu.Lock()
	peer := g.peerByConn[connID]
	delete(g.peerByConn, connID)
	delete(g.connByPeer, peer)
	g.mu.Unlock()
	log.Info("dso session disconnected", "connId", connID, "peer", peer, "mode", mode)
}

// openSessionFor dials peerName via the attached transport, unless a
// session is already open for it. No-op when AttachTransport hasn't
// been called.
func (g *Glue) openSessionFor(peerName string, addr dsoapi.SockAddr) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dso == nil {
		return
	}
	key := peerName
	if _, exists := g.connByPeer[key]; exists {
		return
	}
	id := g.nextConnID
	g.nextConnID++
	g.connByPeer[key] = id
	g.peerByConn[id] = key
	if err := g.dso.Connect(id, addr); err != nil {
		log.Error("srpl dso connect failed", "peer", peerName, "error", err)
		delete(g.connByPeer, key)
		delete(g.peerByConn, id)
	}
}

// closeSessionFor tears down any session open for peerName.
func (g *Glue) closeSessionFor(peerName string) {
	g.mu.Lock()
	if g.dso == nil {
		g.mu.Unlock()
		return
	}
	id, ok := g.connByPeer[peerName]
	if ok {
		delete(g.connByPeer, peerName)
		delete(g.peerByConn, id)
	}
	transport := g.dso
	g.mu.Unlock()
	if ok {
		if err := transport.Disconnect(id, dsoapi.GracefullyClose); err != nil {
			log.Error("srpl dso disconnect failed", "peer", peerName, "error", err)
		}
	}
}

func sockAddrKey(addr dsoapi.SockAddr) string {
	return fmt.Sprintf("%s:%d", addr.Address, addr.Port)
}
