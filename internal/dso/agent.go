// Package dso implements the DSO Transport Agent: the non-blocking
// IPv6 TCP listener, outbound connector, length-prefixed message
// framing and per-connection receive reassembly that sits under the
// DNS engine's otPlatDso* contract (pkg/dsoapi).
//
// Every exported method is expected to run on the mainloop goroutine,
// same as the rest of this subsystem — the Agent keeps no internal
// locking because nothing here crosses a thread boundary.
package dso

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-dnssd/internal/mainloop"
	"github.com/openthread/otbr-dnssd/internal/otlog"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
	"github.com/openthread/otbr-dnssd/pkg/dsoapi"
)

var log = otlog.Logger("dso")

// DefaultPort is the well-known DSO/DNS-over-TCP port, §4.5.
const DefaultPort = 853

// Config selects the listening port and the interface the listener
// and every outbound connection is bound to.
type Config struct {
	Port      int
	Interface string

	// IdleTimeout, if nonzero, forcibly aborts any connection that has
	// exchanged no bytes for this long. §4.5 leaves idle-connection
	// hygiene to the platform; the DSO Keepalive TLV is the protocol
	// answer for connections that stay open on purpose, so this stays
	// off by default and is meant for deployments that never enable
	// Keepalive.
	IdleTimeout time.Duration
}

// DefaultConfig returns the standard DSO port with no interface
// restriction.
func DefaultConfig() Config {
	return Config{Port: DefaultPort}
}

// Agent implements dsoapi.Transport and mainloop.Participant.
type Agent struct {
	cfg    Config
	engine dsoapi.Engine

	listenFd int // -1 when not listening

	conns map[int]*connection
}

// New creates an Agent. engine receives every upward event; it must be
// non-nil.
func New(cfg Config, engine dsoapi.Engine) *Agent {
	return &Agent{
		cfg:      cfg,
		engine:   engine,
		listenFd: -1,
		conns:    make(map[int]*connection),
	}
}

// EnableListening implements dsoapi.Transport.
func (a *Agent) EnableListening(enabled bool) error {
	if enabled {
		if a.listenFd >= 0 {
			return nil
		}
		fd, err := createListener(a.cfg.Interface, a.cfg.Port)
		if err != nil {
			return err
		}
		a.listenFd = fd
		log.Info("listening", "port", a.cfg.Port, "interface", a.cfg.Interface)
		return nil
	}

	if a.listenFd >= 0 {
		unix.Close(a.listenFd)
		a.listenFd = -1
	}
	// Disabling the listener tears every connection down too, per
	// §4.5's shutdown contract. No HandleDisconnected fires: this is
	// caller-initiated, same as Disconnect.
	for id, c := range a.conns {
		closeGracefully(c.fd)
		delete(a.conns, id)
	}
	return nil
}

// Connect implements dsoapi.Transport.
func (a *Agent) Connect(connID int, peer dsoapi.SockAddr) error {
	if _, exists := a.conns[connID]; exists {
		return dnserr.New("dso.Connect", dnserr.InvalidState)
	}

	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return dnserr.Wrap("dso.Connect", dnserr.Failed, err)
	}
	if a.cfg.Interface != "" {
		if err := unix.BindToDevice(fd, a.cfg.Interface); err != nil {
			unix.Close(fd)
			return dnserr.Wrap("dso.Connect", dnserr.Failed, err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return dnserr.Wrap("dso.Connect", dnserr.Failed, err)
	}

	sa, err := dsoToSockaddr(peer)
	if err != nil {
		unix.Close(fd)
		return err
	}

	c := newConnection(fd, connID, peer)
	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		// Connected immediately (e.g. to loopback) — raise synchronously.
		c.connected = true
		a.conns[connID] = c
		a.engine.HandleConnected(connID)
		return nil
	case unix.EINPROGRESS:
		c.connecting = true
		a.conns[connID] = c
		return nil
	default:
		unix.Close(fd)
		return dnserr.Wrap("dso.Connect", dnserr.Failed, err)
	}
}

// Send implements dsoapi.Transport.
func (a *Agent) Send(connID int, msg []byte) error {
	c, ok := a.conns[connID]
	if !ok {
		return dnserr.New("dso.Send", dnserr.NotFound)
	}
	if len(msg) > maxMessageSize {
		return dnserr.New("dso.Send", dnserr.InvalidArgs)
	}
	if err := c.enqueue(frame(msg)); err != nil {
		a.teardown(connID, dsoapi.ForciblyAbort, true)
		return dnserr.Wrap("dso.Send", dnserr.Failed, err)
	}
	return nil
}

// Disconnect implements dsoapi.Transport. It never raises
// HandleDisconnected: that upcall is reserved for peer- or
// error-initiated teardowns.
func (a *Agent) Disconnect(connID int, mode dsoapi.DisconnectMode) error {
	c, ok := a.conns[connID]
	if !ok {
		return dnserr.New("dso.Disconnect", dnserr.NotFound)
	}
	delete(a.conns, connID)

	var err error
	if mode == dsoapi.ForciblyAbort {
		err = closeForcibly(c.fd)
	} else {
		err = closeGracefully(c.fd)
	}
	if err != nil {
		return dnserr.Wrap("dso.Disconnect", dnserr.Failed, err)
	}
	return nil
}

// teardown closes a connection's fd and, when raise is true, raises
// HandleDisconnected upward. Used for peer-initiated and error paths;
// Disconnect (caller-initiated) never goes through here.
func (a *Agent) teardown(connID int, mode dsoapi.DisconnectMode, raise bool) {
	c, ok := a.conns[connID]
	if !ok {
		return
	}
	delete(a.conns, connID)

	if mode == dsoapi.ForciblyAbort {
		closeForcibly(c.fd)
	} else {
		closeGracefully(c.fd)
	}
	if raise {
		a.engine.HandleDisconnected(connID, mode)
	}
}

// Update implements mainloop.Participant.
func (a *Agent) Update(ctx *mainloop.Context) {
	if a.listenFd >= 0 {
		ctx.AddFd(a.listenFd, true, false, true)
	}
	for _, c := range a.conns {
		ctx.AddFd(c.fd, true, c.wantsWrite(), true)
	}
	if a.cfg.IdleTimeout > 0 && len(a.conns) > 0 {
		ctx.SetTimeout(a.cfg.IdleTimeout)
	}
}

// Process implements mainloop.Participant.
func (a *Agent) Process(ctx *mainloop.Context) {
	if a.listenFd >= 0 && ctx.IsReadable(a.listenFd) {
		a.handleIncomingConnections()
	}

	// Snapshot ids: callbacks invoked below (HandleConnected,
	// HandleReceive, HandleDisconnected) may themselves call Connect,
	// Send or Disconnect and mutate a.conns.
	ids := make([]int, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}

	for _, id := range ids {
		c, ok := a.conns[id]
		if !ok {
			continue // torn down by an earlier callback this tick
		}

		if c.connecting && ctx.IsWritable(c.fd) {
			a.finishConnect(id, c)
			continue
		}
		if ctx.IsErrored(c.fd) {
			a.teardown(id, dsoapi.ForciblyAbort, true)
			continue
		}
		if c.wantsWrite() && ctx.IsWritable(c.fd) {
			if err := c.flush(); err != nil {
				a.teardown(id, dsoapi.ForciblyAbort, true)
				continue
			}
		}
		if ctx.IsReadable(c.fd) {
			a.handleReadable(id, c)
		}
	}

	if a.cfg.IdleTimeout > 0 {
		a.reapIdleConnections()
	}
}

// reapIdleConnections forcibly tears down every connection that has
// exchanged no bytes for longer than Config.IdleTimeout. Only called
// when IdleTimeout is nonzero.
func (a *Agent) reapIdleConnections() {
	now := time.Now()
	for id, c := range a.conns {
		if c.connecting {
			continue // still mid-handshake, not idle
		}
		if now.Sub(c.lastActivity) < a.cfg.IdleTimeout {
			continue
		}
		log.Info("closing idle dso connection", "conn_id", id, "idle_timeout", a.cfg.IdleTimeout)
		a.teardown(id, dsoapi.ForciblyAbort, true)
	}
}

func (a *Agent) finishConnect(connID int, c *connection) {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		delete(a.conns, connID)
		unix.Close(c.fd)
		a.engine.HandleDisconnected(connID, dsoapi.ForciblyAbort)
		return
	}
	c.connecting = false
	c.connected = true
	a.engine.HandleConnected(connID)
}

func (a *Agent) handleReadable(connID int, c *connection) {
	peerClosed, forciblyAborted, err := c.receive(func(msg []byte) {
		a.engine.HandleReceive(connID, msg)
	})
	if err != nil {
		a.teardown(connID, dsoapi.ForciblyAbort, true)
		return
	}
	if forciblyAborted {
		a.teardown(connID, dsoapi.ForciblyAbort, true)
		return
	}
	if peerClosed {
		a.teardown(connID, dsoapi.GracefullyClose, true)
	}
}

// handleIncomingConnections drains the listener of every pending
// connection, rejecting non-IPv6 peers and anything the engine itself
// declines via Accept.
func (a *Agent) handleIncomingConnections() {
	for {
		fd, peer, ok, err := acceptOne(a.listenFd)
		if err != nil {
			log.Error("accept failed", "error", err)
			return
		}
		if !ok {
			return
		}

		connID, accepted := a.engine.Accept(peer)
		if !accepted {
			unix.Close(fd)
			continue
		}
		c := newConnection(fd, connID, peer)
		c.connected = true
		a.conns[connID] = c
		a.engine.HandleConnected(connID)
	}
}
