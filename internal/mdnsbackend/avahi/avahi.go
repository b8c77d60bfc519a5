// Package avahi implements the Avahi-style mdnsbackend.Backend variant:
// one shared D-Bus connection to avahi-daemon, EntryGroups for publish
// (with the collision/established state machine that implies), and
// ServiceBrowser/ServiceResolver/HostNameResolver objects for
// subscribe.
//
// Unlike the native backend (one mdns.Server per operation), every
// operation here shares the same *dbus.Conn and the same signal
// dispatch loop, because that's what a real client of avahi-daemon
// does: one connection, many objects hanging off it.
package avahi

import (
	"net"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/internal/otlog"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
)

var log = otlog.Logger("mdnsbackend.avahi")

// Backend is the Avahi-style mdnsbackend.Backend implementation.
type Backend struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	started bool
	onState mdnsbackend.StateFunc

	sigCh  chan *dbus.Signal
	stopCh chan struct{}
	wg     sync.WaitGroup

	groups    map[dbus.ObjectPath]*entryGroup
	browsers  map[dbus.ObjectPath]*serviceBrowser
	resolvers map[dbus.ObjectPath]*serviceResolver
	hostRes   map[dbus.ObjectPath]*hostResolver
}

var _ mdnsbackend.Backend = (*Backend)(nil)

// New creates an unstarted Avahi backend.
func New() *Backend {
	return &Backend{
		groups:    map[dbus.ObjectPath]*entryGroup{},
		browsers:  map[dbus.ObjectPath]*serviceBrowser{},
		resolvers: map[dbus.ObjectPath]*serviceResolver{},
		hostRes:   map[dbus.ObjectPath]*hostResolver{},
	}
}

func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return dnserr.Wrap("avahi.Start", dnserr.InvalidState, dnserr.ErrAlreadyStarted)
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return dnserr.Wrap("avahi.Start", dnserr.Mdns, err)
	}

	b.conn = conn
	b.sigCh = make(chan *dbus.Signal, 64)
	b.stopCh = make(chan struct{})
	conn.Signal(b.sigCh)

	if err := conn.AddMatchSignal(dbus.WithMatchInterface(ifaceEntryGroup)); err != nil {
		return dnserr.Wrap("avahi.Start", dnserr.Mdns, err)
	}
	if err := conn.AddMatchSignal(dbus.WithMatchInterface(ifaceServiceBrowser)); err != nil {
		return dnserr.Wrap("avahi.Start", dnserr.Mdns, err)
	}
	if err := conn.AddMatchSignal(dbus.WithMatchInterface(ifaceServiceResolver)); err != nil {
		return dnserr.Wrap("avahi.Start", dnserr.Mdns, err)
	}
	if err := conn.AddMatchSignal(dbus.WithMatchInterface(ifaceHostNameResolver)); err != nil {
		return dnserr.Wrap("avahi.Start", dnserr.Mdns, err)
	}
	if err := conn.AddMatchSignal(dbus.WithMatchInterface(ifaceServer)); err != nil {
		return dnserr.Wrap("avahi.Start", dnserr.Mdns, err)
	}

	b.started = true
	b.wg.Add(1)
	go b.dispatchLoop()

	if b.onState != nil {
		b.onState(mdnsbackend.StateRunning)
	}
	return nil
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	conn := b.conn
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (b *Backend) IsStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Backend) OnStateChanged(fn mdnsbackend.StateFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = fn
}

func (b *Backend) serverObject() dbus.BusObject {
	return b.conn.Object(busName, dbus.ObjectPath(serverPath))
}

// dispatchLoop is the single place that reads b.sigCh and routes each
// signal to the object that owns its path, so every EntryGroup/Browser/
// Resolver can stay a dumb struct instead of running its own goroutine.
func (b *Backend) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case sig, ok := <-b.sigCh:
			if !ok {
				return
			}
			b.routeSignal(sig)
		}
	}
}

func (b *Backend) routeSignal(sig *dbus.Signal) {
	member := sig.Name
	idx := strings.LastIndex(member, ".")
	if idx >= 0 {
		member = member[idx+1:]
	}

	if sig.Path == dbus.ObjectPath(serverPath) && member == "StateChanged" {
		b.handleServerStateChanged(sig.Body)
		return
	}

	b.mu.Lock()
	group := b.groups[sig.Path]
	browser := b.browsers[sig.Path]
	resolver := b.resolvers[sig.Path]
	hres := b.hostRes[sig.Path]
	b.mu.Unlock()

	switch {
	case group != nil:
		group.handleSignal(member, sig.Body)
	case browser != nil:
		browser.handleSignal(member, sig.Body)
	case resolver != nil:
		resolver.handleSignal(member, sig.Body)
	case hres != nil:
		hres.handleSignal(member, sig.Body)
	default:
		log.Debug("signal for unknown object", "path", sig.Path, "member", member)
	}
}

// handleServerStateChanged translates the daemon's StateChanged signal
// (int32 new_state, string error) into an mdnsbackend.State and raises
// it through onState — called from the dispatch-loop goroutine, so
// every caller marshals this the same way it marshals PublishService's
// done callback.
func (b *Backend) handleServerStateChanged(body []interface{}) {
	if len(body) < 1 {
		return
	}
	raw, ok := body[0].(int32)
	if !ok {
		return
	}

	b.mu.Lock()
	onState := b.onState
	b.mu.Unlock()
	if onState == nil {
		return
	}

	switch raw {
	case serverRegistering:
		onState(mdnsbackend.StateRegistering)
	case serverRunning:
		onState(mdnsbackend.StateRunning)
	case serverCollision:
		onState(mdnsbackend.StateCollision)
	case serverFailure:
		onState(mdnsbackend.StateFailure)
	default:
		onState(mdnsbackend.StateConnecting)
	}
}

func addrToDBusString(ip net.IP) string {
	return ip.String()
}

func protoForAddr(ip net.IP) int32 {
	if ip.To4() != nil {
		return protoInet
	}
	return protoInet6
}

func wrapDBusErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return dnserr.Wrap(op, dnserr.Mdns, err)
}
