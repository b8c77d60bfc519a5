package avahi

import (
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
)

// entryGroup wraps one org.freedesktop.Avahi.EntryGroup object: the
// publish half of the backend. A service and a host publish each get
// their own group, matching §5's "shared resources" note that an
// EntryGroup collision only ever affects the records inside it, so
// mixing unrelated registrations in one group is avoided deliberately
// (the upstream Avahi docs make the same recommendation).
type entryGroup struct {
	backend *Backend
	path    dbus.ObjectPath
	obj     dbus.BusObject

	mu   sync.Mutex
	done mdnsbackend.ResultFunc
	fired bool
}

func (*entryGroup) BackendHandle() {}

func (b *Backend) newEntryGroup() (*entryGroup, error) {
	var path dbus.ObjectPath
	if err := b.serverObject().Call(ifaceServer+".EntryGroupNew", 0).Store(&path); err != nil {
		return nil, wrapDBusErr("avahi.EntryGroupNew", err)
	}

	g := &entryGroup{
		backend: b,
		path:    path,
		obj:     b.conn.Object(busName, path),
	}

	b.mu.Lock()
	b.groups[path] = g
	b.mu.Unlock()

	return g, nil
}

// free releases the EntryGroup. Idempotent: a group that already freed
// itself (handleSignal does this on Collision/Failure) is simply no
// longer in b.groups, so a caller-initiated UnpublishService/
// UnpublishHost on the same handle is a safe no-op rather than a
// double Free call to the daemon.
func (g *entryGroup) free() error {
	g.backend.mu.Lock()
	_, present := g.backend.groups[g.path]
	delete(g.backend.groups, g.path)
	g.backend.mu.Unlock()

	if !present {
		return nil
	}
	return wrapDBusErr("avahi.EntryGroup.Free", g.obj.Call(ifaceEntryGroup+".Free", 0).Err)
}

func (g *entryGroup) commit(done mdnsbackend.ResultFunc) error {
	g.mu.Lock()
	g.done = done
	g.fired = false
	g.mu.Unlock()

	return wrapDBusErr("avahi.EntryGroup.Commit", g.obj.Call(ifaceEntryGroup+".Commit", 0).Err)
}

// handleSignal reacts to this group's StateChanged(state, error) signal.
func (g *entryGroup) handleSignal(member string, body []interface{}) {
	if member != "StateChanged" || len(body) < 1 {
		return
	}
	state, ok := body[0].(int32)
	if !ok {
		return
	}

	g.mu.Lock()
	done := g.done
	already := g.fired
	if state == entryGroupEstablished || state == entryGroupCollision || state == entryGroupFailure {
		g.fired = true
	}
	g.mu.Unlock()

	if already || done == nil {
		return
	}

	switch state {
	case entryGroupEstablished:
		done(nil)
	case entryGroupCollision:
		done(dnserr.New("avahi.EntryGroup", dnserr.Duplicated))
		_ = g.free()
	case entryGroupFailure:
		done(dnserr.New("avahi.EntryGroup", dnserr.Failed))
		_ = g.free()
	}
}

// PublishService implements mdnsbackend.Backend.
func (b *Backend) PublishService(params mdnsbackend.ServiceParams, done mdnsbackend.ResultFunc) (mdnsbackend.ServiceHandle, error) {
	if !b.IsStarted() {
		return nil, dnserr.Wrap("avahi.PublishService", dnserr.InvalidState, dnserr.ErrNotStarted)
	}

	g, err := b.newEntryGroup()
	if err != nil {
		return nil, err
	}

	host := params.Host
	if host != "" && !strings.HasSuffix(host, ".") {
		host += "."
	}

	txt := txtEntriesToDBus(params.Txt)

	call := g.obj.Call(ifaceEntryGroup+".AddService", 0,
		ifUnspec, protoUnspec, publishFlagsNone,
		params.Name, params.Type, "", host, uint16(params.Port), txt,
	)
	if call.Err != nil {
		_ = g.free()
		return nil, wrapDBusErr("avahi.EntryGroup.AddService", call.Err)
	}

	for _, sub := range params.SubTypes {
		subCall := g.obj.Call(ifaceEntryGroup+".AddServiceSubtype", 0,
			ifUnspec, protoUnspec, publishFlagsNone,
			params.Name, params.Type, "", sub,
		)
		if subCall.Err != nil {
			_ = g.free()
			return nil, wrapDBusErr("avahi.EntryGroup.AddServiceSubtype", subCall.Err)
		}
	}

	if err := g.commit(done); err != nil {
		_ = g.free()
		return nil, err
	}

	return g, nil
}

// PublishHost implements mdnsbackend.Backend.
func (b *Backend) PublishHost(params mdnsbackend.HostParams, done mdnsbackend.ResultFunc) (mdnsbackend.HostHandle, error) {
	if !b.IsStarted() {
		return nil, dnserr.Wrap("avahi.PublishHost", dnserr.InvalidState, dnserr.ErrNotStarted)
	}
	if len(params.Address) == 0 {
		return nil, dnserr.New("avahi.PublishHost", dnserr.InvalidArgs)
	}

	g, err := b.newEntryGroup()
	if err != nil {
		return nil, err
	}

	name := params.Name
	if !strings.HasSuffix(name, ".") {
		name += "."
	}

	call := g.obj.Call(ifaceEntryGroup+".AddAddress", 0,
		ifUnspec, protoForAddr(params.Address), publishFlagsNone,
		name, addrToDBusString(params.Address),
	)
	if call.Err != nil {
		_ = g.free()
		return nil, wrapDBusErr("avahi.EntryGroup.AddAddress", call.Err)
	}

	if err := g.commit(done); err != nil {
		_ = g.free()
		return nil, err
	}

	return g, nil
}

// UnpublishService implements mdnsbackend.Backend.
func (b *Backend) UnpublishService(h mdnsbackend.ServiceHandle) error {
	g, ok := h.(*entryGroup)
	if !ok || g == nil {
		return dnserr.New("avahi.UnpublishService", dnserr.InvalidArgs)
	}
	return g.free()
}

// UnpublishHost implements mdnsbackend.Backend.
func (b *Backend) UnpublishHost(h mdnsbackend.HostHandle) error {
	g, ok := h.(*entryGroup)
	if !ok || g == nil {
		return dnserr.New("avahi.UnpublishHost", dnserr.InvalidArgs)
	}
	return g.free()
}

// txtEntriesToDBus turns our TxtEntry list into Avahi's [][]byte TXT
// record shape: each element is one raw "name=value" entry, unlike the
// native backend's "name=value" strings (AddService takes already-split
// byte slices, not a single blob).
func txtEntriesToDBus(entries []mdnsbackend.TxtEntry) [][]byte {
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		raw := append([]byte(e.Name+"="), e.Value...)
		out = append(out, raw)
	}
	return out
}
