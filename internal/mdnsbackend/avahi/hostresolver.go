package avahi

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
)

// hostResolver wraps org.freedesktop.Avahi.HostNameResolver: resolving
// one host name's address records. Avahi re-fires Found whenever the
// underlying record set changes, so unlike the native backend's
// re-query loop this one is push-driven and needs no ticker.
type hostResolver struct {
	backend  *Backend
	path     dbus.ObjectPath
	hostName string
	onHost   mdnsbackend.HostFunc

	mu    sync.Mutex
	addrs map[string]bool
}

func (*hostResolver) BackendSub() {}

// SubscribeHost implements mdnsbackend.Backend.
func (b *Backend) SubscribeHost(hostName string, onHost mdnsbackend.HostFunc) (mdnsbackend.HostSubscription, error) {
	if !b.IsStarted() {
		return nil, dnserr.Wrap("avahi.SubscribeHost", dnserr.InvalidState, dnserr.ErrNotStarted)
	}

	name := hostName
	if !strings.HasSuffix(name, ".") {
		name += "."
	}

	var path dbus.ObjectPath
	call := b.serverObject().Call(ifaceServer+".HostNameResolverNew", 0,
		ifUnspec, protoUnspec, name, protoInet6, publishFlagsNone,
	)
	if err := call.Store(&path); err != nil {
		return nil, wrapDBusErr("avahi.HostNameResolverNew", err)
	}

	r := &hostResolver{
		backend:  b,
		path:     path,
		hostName: hostName,
		onHost:   onHost,
		addrs:    map[string]bool{},
	}

	b.mu.Lock()
	b.hostRes[path] = r
	b.mu.Unlock()

	return r, nil
}

// UnsubscribeHost implements mdnsbackend.Backend.
func (b *Backend) UnsubscribeHost(sub mdnsbackend.HostSubscription) error {
	r, ok := sub.(*hostResolver)
	if !ok || r == nil {
		return dnserr.New("avahi.UnsubscribeHost", dnserr.InvalidArgs)
	}

	b.mu.Lock()
	delete(b.hostRes, r.path)
	b.mu.Unlock()

	obj := b.conn.Object(busName, r.path)
	return wrapDBusErr("avahi.HostNameResolver.Free", obj.Call(ifaceHostNameResolver+".Free", 0).Err)
}

func (r *hostResolver) handleSignal(member string, body []interface{}) {
	switch member {
	case "Found":
		r.onFound(body)
	case "Failure":
		log.Warn("host resolver failure", "host", r.hostName, "body", body)
	}
}

// Found(interface, protocol, name, aprotocol, address, flags)
func (r *hostResolver) onFound(body []interface{}) {
	if len(body) < 5 {
		return
	}
	addrStr, _ := body[4].(string)
	ip := net.ParseIP(addrStr)
	if ip == nil {
		return
	}

	r.mu.Lock()
	r.addrs[ip.String()] = true
	addrs := make([]net.IP, 0, len(r.addrs))
	for s := range r.addrs {
		addrs = append(addrs, net.ParseIP(s))
	}
	r.mu.Unlock()

	if r.onHost != nil {
		r.onHost(r.hostName, mdnsbackend.DiscoveredHostInfo{
			HostName:  r.hostName,
			Addresses: addrs,
			TTL:       120 * time.Second,
		})
	}
}

// parseDBusAddrs parses the single address string an Avahi
// ServiceResolver.Found signal reports into our one-address slice form.
func parseDBusAddrs(s string) []net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	return []net.IP{ip}
}
