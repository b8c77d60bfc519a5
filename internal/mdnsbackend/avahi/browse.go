package avahi

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
)

// serviceBrowser wraps org.freedesktop.Avahi.ServiceBrowser: ItemNew
// spawns a resolver per discovered instance, ItemRemove tears that
// resolver down and emits a Removed event.
type serviceBrowser struct {
	backend *Backend
	path    dbus.ObjectPath
	onInstance mdnsbackend.InstanceFunc
	wantInstance string
	serviceType  string

	mu        sync.Mutex
	resolvers map[string]*serviceResolver // keyed by "iface/proto/name"
}

func (*serviceBrowser) BackendSub() {}

// SubscribeService implements mdnsbackend.Backend.
func (b *Backend) SubscribeService(serviceType, instance string, onInstance mdnsbackend.InstanceFunc) (mdnsbackend.ServiceSubscription, error) {
	if !b.IsStarted() {
		return nil, dnserr.Wrap("avahi.SubscribeService", dnserr.InvalidState, dnserr.ErrNotStarted)
	}

	var path dbus.ObjectPath
	call := b.serverObject().Call(ifaceServer+".ServiceBrowserNew", 0,
		ifUnspec, protoUnspec, serviceType, "", publishFlagsNone,
	)
	if err := call.Store(&path); err != nil {
		return nil, wrapDBusErr("avahi.ServiceBrowserNew", err)
	}

	br := &serviceBrowser{
		backend:      b,
		path:         path,
		onInstance:   onInstance,
		wantInstance: instance,
		serviceType:  serviceType,
		resolvers:    map[string]*serviceResolver{},
	}

	b.mu.Lock()
	b.browsers[path] = br
	b.mu.Unlock()

	return br, nil
}

// UnsubscribeService implements mdnsbackend.Backend.
func (b *Backend) UnsubscribeService(sub mdnsbackend.ServiceSubscription) error {
	br, ok := sub.(*serviceBrowser)
	if !ok || br == nil {
		return dnserr.New("avahi.UnsubscribeService", dnserr.InvalidArgs)
	}

	br.mu.Lock()
	resolvers := make([]*serviceResolver, 0, len(br.resolvers))
	for _, r := range br.resolvers {
		resolvers = append(resolvers, r)
	}
	br.mu.Unlock()
	for _, r := range resolvers {
		r.free()
	}

	b.mu.Lock()
	delete(b.browsers, br.path)
	b.mu.Unlock()

	obj := b.conn.Object(busName, br.path)
	return wrapDBusErr("avahi.ServiceBrowser.Free", obj.Call(ifaceServiceBrowser+".Free", 0).Err)
}

// handleSignal reacts to ItemNew/ItemRemove/Failure.
func (br *serviceBrowser) handleSignal(member string, body []interface{}) {
	switch member {
	case "ItemNew":
		br.onItemNew(body)
	case "ItemRemove":
		br.onItemRemove(body)
	case "Failure":
		log.Warn("service browser failure", "type", br.serviceType, "body", body)
	}
}

func (br *serviceBrowser) onItemNew(body []interface{}) {
	if len(body) < 5 {
		return
	}
	iface, _ := body[0].(int32)
	proto, _ := body[1].(int32)
	name, _ := body[2].(string)
	svcType, _ := body[3].(string)
	domain, _ := body[4].(string)

	if br.wantInstance != "" && name != br.wantInstance {
		return
	}

	key := resolverKey(iface, proto, name)
	br.mu.Lock()
	if _, exists := br.resolvers[key]; exists {
		br.mu.Unlock()
		return
	}
	br.mu.Unlock()

	r, err := br.backend.newServiceResolver(iface, proto, name, svcType, domain, br.onInstance)
	if err != nil {
		log.Warn("resolver spawn failed", "name", name, "error", err)
		return
	}

	br.mu.Lock()
	br.resolvers[key] = r
	br.mu.Unlock()
}

func (br *serviceBrowser) onItemRemove(body []interface{}) {
	if len(body) < 5 {
		return
	}
	iface, _ := body[0].(int32)
	proto, _ := body[1].(int32)
	name, _ := body[2].(string)

	key := resolverKey(iface, proto, name)
	br.mu.Lock()
	r, exists := br.resolvers[key]
	if exists {
		delete(br.resolvers, key)
	}
	br.mu.Unlock()

	if exists {
		r.free()
	}

	if br.onInstance != nil {
		// NetifIndex must match what onFound reported for this same
		// instance, or srpl's interface filter (handleDiscovered) drops the
		// removal before it ever reaches onPeer/lastSeen.
		br.onInstance(br.serviceType, mdnsbackend.DiscoveredInstanceInfo{Name: name, NetifIndex: int(iface), Removed: true})
	}
}

func resolverKey(iface, proto int32, name string) string {
	return strconv.Itoa(int(iface)) + "/" + strconv.Itoa(int(proto)) + "/" + name
}

// serviceResolver wraps org.freedesktop.Avahi.ServiceResolver: resolves
// one discovered instance into host/port/address/TXT.
type serviceResolver struct {
	backend    *Backend
	path       dbus.ObjectPath
	onInstance mdnsbackend.InstanceFunc
	serviceType string
}

func (b *Backend) newServiceResolver(iface, proto int32, name, svcType, domain string, onInstance mdnsbackend.InstanceFunc) (*serviceResolver, error) {
	var path dbus.ObjectPath
	call := b.serverObject().Call(ifaceServer+".ServiceResolverNew", 0,
		iface, proto, name, svcType, domain, protoUnspec, publishFlagsNone,
	)
	if err := call.Store(&path); err != nil {
		return nil, wrapDBusErr("avahi.ServiceResolverNew", err)
	}

	r := &serviceResolver{backend: b, path: path, onInstance: onInstance, serviceType: svcType}
	b.mu.Lock()
	b.resolvers[path] = r
	b.mu.Unlock()
	return r, nil
}

func (r *serviceResolver) free() {
	r.backend.mu.Lock()
	delete(r.backend.resolvers, r.path)
	r.backend.mu.Unlock()

	obj := r.backend.conn.Object(busName, r.path)
	_ = obj.Call(ifaceServiceResolver+".Free", 0)
}

// handleSignal reacts to this resolver's Found(...)/Failure(...) signal.
func (r *serviceResolver) handleSignal(member string, body []interface{}) {
	switch member {
	case "Found":
		r.onFound(body)
	case "Failure":
		log.Warn("service resolver failure", "body", body)
	}
}

// Found(interface, protocol, name, type, domain, host, aprotocol,
// address, port, txt, flags)
func (r *serviceResolver) onFound(body []interface{}) {
	if len(body) < 11 {
		return
	}
	iface, _ := body[0].(int32)
	name, _ := body[2].(string)
	host, _ := body[5].(string)
	addrStr, _ := body[7].(string)
	port, _ := body[8].(uint16)
	txtRaw, _ := body[9].([][]byte)
	flags, _ := body[10].(uint32)

	addrs := parseDBusAddrs(addrStr)

	info := mdnsbackend.DiscoveredInstanceInfo{
		Name:       name,
		HostName:   ensureDot(host),
		Port:       port,
		Addresses:  addrs,
		TxtData:    txtToWire(txtRaw),
		TTL:        120 * time.Second,
		NetifIndex: int(iface),
	}
	if flags&lookupResultLocal != 0 {
		info.NetifIndex = -1 // local-origin marker consumed by srpl self-suppression
	}
	if r.onInstance != nil {
		r.onInstance(r.serviceType, info)
	}
}

func ensureDot(name string) string {
	if name == "" || strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

// txtToWire re-packs Avahi's [][]byte TXT entries into our
// length-prefixed wire blob (mdnsbackend.DiscoveredInstanceInfo.TxtData).
func txtToWire(entries [][]byte) []byte {
	var buf []byte
	for _, e := range entries {
		if len(e) > 255 {
			e = e[:255]
		}
		buf = append(buf, byte(len(e)))
		buf = append(buf, e...)
	}
	return buf
}
