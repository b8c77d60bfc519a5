// Package native implements the Bonjour-style mdnsbackend.Backend
// variant: every PublishService/PublishHost call creates its own
// mdns.Server (its own socket); every SubscribeService call creates its
// own periodic mdns.Query loop and every SubscribeHost call its own
// periodic direct AAAA query loop. There is no shared
// client state to collide or transition between Connecting/Running/
// Collision the way the Avahi-style backend has — each operation
// either succeeds on its own or fails on its own.
package native

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/internal/otlog"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
)

var log = otlog.Logger("mdnsbackend.native")

// Config configures the native backend.
type Config struct {
	Domain        string        // default "local."
	Interface     *net.Interface // nil = all interfaces
	QueryInterval time.Duration // re-query cadence for browse/resolve subscriptions
	QueryTimeout  time.Duration // per-query wait window
}

// DefaultConfig returns the backend's defaults.
func DefaultConfig() Config {
	return Config{
		Domain:        "local.",
		QueryInterval: 5 * time.Second,
		QueryTimeout:  3 * time.Second,
	}
}

type serviceHandle struct {
	server *mdns.Server
}

func (*serviceHandle) BackendHandle() {}

type hostHandle struct {
	server *mdns.Server
}

func (*hostHandle) BackendHandle() {}

type serviceSub struct {
	cancel context.CancelFunc
}

func (*serviceSub) BackendSub() {}

type hostSub struct {
	cancel context.CancelFunc
}

func (*hostSub) BackendSub() {}

// Backend is the native mdnsbackend.Backend implementation.
type Backend struct {
	cfg Config

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup

	onState mdnsbackend.StateFunc
}

var _ mdnsbackend.Backend = (*Backend)(nil)

// New creates a native backend. It does not start any socket until
// Start (and, per operation, the corresponding Publish/Subscribe call).
func New(cfg Config) *Backend {
	if cfg.Domain == "" {
		cfg.Domain = "local."
	}
	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = 5 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 3 * time.Second
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return dnserr.Wrap("native.Start", dnserr.InvalidState, dnserr.ErrAlreadyStarted)
	}
	b.started = true
	if b.onState != nil {
		b.onState(mdnsbackend.StateRunning)
	}
	return nil
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()
	b.wg.Wait()
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

// PublishService creates a dedicated mdns.Server advertising params and
// reports success synchronously (the native daemon has no asynchronous
// commit phase the way an Avahi EntryGroup does).
func (b *Backend) PublishService(params mdnsbackend.ServiceParams, done mdnsbackend.ResultFunc) (mdnsbackend.ServiceHandle, error) {
	if !b.IsStarted() {
		err := dnserr.Wrap("native.PublishService", dnserr.InvalidState, dnserr.ErrNotStarted)
		return nil, err
	}

	var ips []net.IP
	hostName := ""
	if params.Host == "" {
		// This host: auto-detect advertisable LAN addresses and publish
		// them alongside the service (one mDNS responder doing both the
		// address and the service record, which is the common case).
		ips = localAdvertisableIPs(b.cfg.Interface)
		if len(ips) == 0 {
			err := dnserr.New("native.PublishService", dnserr.InvalidArgs)
			return nil, err
		}
	} else {
		hostName = strings.TrimSuffix(params.Host, ".") + "." + strings.TrimSuffix(b.cfg.Domain, ".") + "."
	}

	txt := encodeHashicorpTXT(params.Txt)

	service, err := mdns.NewMDNSService(
		params.Name,
		serviceTypeWithSubtypes(params.Type, params.SubTypes),
		b.cfg.Domain,
		hostName,
		int(params.Port),
		ips,
		txt,
	)
	if err != nil {
		return nil, dnserr.Wrap("native.PublishService", dnserr.Mdns, err)
	}

	serverCfg := &mdns.Config{Zone: service}
	if b.cfg.Interface != nil {
		serverCfg.Iface = b.cfg.Interface
	}

	server, err := mdns.NewServer(serverCfg)
	if err != nil {
		return nil, dnserr.Wrap("native.PublishService", dnserr.Mdns, err)
	}

	h := &serviceHandle{server: server}
	if done != nil {
		done(nil)
	}
	return h, nil
}

// PublishHost creates a dedicated mdns.Server advertising a single AAAA
// record for params.Name under an addressZone.
func (b *Backend) PublishHost(params mdnsbackend.HostParams, done mdnsbackend.ResultFunc) (mdnsbackend.HostHandle, error) {
	if !b.IsStarted() {
		return nil, dnserr.Wrap("native.PublishHost", dnserr.InvalidState, dnserr.ErrNotStarted)
	}
	if len(params.Address) != net.IPv6len {
		return nil, dnserr.New("native.PublishHost", dnserr.InvalidArgs)
	}

	fqdn := strings.TrimSuffix(params.Name, ".") + "." + strings.TrimSuffix(b.cfg.Domain, ".") + "."
	zone := &addressZone{fqdn: fqdn, addr: params.Address}

	serverCfg := &mdns.Config{Zone: zone}
	if b.cfg.Interface != nil {
		serverCfg.Iface = b.cfg.Interface
	}
	server, err := mdns.NewServer(serverCfg)
	if err != nil {
		return nil, dnserr.Wrap("native.PublishHost", dnserr.Mdns, err)
	}

	h := &hostHandle{server: server}
	if done != nil {
		done(nil)
	}
	return h, nil
}

func (b *Backend) UnpublishService(h mdnsbackend.ServiceHandle) error {
	sh, ok := h.(*serviceHandle)
	if !ok || sh == nil {
		return dnserr.New("native.UnpublishService", dnserr.InvalidArgs)
	}
	return sh.server.Shutdown()
}

func (b *Backend) UnpublishHost(h mdnsbackend.HostHandle) error {
	hh, ok := h.(*hostHandle)
	if !ok || hh == nil {
		return dnserr.New("native.UnpublishHost", dnserr.InvalidArgs)
	}
	return hh.server.Shutdown()
}

// SubscribeService starts a periodic mdns.Query loop for serviceType,
// filtering to one instance when instance is non-empty (Resolving a
// single name instead of Browsing every instance of the type).
func (b *Backend) SubscribeService(serviceType, instance string, onInstance mdnsbackend.InstanceFunc) (mdnsbackend.ServiceSubscription, error) {
	if !b.IsStarted() {
		return nil, dnserr.Wrap("native.SubscribeService", dnserr.InvalidState, dnserr.ErrNotStarted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.browseLoop(ctx, serviceType, instance, onInstance)
	}()

	return &serviceSub{cancel: cancel}, nil
}

func (b *Backend) UnsubscribeService(sub mdnsbackend.ServiceSubscription) error {
	ss, ok := sub.(*serviceSub)
	if !ok || ss == nil {
		return dnserr.New("native.UnsubscribeService", dnserr.InvalidArgs)
	}
	ss.cancel()
	return nil
}

// SubscribeHost periodically resolves AAAA records for hostName via a
// direct mDNS question (hashicorp/mdns's Query is PTR/service-shaped and
// can't address an arbitrary host name directly).
func (b *Backend) SubscribeHost(hostName string, onHost mdnsbackend.HostFunc) (mdnsbackend.HostSubscription, error) {
	if !b.IsStarted() {
		return nil, dnserr.Wrap("native.SubscribeHost", dnserr.InvalidState, dnserr.ErrNotStarted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.hostResolveLoop(ctx, hostName, onHost)
	}()

	return &hostSub{cancel: cancel}, nil
}

func (b *Backend) UnsubscribeHost(sub mdnsbackend.HostSubscription) error {
	hs, ok := sub.(*hostSub)
	if !ok || hs == nil {
		return dnserr.New("native.UnsubscribeHost", dnserr.InvalidArgs)
	}
	hs.cancel()
	return nil
}

// browseLoop polls serviceType every QueryInterval and, mirroring
// hostResolveLoop's lastAddrs technique, diffs each round's instances
// against the previous one so an instance that drops out between polls
// gets a synthetic Removed event instead of silently vanishing.
func (b *Backend) browseLoop(ctx context.Context, serviceType, instance string, onInstance mdnsbackend.InstanceFunc) {
	ticker := time.NewTicker(b.cfg.QueryInterval)
	defer ticker.Stop()

	seen := map[string]bool{}

	run := func() {
		entries := make(chan *mdns.ServiceEntry, 32)
		done := make(chan struct{})
		current := map[string]bool{}
		go func() {
			defer close(done)
			for entry := range entries {
				if inst := b.handleEntry(entry, serviceType, instance, onInstance); inst != "" {
					current[inst] = true
				}
			}
		}()

		params := &mdns.QueryParam{
			Service:             serviceType,
			Domain:              strings.TrimSuffix(b.cfg.Domain, "."),
			Timeout:             b.cfg.QueryTimeout,
			Entries:             entries,
			WantUnicastResponse: true,
			Interface:           b.cfg.Interface,
		}
		if err := mdns.Query(params); err != nil {
			log.Debug("mdns query failed", "type", serviceType, "error", err)
		}
		close(entries)
		<-done

		for _, info := range instancesRemovedSince(seen, current, b.cfg.Interface) {
			onInstance(serviceType, info)
		}
		seen = current
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// instancesRemovedSince returns a synthetic Removed info for every name
// in seen that's absent from current, stamping NetifIndex the same way
// a live entry would get it so srpl's interface filter doesn't drop the
// removal the way it used to drop every discovery.
func instancesRemovedSince(seen, current map[string]bool, iface *net.Interface) []mdnsbackend.DiscoveredInstanceInfo {
	var removed []mdnsbackend.DiscoveredInstanceInfo
	for inst := range seen {
		if current[inst] {
			continue
		}
		info := mdnsbackend.DiscoveredInstanceInfo{Name: inst, Removed: true}
		if iface != nil {
			info.NetifIndex = iface.Index
		}
		removed = append(removed, info)
	}
	return removed
}

// handleEntry forwards one resolved ServiceEntry to onInstance and
// returns the instance name it forwarded under, or "" if entry didn't
// match serviceType/wantInstance and nothing was forwarded.
func (b *Backend) handleEntry(entry *mdns.ServiceEntry, serviceType, wantInstance string, onInstance mdnsbackend.InstanceFunc) string {
	if entry == nil {
		return ""
	}
	name := strings.TrimSuffix(entry.Name, ".")
	suffix := "." + strings.TrimSuffix(serviceType, ".")
	if !strings.HasSuffix(name, suffix) {
		return ""
	}
	instance := strings.TrimSuffix(name, suffix)
	if wantInstance != "" && instance != wantInstance {
		return ""
	}

	var addrs []net.IP
	if entry.AddrV6 != nil && isUsableAddress(entry.AddrV6) {
		addrs = append(addrs, entry.AddrV6)
	}
	if entry.AddrV4 != nil && isUsableAddress(entry.AddrV4) {
		addrs = append(addrs, entry.AddrV4)
	}

	ttl := time.Duration(entry.TTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}

	info := mdnsbackend.DiscoveredInstanceInfo{
		Name:      instance,
		HostName:  strings.TrimSuffix(entry.Host, ".") + ".",
		Port:      uint16(entry.Port),
		Addresses: addrs,
		TxtData:   decodeHashicorpTXT(entry.InfoFields),
		TTL:       ttl,
	}
	if b.cfg.Interface != nil {
		info.NetifIndex = b.cfg.Interface.Index
	}
	onInstance(serviceType, info)
	return instance
}

const defaultTTL = 10 * time.Second

func serviceTypeWithSubtypes(serviceType string, subTypes []string) string {
	// hashicorp/mdns publishes exactly the Service string given; DNS-SD
	// sub-types are expressed as extra PTR names
	// (_subtype._sub.service.domain) which this minimal responder does
	// not emit separately — callers needing sub-type browse should
	// browse the base type. SubTypes is accepted for interface symmetry
	// with the Avahi-style backend, which does support per-subtype
	// EntryGroup records.
	return serviceType
}
