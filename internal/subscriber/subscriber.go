// Package subscriber implements the per-subscription state each
// Subscribe call owns: wrapping an mdnsbackend.Backend subscription,
// marshalling its results back onto the mainloop thread, applying the
// default-TTL and address-filtering discipline §4.4 specifies, and
// making Release idempotent and callback-safe.
//
// Both concrete backends already resolve one discovered instance's
// host/port/TXT/addresses before calling back (browsing, resolving and
// address-gathering are folded into a single event at that layer), so
// this package's state machine is the thin remainder: default TTL,
// defensive address filtering, and release bookkeeping — not a second
// Browsing/Resolving/GettingAddress walk.
package subscriber

import (
	"net"
	"sync"
	"time"

	"github.com/openthread/otbr-dnssd/internal/eventqueue"
	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/internal/otlog"
)

var log = otlog.Logger("subscriber")

// DefaultTTL is used when a backend reports a zero TTL, per §4.4's
// "otherwise a default short TTL (implementation defined)".
const DefaultTTL = 10 * time.Second

// InstanceInfo is what InstanceResolvedFunc receives.
type InstanceInfo struct {
	ServiceType string
	Name        string
	HostName    string
	Port        uint16
	Addresses   []net.IP
	TxtData     []byte
	TTL         time.Duration
	// NetifIndex is the interface the instance was discovered on; 0 when
	// the native backend has no configured interface, or -1 when the
	// avahi backend flags the instance as local-origin. Callers that need to suppress self-discovery
	// by interface, like the SRPL glue, rely on this.
	NetifIndex int
	Removed    bool
}

// HostInfo is what HostResolvedFunc receives.
type HostInfo struct {
	HostName  string
	Addresses []net.IP
	TTL       time.Duration
	Removed   bool
}

// InstanceResolvedFunc is invoked on the mainloop thread for every
// resolved or removed instance.
type InstanceResolvedFunc func(InstanceInfo)

// HostResolvedFunc is invoked on the mainloop thread for every resolved
// or removed host.
type HostResolvedFunc func(HostInfo)

// Subscriber owns the marshalling queue shared across every
// subscription it creates.
type Subscriber struct {
	backend mdnsbackend.Backend
	queue   *eventqueue.Queue
}

// New creates a Subscriber. queue must be registered with the same
// mainloop.Engine the rest of the subsystem runs on.
func New(backend mdnsbackend.Backend, queue *eventqueue.Queue) *Subscriber {
	return &Subscriber{backend: backend, queue: queue}
}

// ServiceSubscription is the handle SubscribeService returns.
type ServiceSubscription struct {
	sub      mdnsbackend.ServiceSubscription
	backend  mdnsbackend.Backend
	released sync.Once
}

// SubscribeService browses serviceType (instance == "") or resolves
// one instance (instance != ""), delivering every event to onResolved
// on the mainloop thread.
func (s *Subscriber) SubscribeService(serviceType, instance string, onResolved InstanceResolvedFunc) (*ServiceSubscription, error) {
	wrapped := func(svcType string, info mdnsbackend.DiscoveredInstanceInfo) {
		s.queue.Post(func() {
			onResolved(toInstanceInfo(svcType, info))
		})
	}

	sub, err := s.backend.SubscribeService(serviceType, instance, wrapped)
	if err != nil {
		return nil, err
	}
	return &ServiceSubscription{sub: sub, backend: s.backend}, nil
}

// Release cancels the subscription. Idempotent and safe to call from
// within a callback the subscription itself triggered.
func (s *ServiceSubscription) Release() error {
	var err error
	s.released.Do(func() {
		err = s.backend.UnsubscribeService(s.sub)
	})
	return err
}

// HostSubscription is the handle SubscribeHost returns.
type HostSubscription struct {
	sub      mdnsbackend.HostSubscription
	backend  mdnsbackend.Backend
	released sync.Once
}

// SubscribeHost resolves AAAA records for hostName, delivering every
// event to onResolved on the mainloop thread.
func (s *Subscriber) SubscribeHost(hostName string, onResolved HostResolvedFunc) (*HostSubscription, error) {
	wrapped := func(name string, info mdnsbackend.DiscoveredHostInfo) {
		s.queue.Post(func() {
			onResolved(toHostInfo(info))
		})
	}

	sub, err := s.backend.SubscribeHost(hostName, wrapped)
	if err != nil {
		return nil, err
	}
	return &HostSubscription{sub: sub, backend: s.backend}, nil
}

// Release cancels the subscription. Idempotent.
func (s *HostSubscription) Release() error {
	var err error
	s.released.Do(func() {
		err = s.backend.UnsubscribeHost(s.sub)
	})
	return err
}

func toInstanceInfo(serviceType string, info mdnsbackend.DiscoveredInstanceInfo) InstanceInfo {
	ttl := info.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return InstanceInfo{
		ServiceType: serviceType,
		Name:        info.Name,
		HostName:    info.HostName,
		Port:        info.Port,
		Addresses:   filterAddresses(info.Addresses),
		TxtData:     info.TxtData,
		TTL:         ttl,
		NetifIndex:  info.NetifIndex,
		Removed:     info.Removed,
	}
}

func toHostInfo(info mdnsbackend.DiscoveredHostInfo) HostInfo {
	ttl := info.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return HostInfo{
		HostName:  ensureTrailingDot(info.HostName),
		Addresses: filterAddresses(info.Addresses),
		TTL:       ttl,
		Removed:   info.Removed,
	}
}

func ensureTrailingDot(name string) string {
	if name == "" || name[len(name)-1] == '.' {
		return name
	}
	return name + "."
}

// filterAddresses re-applies §4.4's "not link-local/multicast/loopback/
// unspecified" rule defensively: both backends already filter, but the
// subscriber owns this contract regardless of which backend is behind
// it.
func filterAddresses(addrs []net.IP) []net.IP {
	var out []net.IP
	for _, ip := range addrs {
		if ip == nil {
			continue
		}
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() ||
			ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		out = append(out, ip)
	}
	return out
}
