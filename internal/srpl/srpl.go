// Package srpl is the thin glue between the mDNS publisher/subscriber
// core and SRP replication: it publishes this node's singleton
// `_srpl-tls._tcp` instance, renames it on collision, and forwards
// every other discovered peer on that service type to the DNS engine.
package srpl

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/openthread/otbr-dnssd/internal/otlog"
	"github.com/openthread/otbr-dnssd/internal/publisher"
	"github.com/openthread/otbr-dnssd/internal/subscriber"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
	"github.com/openthread/otbr-dnssd/pkg/dsoapi"
)

var log = otlog.Logger("srpl")

// ServiceType is the DNS-SD service type SRP replication peers
// advertise and discover each other under.
const ServiceType = "_srpl-tls._tcp"

// Port is the fixed DSO listening port SRPL instances advertise.
const Port = 853

// Peer is what PeerFunc receives for every discovered, non-self SRPL
// peer instance (add or remove).
type Peer struct {
	Name    string
	Address net.IP
	Port    uint16
	Txt     []byte
	Removed bool
}

// PeerFunc is invoked on the mainloop thread for every peer add/remove.
type PeerFunc func(Peer)

// Config seeds the published instance.
type Config struct {
	// BaseName is the instance name tried first; a collision appends a
	// random suffix and retries under BaseName-<suffix>.
	BaseName string
	// NetifIndex restricts discovered peers to this interface; peers
	// seen on any other interface (or with an unknown interface, -1)
	// are ignored, per §4.6.
	NetifIndex int
	Txt        []publisher.TxtEntry
}

// Glue owns the published SRPL instance and its peer subscription.
type Glue struct {
	pub *publisher.Publisher
	sub *subscriber.Subscriber
	cfg Config

	currentName string
	onPeer      PeerFunc
	subscribed  *subscriber.ServiceSubscription

	// mu guards the DSO session bookkeeping AttachTransport adds;
	// nil dso is the default (no sessions opened), kept separate from
	// the zero-allocation constructor so tests that never attach a
	// transport don't need to care about this at all.
	mu         sync.Mutex
	dso        dsoapi.Transport
	onMessage  MessageFunc
	nextConnID int
	connByPeer map[string]int
	peerByConn map[int]string

	// lastSeen is diagnostic-only bookkeeping: when a peer was last
	// reported present by the subscriber. It never feeds back into
	// onPeer or the DSO session map — staleness here is just something
	// to log, not a removal signal (the subscriber's own Removed event
	// is the only thing that retires a peer).
	lastSeen map[string]time.Time
}

// New creates a Glue. Call Start to publish and begin browsing.
func New(pub *publisher.Publisher, sub *subscriber.Subscriber, cfg Config) *Glue {
	return &Glue{
		pub:         pub,
		sub:         sub,
		cfg:         cfg,
		currentName: cfg.BaseName,
		lastSeen:    make(map[string]time.Time),
	}
}

// Start publishes this node's SRPL instance (retrying under a renamed
// instance on collision) and begins browsing for peers, delivering
// every non-self discovery to onPeer.
func (g *Glue) Start(onPeer PeerFunc) error {
	g.onPeer = onPeer
	g.publish(g.currentName)

	sub, err := g.sub.SubscribeService(ServiceType, "", g.handleDiscovered)
	if err != nil {
		return err
	}
	g.subscribed = sub
	return nil
}

// Stop unpublishes and stops browsing.
func (g *Glue) Stop() error {
	var err error
	if g.subscribed != nil {
		err = g.subscribed.Release()
		g.subscribed = nil
	}
	if unpubErr := g.pub.UnpublishService(g.currentName, ServiceType); unpubErr != nil && err == nil {
		err = unpubErr
	}
	return err
}

// publish issues (or re-issues, after a rename) the PublishService
// call for name, wiring the duplicated-retry policy into its callback.
func (g *Glue) publish(name string) {
	g.currentName = name
	err := g.pub.PublishService("", name, ServiceType, nil, Port, g.cfg.Txt, func(err error) {
		if err == nil {
			return
		}
		if dnserr.CodeOf(err) == dnserr.Duplicated {
			renamed := renameSuffix(g.cfg.BaseName)
			log.Info("srpl instance collided, renaming", "from", name, "to", renamed)
			g.publish(renamed)
			return
		}
		log.Error("srpl publish failed", "name", name, "error", err)
	})
	if err != nil {
		log.Error("srpl publish call failed", "name", name, "error", err)
	}
}

// handleDiscovered applies §4.6's three filters — same interface,
// not self, has an address on add — before forwarding to onPeer.
func (g *Glue) handleDiscovered(info subscriber.InstanceInfo) {
	if info.NetifIndex != g.cfg.NetifIndex {
		return
	}
	if info.Name == g.currentName {
		return
	}
	if !info.Removed && len(info.Addresses) == 0 {
		return
	}

	var addr net.IP
	if len(info.Addresses) > 0 {
		addr = info.Addresses[0]
	}

	if info.Removed {
		g.closeSessionFor(info.Name)
		delete(g.lastSeen, info.Name)
	} else {
		g.openSessionFor(info.Name, dsoapi.SockAddr{Address: addr, Port: Port})
		g.lastSeen[info.Name] = time.Now()
	}

	g.onPeer(Peer{
		Name:    info.Name,
		Address: addr,
		Port:    info.Port,
		Txt:     info.TxtData,
		Removed: info.Removed,
	})
}

// StalePeers returns the name of every currently-tracked peer whose
// last discovery update is older than maxAge. It exists for periodic
// diagnostic logging, not for driving any removal decision — a peer
// only leaves lastSeen (and onPeer) when the subscriber itself raises
// a Removed event for it.
func (g *Glue) StalePeers(maxAge time.Duration) []string {
	now := time.Now()
	var stale []string
	for name, seen := range g.lastSeen {
		if now.Sub(seen) >= maxAge {
			stale = append(stale, name)
		}
	}
	return stale
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// renameSuffix appends an 8-character random suffix to base, per
// §4.3's "base name with a uniformly-random suffix" rename policy.
func renameSuffix(base string) string {
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))] //nolint:gosec // non-cryptographic: collision-avoidance only
	}
	return base + "-" + string(suffix)
}
