package srpl

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openthread/otbr-dnssd/internal/eventqueue"
	"github.com/openthread/otbr-dnssd/internal/mainloop"
	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/internal/publisher"
	"github.com/openthread/otbr-dnssd/internal/subscriber"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
	"github.com/openthread/otbr-dnssd/pkg/dsoapi"
)

type fakeHandle struct{}

func (*fakeHandle) BackendHandle() {}

type fakeSub struct{}

func (*fakeSub) BackendSub() {}

type fakeBackend struct {
	publishedNames []string
	failOnce       map[string]bool
	unpublished    []string
	instanceCB     mdnsbackend.InstanceFunc
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failOnce: make(map[string]bool)}
}

func (f *fakeBackend) Start() error                       { return nil }
func (f *fakeBackend) Stop() error                        { return nil }
func (f *fakeBackend) IsStarted() bool                    { return true }
func (f *fakeBackend) OnStateChanged(mdnsbackend.StateFunc) {}

func (f *fakeBackend) PublishService(params mdnsbackend.ServiceParams, done mdnsbackend.ResultFunc) (mdnsbackend.ServiceHandle, error) {
	f.publishedNames = append(f.publishedNames, params.Name)
	if f.failOnce[params.Name] {
		delete(f.failOnce, params.Name)
		done(dnserr.New("fakeBackend.PublishService", dnserr.Duplicated))
		return nil, nil
	}
	done(nil)
	return &fakeHandle{}, nil
}

func (f *fakeBackend) PublishHost(mdnsbackend.HostParams, mdnsbackend.ResultFunc) (mdnsbackend.HostHandle, error) {
	return nil, nil
}
func (f *fakeBackend) UnpublishService(mdnsbackend.ServiceHandle) error {
	f.unpublished = append(f.unpublished, "service")
	return nil
}
func (f *fakeBackend) UnpublishHost(mdnsbackend.HostHandle) error { return nil }

func (f *fakeBackend) SubscribeService(serviceType, instance string, onInstance mdnsbackend.InstanceFunc) (mdnsbackend.ServiceSubscription, error) {
	f.instanceCB = onInstance
	return &fakeSub{}, nil
}
func (f *fakeBackend) UnsubscribeService(mdnsbackend.ServiceSubscription) error { return nil }
func (f *fakeBackend) SubscribeHost(string, mdnsbackend.HostFunc) (mdnsbackend.HostSubscription, error) {
	return nil, nil
}
func (f *fakeBackend) UnsubscribeHost(mdnsbackend.HostSubscription) error { return nil }

func drain(t *testing.T, q *eventqueue.Queue) {
	t.Helper()
	ctx := &mainloop.Context{}
	q.Update(ctx)
	q.Process(ctx)
}

func newGlueForTest(t *testing.T, backend *fakeBackend, cfg Config) (*Glue, *eventqueue.Queue) {
	t.Helper()
	q, err := eventqueue.New()
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	pub := publisher.New(backend, q)
	sub := subscriber.New(backend, q)
	return New(pub, sub, cfg), q
}

func TestGlueStartPublishesBaseName(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newGlueForTest(t, backend, Config{BaseName: "border-router", NetifIndex: 3})

	require.NoError(t, g.Start(func(Peer) {}))
	assert.Equal(t, []string{"border-router"}, backend.publishedNames)
	assert.Equal(t, "border-router", g.currentName)
}

func TestGlueRenamesOnCollision(t *testing.T) {
	backend := newFakeBackend()
	backend.failOnce["border-router"] = true
	g, q := newGlueForTest(t, backend, Config{BaseName: "border-router", NetifIndex: 3})

	require.NoError(t, g.Start(func(Peer) {}))
	drain(t, q) // deliver the Duplicated result that drives the rename
	require.Len(t, backend.publishedNames, 2)
	assert.Equal(t, "border-router", backend.publishedNames[0])
	assert.NotEqual(t, "border-router", backend.publishedNames[1])
	assert.NotEqual(t, "border-router", g.currentName)
}

func TestGlueFiltersSelfAndWrongInterface(t *testing.T) {
	backend := newFakeBackend()
	g, q := newGlueForTest(t, backend, Config{BaseName: "border-router", NetifIndex: 3})

	var peers []Peer
	require.NoError(t, g.Start(func(p Peer) { peers = append(peers, p) }))
	require.NotNil(t, backend.instanceCB)

	// Self, same interface: suppressed.
	backend.instanceCB(ServiceType, mdnsbackend.DiscoveredInstanceInfo{
		Name: "border-router", NetifIndex: 3,
		Addresses: []net.IP{net.ParseIP("2001:db8::1")},
	})
	// Wrong interface: suppressed.
	backend.instanceCB(ServiceType, mdnsbackend.DiscoveredInstanceInfo{
		Name: "peer-a", NetifIndex: 7,
		Addresses: []net.IP{net.ParseIP("2001:db8::2")},
	})
	// Same interface, no address yet on an add event: suppressed.
	backend.instanceCB(ServiceType, mdnsbackend.DiscoveredInstanceInfo{
		Name: "peer-b", NetifIndex: 3,
	})
	// Valid peer.
	backend.instanceCB(ServiceType, mdnsbackend.DiscoveredInstanceInfo{
		Name: "peer-c", NetifIndex: 3, Port: 853,
		Addresses: []net.IP{net.ParseIP("2001:db8::3")},
	})
	drain(t, q)

	require.Len(t, peers, 1)
	assert.Equal(t, "peer-c", peers[0].Name)
	assert.Equal(t, "2001:db8::3", peers[0].Address.String())
	assert.False(t, peers[0].Removed)
}

func TestGlueForwardsRemoveEventsWithoutRequiringAddress(t *testing.T) {
	backend := newFakeBackend()
	g, q := newGlueForTest(t, backend, Config{BaseName: "border-router", NetifIndex: 3})

	var peers []Peer
	require.NoError(t, g.Start(func(p Peer) { peers = append(peers, p) }))

	backend.instanceCB(ServiceType, mdnsbackend.DiscoveredInstanceInfo{
		Name: "peer-c", NetifIndex: 3, Removed: true,
	})
	drain(t, q)

	require.Len(t, peers, 1)
	assert.True(t, peers[0].Removed)
}

func TestGlueTracksAndDropsLastSeen(t *testing.T) {
	backend := newFakeBackend()
	g, q := newGlueForTest(t, backend, Config{BaseName: "border-router", NetifIndex: 3})

	require.NoError(t, g.Start(func(Peer) {}))

	backend.instanceCB(ServiceType, mdnsbackend.DiscoveredInstanceInfo{
		Name: "peer-c", NetifIndex: 3, Port: 853,
		Addresses: []net.IP{net.ParseIP("2001:db8::3")},
	})
	drain(t, q)

	assert.Empty(t, g.StalePeers(time.Hour))
	assert.Contains(t, g.StalePeers(0), "peer-c")
	_, seen := g.lastSeen["peer-c"]
	assert.True(t, seen)

	backend.instanceCB(ServiceType, mdnsbackend.DiscoveredInstanceInfo{
		Name: "peer-c", NetifIndex: 3, Removed: true,
	})
	drain(t, q)

	_, stillSeen := g.lastSeen["peer-c"]
	assert.False(t, stillSeen)
}

type fakeTransport struct {
	connected    map[int]dsoapi.SockAddr
	disconnected []int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: make(map[int]dsoapi.SockAddr)}
}

func (f *fakeTransport) EnableListening(bool) error { return nil }

func (f *fakeTransport) Connect(connID int, peer dsoapi.SockAddr) error {
	f.connected[connID] = peer
	return nil
}

func (f *fakeTransport) Send(int, []byte) error { return nil }

func (f *fakeTransport) Disconnect(connID int, _ dsoapi.DisconnectMode) error {
	f.disconnected = append(f.disconnected, connID)
	delete(f.connected, connID)
	return nil
}

func TestGlueOpensAndClosesDsoSessionsOnDiscovery(t *testing.T) {
	backend := newFakeBackend()
	g, q := newGlueForTest(t, backend, Config{BaseName: "border-router", NetifIndex: 3})

	transport := newFakeTransport()
	g.AttachTransport(transport, nil)

	require.NoError(t, g.Start(func(Peer) {}))

	backend.instanceCB(ServiceType, mdnsbackend.DiscoveredInstanceInfo{
		Name: "peer-c", NetifIndex: 3, Port: 853,
		Addresses: []net.IP{net.ParseIP("2001:db8::3")},
	})
	drain(t, q)

	require.Len(t, transport.connected, 1)

	backend.instanceCB(ServiceType, mdnsbackend.DiscoveredInstanceInfo{
		Name: "peer-c", NetifIndex: 3, Removed: true,
	})
	drain(t, q)

	assert.Empty(t, transport.connected)
	assert.Contains(t, transport.disconnected, 0)
}

func TestGlueHandleReceiveDeliversToMessageFunc(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newGlueForTest(t, backend, Config{BaseName: "border-router", NetifIndex: 3})

	var gotPeer string
	var gotMsg []byte
	g.AttachTransport(newFakeTransport(), func(peer string, msg []byte) {
		gotPeer, gotMsg = peer, msg
	})

	connID, ok := g.Accept(dsoapi.SockAddr{Address: net.ParseIP("2001:db8::9"), Port: 853})
	require.True(t, ok)
	g.HandleReceive(connID, []byte("hello"))

	assert.Equal(t, "2001:db8::9:853", gotPeer)
	assert.Equal(t, []byte("hello"), gotMsg)
}

func TestGlueStopUnpublishesAndUnsubscribes(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newGlueForTest(t, backend, Config{BaseName: "border-router", NetifIndex: 3})
	require.NoError(t, g.Start(func(Peer) {}))

	require.NoError(t, g.Stop())
	assert.Contains(t, backend.unpublished, "service")
}
