package subscriber

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openthread/otbr-dnssd/internal/eventqueue"
	"github.com/openthread/otbr-dnssd/internal/mainloop"
	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
)

type fakeServiceSub struct{}

func (*fakeServiceSub) BackendSub() {}

type fakeHostSub struct{}

func (*fakeHostSub) BackendSub() {}

type fakeBackend struct {
	instanceCB mdnsbackend.InstanceFunc
	hostCB     mdnsbackend.HostFunc
	unsubbed   bool
}

func (f *fakeBackend) Start() error             { return nil }
func (f *fakeBackend) Stop() error              { return nil }
func (f *fakeBackend) IsStarted() bool          { return true }
func (f *fakeBackend) OnStateChanged(mdnsbackend.StateFunc) {}
func (f *fakeBackend) PublishService(mdnsbackend.ServiceParams, mdnsbackend.ResultFunc) (mdnsbackend.ServiceHandle, error) {
	return nil, nil
}
func (f *fakeBackend) PublishHost(mdnsbackend.HostParams, mdnsbackend.ResultFunc) (mdnsbackend.HostHandle, error) {
	return nil, nil
}
func (f *fakeBackend) UnpublishService(mdnsbackend.ServiceHandle) error { return nil }
func (f *fakeBackend) UnpublishHost(mdnsbackend.HostHandle) error       { return nil }

func (f *fakeBackend) SubscribeService(serviceType, instance string, onInstance mdnsbackend.InstanceFunc) (mdnsbackend.ServiceSubscription, error) {
	f.instanceCB = onInstance
	return &fakeServiceSub{}, nil
}

func (f *fakeBackend) UnsubscribeService(mdnsbackend.ServiceSubscription) error {
	f.unsubbed = true
	return nil
}

func (f *fakeBackend) SubscribeHost(hostName string, onHost mdnsbackend.HostFunc) (mdnsbackend.HostSubscription, error) {
	f.hostCB = onHost
	return &fakeHostSub{}, nil
}

func (f *fakeBackend) UnsubscribeHost(mdnsbackend.HostSubscription) error {
	f.unsubbed = true
	return nil
}

// drain drives q's Process once, as if select() had reported its pipe
// readable (matching what Post just made true).
func drain(t *testing.T, q *eventqueue.Queue) {
	t.Helper()
	ctx := &mainloop.Context{}
	q.Update(ctx)
	q.Process(ctx)
}

func TestSubscribeServiceAppliesDefaultTTLAndFiltersAddresses(t *testing.T) {
	backend := &fakeBackend{}
	q, err := eventqueue.New()
	require.NoError(t, err)
	defer q.Close()

	sub := New(backend, q)

	var got InstanceInfo
	_, err = sub.SubscribeService("_meshcop._udp", "", func(info InstanceInfo) { got = info })
	require.NoError(t, err)
	require.NotNil(t, backend.instanceCB)

	backend.instanceCB("_meshcop._udp", mdnsbackend.DiscoveredInstanceInfo{
		Name: "router1",
		Addresses: []net.IP{
			net.ParseIP("fe80::1"),
			net.ParseIP("2001:db8::1"),
		},
	})
	drain(t, q)

	assert.Equal(t, "router1", got.Name)
	assert.Equal(t, DefaultTTL, got.TTL)
	require.Len(t, got.Addresses, 1)
	assert.Equal(t, "2001:db8::1", got.Addresses[0].String())
}

func TestSubscribeHostResolvedEmitsTrailingDot(t *testing.T) {
	backend := &fakeBackend{}
	q, err := eventqueue.New()
	require.NoError(t, err)
	defer q.Close()

	sub := New(backend, q)

	var got HostInfo
	_, err = sub.SubscribeHost("router1.local", func(info HostInfo) { got = info })
	require.NoError(t, err)
	require.NotNil(t, backend.hostCB)

	backend.hostCB("router1.local", mdnsbackend.DiscoveredHostInfo{
		HostName:  "router1.local",
		Addresses: []net.IP{net.ParseIP("2001:db8::2")},
		TTL:       30 * time.Second,
	})
	drain(t, q)

	assert.Equal(t, "router1.local.", got.HostName)
	assert.Equal(t, 30*time.Second, got.TTL)
}

func TestServiceSubscriptionReleaseIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	q, err := eventqueue.New()
	require.NoError(t, err)
	defer q.Close()

	sub := New(backend, q)
	s, err := sub.SubscribeService("_meshcop._udp", "", func(InstanceInfo) {})
	require.NoError(t, err)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	assert.True(t, backend.unsubbed)
}
