package publisher

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openthread/otbr-dnssd/internal/eventqueue"
	"github.com/openthread/otbr-dnssd/internal/mainloop"
	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
)

// fakeServiceHandle/fakeHostHandle satisfy the marker interfaces.
type fakeServiceHandle struct{ id int }

func (*fakeServiceHandle) BackendHandle() {}

type fakeHostHandle struct{ id int }

func (*fakeHostHandle) BackendHandle() {}

// fakeBackend is a minimal mdnsbackend.Backend double that completes
// every publish synchronously (or holds it pending, for chaining tests)
// and records calls.
type fakeBackend struct {
	mu sync.Mutex

	publishCalls   int
	unpublishCalls int
	nextHandle     int
	holdResult     bool
	pendingDone    mdnsbackend.ResultFunc
	failNext       error

	holdHostResult  bool
	pendingHostDone mdnsbackend.ResultFunc
}

func (f *fakeBackend) Start() error                       { return nil }
func (f *fakeBackend) Stop() error                        { return nil }
func (f *fakeBackend) IsStarted() bool                    { return true }
func (f *fakeBackend) OnStateChanged(mdnsbackend.StateFunc) {}

func (f *fakeBackend) PublishService(params mdnsbackend.ServiceParams, done mdnsbackend.ResultFunc) (mdnsbackend.ServiceHandle, error) {
	f.mu.Lock()
	f.publishCalls++
	f.nextHandle++
	h := &fakeServiceHandle{id: f.nextHandle}
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		f.mu.Unlock()
		return nil, err
	}
	if f.holdResult {
		f.pendingDone = done
		f.mu.Unlock()
		return h, nil
	}
	f.mu.Unlock()
	done(nil)
	return h, nil
}

func (f *fakeBackend) PublishHost(params mdnsbackend.HostParams, done mdnsbackend.ResultFunc) (mdnsbackend.HostHandle, error) {
	f.mu.Lock()
	f.publishCalls++
	f.nextHandle++
	h := &fakeHostHandle{id: f.nextHandle}
	if f.holdHostResult {
		f.pendingHostDone = done
		f.mu.Unlock()
		return h, nil
	}
	f.mu.Unlock()
	done(nil)
	return h, nil
}

func (f *fakeBackend) UnpublishService(mdnsbackend.ServiceHandle) error {
	f.mu.Lock()
	f.unpublishCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) UnpublishHost(mdnsbackend.HostHandle) error {
	f.mu.Lock()
	f.unpublishCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) SubscribeService(string, string, mdnsbackend.InstanceFunc) (mdnsbackend.ServiceSubscription, error) {
	return nil, nil
}
func (f *fakeBackend) UnsubscribeService(mdnsbackend.ServiceSubscription) error { return nil }
func (f *fakeBackend) SubscribeHost(string, mdnsbackend.HostFunc) (mdnsbackend.HostSubscription, error) {
	return nil, nil
}
func (f *fakeBackend) UnsubscribeHost(mdnsbackend.HostSubscription) error { return nil }

func (f *fakeBackend) resolvePending(err error) {
	f.mu.Lock()
	done := f.pendingDone
	f.pendingDone = nil
	f.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (f *fakeBackend) resolveHostPending(err error) {
	f.mu.Lock()
	done := f.pendingHostDone
	f.pendingHostDone = nil
	f.mu.Unlock()
	if done != nil {
		done(err)
	}
}

// newPublisherForTest wires a Publisher over a fresh eventqueue.Queue,
// matching how every real caller marshals backend callbacks onto the
// mainloop thread.
func newPublisherForTest(t *testing.T, backend mdnsbackend.Backend) (*Publisher, *eventqueue.Queue) {
	t.Helper()
	q, err := eventqueue.New()
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return New(backend, q), q
}

// drain drives q's Process once, as if select() had reported its pipe
// readable (matching what Post just made true).
func drain(t *testing.T, q *eventqueue.Queue) {
	t.Helper()
	ctx := &mainloop.Context{}
	q.Update(ctx)
	q.Process(ctx)
}

func TestMakeFullNames(t *testing.T) {
	assert.Equal(t, "router1._meshcop._udp.local", MakeFullServiceName("router1", "_meshcop._udp"))
	assert.Equal(t, "router1._meshcop._udp.local", MakeFullServiceName("router1", "_meshcop._udp."))
	assert.Equal(t, "router1.local", MakeFullHostName("router1"))
}

func TestEncodeDecodeTxtRoundTrip(t *testing.T) {
	entries := []TxtEntry{
		{Name: "rv", Value: []byte("1")},
		{Name: "tv", Value: []byte("1.3.0")},
	}
	encoded, err := EncodeTxtData(entries)
	require.NoError(t, err)

	decoded, err := DecodeTxtData(encoded)
	require.NoError(t, err)
	assert.Equal(t, entries, decoded)
}

func TestEncodeTxtDataRejectsOversizedEntry(t *testing.T) {
	entries := []TxtEntry{{Name: "k", Value: make([]byte, 260)}}
	_, err := EncodeTxtData(entries)
	require.Error(t, err)
	assert.Equal(t, dnserr.InvalidArgs, dnserr.CodeOf(err))
}

func TestPublishServiceFreshRegistration(t *testing.T) {
	backend := &fakeBackend{}
	pub, q := newPublisherForTest(t, backend)

	var gotErr error
	err := pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, func(e error) { gotErr = e })
	require.NoError(t, err)
	assert.Equal(t, 1, backend.publishCalls)

	drain(t, q)
	assert.NoError(t, gotErr)

	reg, ok := pub.FindServiceRegistration("router1", "_meshcop._udp")
	require.True(t, ok)
	assert.Equal(t, stateCompleted, reg.state)
}

func TestPublishServiceIdenticalCompletedCallsBack(t *testing.T) {
	backend := &fakeBackend{}
	pub, q := newPublisherForTest(t, backend)

	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, nil))
	drain(t, q)

	var called bool
	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, func(e error) {
		called = true
		assert.NoError(t, e)
	}))
	assert.True(t, called) // fires synchronously: existing registration is already completed
	assert.Equal(t, 1, backend.publishCalls) // no second forward
}

func TestPublishServicePendingIdenticalChains(t *testing.T) {
	backend := &fakeBackend{holdResult: true}
	pub, q := newPublisherForTest(t, backend)

	var firstCalled, secondCalled bool
	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, func(e error) { firstCalled = true }))
	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, func(e error) { secondCalled = true }))

	assert.Equal(t, 1, backend.publishCalls)
	backend.resolvePending(nil)
	drain(t, q)

	assert.True(t, firstCalled)
	assert.True(t, secondCalled)
}

func TestPublishServicePostCommitFailureRemovesRegistration(t *testing.T) {
	backend := &fakeBackend{holdResult: true}
	pub, q := newPublisherForTest(t, backend)

	var gotErr error
	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, func(e error) { gotErr = e }))

	backend.resolvePending(dnserr.New("avahi.EntryGroup", dnserr.Duplicated))
	drain(t, q)

	require.Error(t, gotErr)
	assert.Equal(t, dnserr.Duplicated, dnserr.CodeOf(gotErr))
	assert.Equal(t, 1, backend.unpublishCalls) // stale handle unpublished, not left dangling

	_, ok := pub.FindServiceRegistration("router1", "_meshcop._udp")
	assert.False(t, ok) // a later PublishService for the same key starts fresh

	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, nil))
	assert.Equal(t, 2, backend.publishCalls)
}

func TestPublishServiceOutdatedAbortsAndRepublishes(t *testing.T) {
	backend := &fakeBackend{holdResult: true}
	pub, q := newPublisherForTest(t, backend)

	var aborted error
	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, func(e error) { aborted = e }))

	// Change the port: makes the existing (still-pending) registration
	// outdated and triggers abort + fresh forward.
	var second error
	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49192, nil, func(e error) { second = e }))

	require.Error(t, aborted) // abort fires synchronously, on the caller's own thread
	assert.Equal(t, dnserr.Aborted, dnserr.CodeOf(aborted))
	assert.Equal(t, 2, backend.publishCalls)
	assert.Equal(t, 1, backend.unpublishCalls)

	backend.resolvePending(nil)
	drain(t, q)
	assert.NoError(t, second)
}

func TestUnpublishServiceAbortsPending(t *testing.T) {
	backend := &fakeBackend{holdResult: true}
	pub, _ := newPublisherForTest(t, backend)

	var gotErr error
	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, func(e error) { gotErr = e }))

	require.NoError(t, pub.UnpublishService("router1", "_meshcop._udp"))
	require.Error(t, gotErr)
	assert.Equal(t, dnserr.Aborted, dnserr.CodeOf(gotErr))

	_, ok := pub.FindServiceRegistration("router1", "_meshcop._udp")
	assert.False(t, ok)
}

func TestPublishHostPostCommitFailureRemovesRegistration(t *testing.T) {
	backend := &fakeBackend{holdHostResult: true}
	pub, q := newPublisherForTest(t, backend)

	addr := net.ParseIP("2001:db8::1")
	var gotErr error
	require.NoError(t, pub.PublishHost("router1", addr, func(e error) { gotErr = e }))

	backend.resolveHostPending(dnserr.New("avahi.EntryGroup", dnserr.Duplicated))
	drain(t, q)

	require.Error(t, gotErr)
	assert.Equal(t, dnserr.Duplicated, dnserr.CodeOf(gotErr))
	assert.Equal(t, 1, backend.unpublishCalls) // stale handle unpublished, not left dangling

	_, ok := pub.FindHostRegistration("router1")
	assert.False(t, ok) // a later PublishHost for the same name starts fresh

	require.NoError(t, pub.PublishHost("router1", addr, nil))
	assert.Equal(t, 2, backend.publishCalls)
}

func TestPublishHostReconciliation(t *testing.T) {
	backend := &fakeBackend{}
	pub, q := newPublisherForTest(t, backend)

	addr := net.ParseIP("2001:db8::1")
	require.NoError(t, pub.PublishHost("router1", addr, nil))
	drain(t, q) // let the first registration reach stateCompleted

	var called bool
	require.NoError(t, pub.PublishHost("router1", addr, func(e error) { called = true }))
	assert.True(t, called)
	assert.Equal(t, 1, backend.publishCalls)
}

func TestRebuildRepublishesCompletedRegistrations(t *testing.T) {
	backend := &fakeBackend{}
	pub, q := newPublisherForTest(t, backend)

	require.NoError(t, pub.PublishService("", "router1", "_meshcop._udp", nil, 49191, nil, nil))
	require.NoError(t, pub.PublishHost("router1", net.ParseIP("2001:db8::1"), nil))
	drain(t, q)
	assert.Equal(t, 2, backend.publishCalls)

	pub.Rebuild()
	drain(t, q)
	assert.Equal(t, 4, backend.publishCalls)

	reg, ok := pub.FindServiceRegistration("router1", "_meshcop._udp")
	require.True(t, ok)
	assert.Equal(t, stateCompleted, reg.state)
}
