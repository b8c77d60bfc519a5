// Package publisher implements the registration table sitting between
// the DNS engine and an mdnsbackend.Backend: full-name construction,
// TXT encoding, and the outdated/duplicate reconciliation rules that
// keep a caller from ever seeing two in-flight results for what is
// conceptually one registration.
package publisher

import (
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/openthread/otbr-dnssd/internal/eventqueue"
	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/internal/otlog"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
)

var log = otlog.Logger("publisher")

// TxtEntry is one TXT record entry before RFC 6763 length-prefixed
// encoding.
type TxtEntry struct {
	Name  string
	Value []byte
}

// ResultFunc receives the outcome of a publish call exactly once.
type ResultFunc func(err error)

type regState int

const (
	statePending regState = iota
	stateCompleted
)

// ServiceRegistration is one entry in the publisher's service table,
// keyed by (name, type).
type ServiceRegistration struct {
	Host     string
	Name     string
	Type     string
	SubTypes []string
	Port     uint16
	Txt      []TxtEntry

	state    regState
	handle   mdnsbackend.ServiceHandle
	callback ResultFunc
}

// HostRegistration is one entry in the publisher's host table, keyed
// by name.
type HostRegistration struct {
	Name    string
	Address net.IP

	state    regState
	handle   mdnsbackend.HostHandle
	callback ResultFunc
}

type serviceKey struct {
	name string
	typ  string
}

// Publisher owns the registration tables for services and hosts
// published through one mdnsbackend.Backend.
type Publisher struct {
	backend mdnsbackend.Backend
	// queue marshals every backend-invoked done callback onto the
	// mainloop thread before it touches the registration tables,
	// per §5: a backend that completes a publish off its own thread
	// (the avahi backend's D-Bus dispatch loop) must not mutate this
	// table directly.
	queue *eventqueue.Queue

	mu       sync.Mutex
	services map[serviceKey]*ServiceRegistration
	hosts    map[string]*HostRegistration
}

// New creates a Publisher over backend, marshalling every backend
// callback through queue. The Publisher never starts or stops the
// backend itself; the owning component does that.
func New(backend mdnsbackend.Backend, queue *eventqueue.Queue) *Publisher {
	return &Publisher{
		backend:  backend,
		queue:    queue,
		services: map[serviceKey]*ServiceRegistration{},
		hosts:    map[string]*HostRegistration{},
	}
}

// MakeFullServiceName builds "name.type.local" per §4.3, normalizing a
// trailing dot on type before concatenation.
func MakeFullServiceName(name, serviceType string) string {
	return name + "." + strings.TrimSuffix(serviceType, ".") + ".local"
}

// MakeFullHostName builds "name.local" per §4.3.
func MakeFullHostName(name string) string {
	return strings.TrimSuffix(name, ".") + ".local"
}

// normalizeType strips a trailing dot so two type strings that differ
// only in trailing-dot style still compare equal.
func normalizeType(serviceType string) string {
	return strings.TrimSuffix(serviceType, ".")
}

func sortSubTypes(subTypes []string) []string {
	out := append([]string(nil), subTypes...)
	sort.Strings(out)
	return out
}

func sortTxt(txt []TxtEntry) []TxtEntry {
	out := append([]TxtEntry(nil), txt...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func equalSubTypes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalTxt(a, b []TxtEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || string(a[i].Value) != string(b[i].Value) {
			return false
		}
	}
	return true
}

func equalService(r *ServiceRegistration, host, name, typ string, subTypes []string, port uint16, txt []TxtEntry) bool {
	return r.Host == host && r.Name == name && normalizeType(r.Type) == normalizeType(typ) &&
		r.Port == port && equalSubTypes(r.SubTypes, subTypes) && equalTxt(r.Txt, txt)
}

// EncodeTxtData implements §4.3's wire encoding:
// [len_u8][name]['=']value, concatenated, len = |name|+1+|value|.
func EncodeTxtData(entries []TxtEntry) ([]byte, error) {
	var out []byte
	for _, e := range entries {
		length := len(e.Name) + 1 + len(e.Value)
		if length > 255 {
			return nil, dnserr.New("publisher.EncodeTxtData", dnserr.InvalidArgs)
		}
		out = append(out, byte(length))
		out = append(out, e.Name...)
		out = append(out, '=')
		out = append(out, e.Value...)
	}
	return out, nil
}

// DecodeTxtData is the inverse of EncodeTxtData.
func DecodeTxtData(data []byte) ([]TxtEntry, error) {
	var out []TxtEntry
	for i := 0; i < len(data); {
		length := int(data[i])
		i++
		if i+length > len(data) {
			return nil, dnserr.New("publisher.DecodeTxtData", dnserr.InvalidArgs)
		}
		entry := data[i : i+length]
		i += length

		eq := indexByte(entry, '=')
		if eq < 0 {
			return nil, dnserr.New("publisher.DecodeTxtData", dnserr.InvalidArgs)
		}
		out = append(out, TxtEntry{Name: string(entry[:eq]), Value: append([]byte(nil), entry[eq+1:]...)})
	}
	return out, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func toBackendTxt(txt []TxtEntry) []mdnsbackend.TxtEntry {
	out := make([]mdnsbackend.TxtEntry, len(txt))
	for i, e := range txt {
		out[i] = mdnsbackend.TxtEntry{Name: e.Name, Value: e.Value}
	}
	return out
}

// PublishService registers a service, applying the §4.3 reconciliation
// rules against any existing registration for (name, type).
func (p *Publisher) PublishService(host, name, serviceType string, subTypes []string, port uint16, txt []TxtEntry, done ResultFunc) error {
	subTypes = sortSubTypes(subTypes)
	txt = sortTxt(txt)
	key := serviceKey{name: name, typ: normalizeType(serviceType)}

	p.mu.Lock()
	existing, found := p.services[key]

	if !found {
		reg := &ServiceRegistration{
			Host: host, Name: name, Type: serviceType, SubTypes: subTypes, Port: port, Txt: txt,
			state: statePending, callback: done,
		}
		p.services[key] = reg
		p.mu.Unlock()
		p.forwardService(key, reg)
		return nil
	}

	if isOutdatedService(existing, host, name, serviceType, subTypes, port, txt) {
		p.mu.Unlock()
		p.abortAndRemoveService(key, existing)

		p.mu.Lock()
		reg := &ServiceRegistration{
			Host: host, Name: name, Type: serviceType, SubTypes: subTypes, Port: port, Txt: txt,
			state: statePending, callback: done,
		}
		p.services[key] = reg
		p.mu.Unlock()
		p.forwardService(key, reg)
		return nil
	}

	switch existing.state {
	case stateCompleted:
		p.mu.Unlock()
		if done != nil {
			done(nil)
		}
		return nil
	default: // statePending
		prev := existing.callback
		existing.callback = chainResult(prev, done)
		p.mu.Unlock()
		return nil
	}
}

// isOutdatedService reports whether existing no longer matches the
// incoming parameters (after both are sorted), per §4.3 rule 3.
func isOutdatedService(existing *ServiceRegistration, host, name, serviceType string, subTypes []string, port uint16, txt []TxtEntry) bool {
	return !equalService(existing, host, name, serviceType, subTypes, port, txt)
}

func chainResult(first, second ResultFunc) ResultFunc {
	return func(err error) {
		if first != nil {
			first(err)
		}
		if second != nil {
			second(err)
		}
	}
}

func (p *Publisher) forwardService(key serviceKey, reg *ServiceRegistration) {
	params := mdnsbackend.ServiceParams{
		Host: reg.Host, Name: reg.Name, Type: reg.Type, SubTypes: reg.SubTypes, Port: reg.Port,
		Txt: toBackendTxt(reg.Txt),
	}

	handle, err := p.backend.PublishService(params, func(err error) {
		p.queue.Post(func() {
			p.mu.Lock()
			cur, ok := p.services[key]
			if !ok || cur != reg {
				p.mu.Unlock()
				return
			}
			cb := reg.callback
			var handle mdnsbackend.ServiceHandle
			if err == nil {
				reg.state = stateCompleted
			} else {
				// A post-commit failure (e.g. an Avahi Collision/Failure
				// signal) means this registration is dead: drop it from
				// the table so a later PublishService for the same key
				// starts fresh instead of chaining onto a registration
				// that can never complete.
				delete(p.services, key)
				handle = reg.handle
			}
			p.mu.Unlock()
			if handle != nil {
				if uerr := p.backend.UnpublishService(handle); uerr != nil {
					log.Warn("unpublish after failed commit failed", "name", reg.Name, "error", uerr)
				}
			}
			if cb != nil {
				cb(err)
			}
		})
	})
	if err != nil {
		p.mu.Lock()
		delete(p.services, key)
		cb := reg.callback
		p.mu.Unlock()
		if cb != nil {
			cb(err)
		}
		return
	}

	p.mu.Lock()
	reg.handle = handle
	p.mu.Unlock()
}

func (p *Publisher) abortAndRemoveService(key serviceKey, reg *ServiceRegistration) {
	p.mu.Lock()
	if cur, ok := p.services[key]; ok && cur == reg {
		delete(p.services, key)
	}
	handle := reg.handle
	cb := reg.callback
	wasPending := reg.state == statePending
	p.mu.Unlock()

	if handle != nil {
		if err := p.backend.UnpublishService(handle); err != nil {
			log.Warn("unpublish during reconciliation failed", "name", reg.Name, "error", err)
		}
	}
	if wasPending && cb != nil {
		cb(dnserr.New("publisher.PublishService", dnserr.Aborted))
	}
}

// UnpublishService releases the registration for (name, type). Any
// still-pending callback fires with dnserr.Aborted before release, per
// §5's cancellation contract.
func (p *Publisher) UnpublishService(name, serviceType string) error {
	key := serviceKey{name: name, typ: normalizeType(serviceType)}

	p.mu.Lock()
	reg, ok := p.services[key]
	if !ok {
		p.mu.Unlock()
		return dnserr.New("publisher.UnpublishService", dnserr.NotFound)
	}
	delete(p.services, key)
	handle := reg.handle
	cb := reg.callback
	wasPending := reg.state == statePending
	p.mu.Unlock()

	if wasPending && cb != nil {
		cb(dnserr.New("publisher.UnpublishService", dnserr.Aborted))
	}
	if handle == nil {
		return nil
	}
	return p.backend.UnpublishService(handle)
}

// FindServiceRegistration looks up the current registration for
// (name, type), if any.
func (p *Publisher) FindServiceRegistration(name, serviceType string) (*ServiceRegistration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.services[serviceKey{name: name, typ: normalizeType(serviceType)}]
	return reg, ok
}
