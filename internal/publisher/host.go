package publisher

import (
	"net"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
	"github.com/openthread/otbr-dnssd/pkg/dnserr"
)

func equalHost(r *HostRegistration, name string, addr net.IP) bool {
	return r.Name == name && r.Address.Equal(addr)
}

// PublishHost registers a host address, applying the same §4.3
// reconciliation rules as PublishService, keyed by name alone.
func (p *Publisher) PublishHost(name string, addr net.IP, done ResultFunc) error {
	p.mu.Lock()
	existing, found := p.hosts[name]

	if !found {
		reg := &HostRegistration{Name: name, Address: addr, state: statePending, callback: done}
		p.hosts[name] = reg
		p.mu.Unlock()
		p.forwardHost(reg)
		return nil
	}

	if !equalHost(existing, name, addr) {
		p.mu.Unlock()
		p.abortAndRemoveHost(existing)

		p.mu.Lock()
		reg := &HostRegistration{Name: name, Address: addr, state: statePending, callback: done}
		p.hosts[name] = reg
		p.mu.Unlock()
		p.forwardHost(reg)
		return nil
	}

	switch existing.state {
	case stateCompleted:
		p.mu.Unlock()
		if done != nil {
			done(nil)
		}
		return nil
	default:
		prev := existing.callback
		existing.callback = chainResult(prev, done)
		p.mu.Unlock()
		return nil
	}
}

func (p *Publisher) forwardHost(reg *HostRegistration) {
	params := mdnsbackend.HostParams{Name: reg.Name, Address: reg.Address}

	handle, err := p.backend.PublishHost(params, func(err error) {
		p.queue.Post(func() {
			p.mu.Lock()
			cur, ok := p.hosts[reg.Name]
			if !ok || cur != reg {
				p.mu.Unlock()
				return
			}
			cb := reg.callback
			var handle mdnsbackend.HostHandle
			if err == nil {
				reg.state = stateCompleted
			} else {
				delete(p.hosts, reg.Name)
				handle = reg.handle
			}
			p.mu.Unlock()
			if handle != nil {
				if uerr := p.backend.UnpublishHost(handle); uerr != nil {
					log.Warn("unpublish host after failed commit failed", "name", reg.Name, "error", uerr)
				}
			}
			if cb != nil {
				cb(err)
			}
		})
	})
	if err != nil {
		p.mu.Lock()
		delete(p.hosts, reg.Name)
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

func (p *Publisher) abortAndRemoveHost(reg *HostRegistration) {
	p.mu.Lock()
	if cur, ok := p.hosts[reg.Name]; ok && cur == reg {
		delete(p.hosts, reg.Name)
	}
	handle := reg.handle
	cb := reg.callback
	wasPending := reg.state == statePending
	p.mu.Unlock()

	if handle != nil {
		if err := p.backend.UnpublishHost(handle); err != nil {
			log.Warn("unpublish host during reconciliation failed", "name", reg.Name, "error", err)
		}
	}
	if wasPending && cb != nil {
		cb(dnserr.New("publisher.PublishHost", dnserr.Aborted))
	}
}

// UnpublishHost releases the registration for name.
func (p *Publisher) UnpublishHost(name string) error {
	p.mu.Lock()
	reg, ok := p.hosts[name]
	if !ok {
		p.mu.Unlock()
		return dnserr.New("publisher.UnpublishHost", dnserr.NotFound)
	}
	delete(p.hosts, name)
	handle := reg.handle
	cb := reg.callback
	wasPending := reg.state == statePending
	p.mu.Unlock()

	if wasPending && cb != nil {
		cb(dnserr.New("publisher.UnpublishHost", dnserr.Aborted))
	}
	if handle == nil {
		return nil
	}
	return p.backend.UnpublishHost(handle)
}

// FindHostRegistration looks up the current registration for name, if
// any.
func (p *Publisher) FindHostRegistration(name string) (*HostRegistration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.hosts[name]
	return reg, ok
}
