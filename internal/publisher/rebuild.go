package publisher

// Rebuild re-forwards every currently-registered service and host to
// the backend, used when the Avahi client re-enters Running after a
// Collision or Registering detour: the prior EntryGroups are gone, so
// every registration this Publisher still tracks needs a fresh
// PublishService/PublishHost call against the new client state.
//
// Callers already-completed registrations are flipped back to pending
// before the re-publish so a duplicate-reconciliation race against a
// concurrent new PublishService call for the same key still resolves
// correctly.
func (p *Publisher) Rebuild() {
	p.mu.Lock()
	services := make([]*ServiceRegistration, 0, len(p.services))
	for _, reg := range p.services {
		reg.state = statePending
		reg.handle = nil
		services = append(services, reg)
	}
	hosts := make([]*HostRegistration, 0, len(p.hosts))
	for _, reg := range p.hosts {
		reg.state = statePending
		reg.handle = nil
		hosts = append(hosts, reg)
	}
	p.mu.Unlock()

	for key, reg := range snapshotServiceKeys(services) {
		p.forwardService(key, reg)
	}
	for _, reg := range hosts {
		p.forwardHost(reg)
	}
}

func snapshotServiceKeys(regs []*ServiceRegistration) map[serviceKey]*ServiceRegistration {
	out := make(map[serviceKey]*ServiceRegistration, len(regs))
	for _, reg := range regs {
		out[serviceKey{name: reg.Name, typ: normalizeType(reg.Type)}] = reg
	}
	return out
}
