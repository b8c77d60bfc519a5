package native

import (
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
)

// virtualInterfacePrefixes mirrors the border router's "don't advertise
// on interfaces that can't reach the LAN" filter: VPN tunnels, container
// bridges and the infra-side virtual interfaces a border router host
// tends to also carry.
var virtualInterfacePrefixes = []string{
	"docker", "br-", "veth", "virbr", "vboxnet", "vmnet",
	"tun", "tap", "vlan", "bond", "dummy",
	"tailscale", "wg", "utun", "ipsec",
}

func isVirtualInterfaceName(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range virtualInterfacePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// isUsableAddress filters the address set a subscriber sees down to
// globally- or uniquely-local IPv6 (and routable IPv4) addresses: no
// link-local, loopback, unspecified or multicast noise reaching the
// publisher's registration table.
func isUsableAddress(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

// localAdvertisableIPs collects this host's advertisable addresses,
// preferring a specific interface when iface is non-nil, skipping
// virtual interfaces and down/loopback interfaces otherwise.
func localAdvertisableIPs(iface *net.Interface) []net.IP {
	var ifaces []net.Interface
	if iface != nil {
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return nil
		}
		ifaces = all
	}

	var out []net.IP
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isVirtualInterfaceName(ifc.Name) {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if isUsableAddress(ipNet.IP) {
				out = append(out, ipNet.IP)
			}
		}
	}
	return out
}

// encodeHashicorpTXT adapts our length-prefixed-entries TxtEntry list
// into the "name=value" string slice hashicorp/mdns's NewMDNSService
// expects; it does its own 255-byte-per-string chunking internally.
func encodeHashicorpTXT(entries []mdnsbackend.TxtEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name+"="+string(e.Value))
	}
	return out
}

// decodeHashicorpTXT is the inverse, used when turning a resolved
// ServiceEntry's InfoFields back into a TXT byte blob for the
// publisher/subscriber's own length-prefixed wire format
// (mdnsbackend.DiscoveredInstanceInfo.TxtData).
func decodeHashicorpTXT(fields []string) []byte {
	var buf []byte
	for _, f := range fields {
		if len(f) > 255 {
			f = f[:255]
		}
		buf = append(buf, byte(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// addressZone is a minimal mdns.Zone answering AAAA (and ANY) queries
// for a single host-only registration; it answers no other record
// type, reverse PTR included — the
// counterpart to mdns.NewMDNSService's zone when all we're publishing
// is an address record, not a service.
type addressZone struct {
	fqdn string
	addr net.IP
}

func (z *addressZone) Records(q dns.Question) []dns.RR {
	if !strings.EqualFold(dns.Fqdn(q.Name), dns.Fqdn(z.fqdn)) {
		return nil
	}
	switch q.Qtype {
	case dns.TypeAAAA, dns.TypeANY:
		rr := &dns.AAAA{
			Hdr:  dns.RR_Header{Name: dns.Fqdn(z.fqdn), Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 120},
			AAAA: z.addr,
		}
		return []dns.RR{rr}
	default:
		return nil
	}
}
