package native

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
)

// mdnsAddr is the IPv4 and IPv6 mDNS multicast groups, per RFC 6762 §3.
var (
	mdnsAddrV4 = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}
	mdnsAddrV6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: 5353}
)

// hostResolveLoop periodically sends a direct AAAA question for hostName
// over the mDNS multicast groups and delivers every distinct answer set
// it collects within one query window to onHost.
//
// hashicorp/mdns's Query is shaped around PTR/service browsing and has
// no way to address an arbitrary name directly, so host subscriptions
// are served by this smaller, purpose-built resolver instead (grounded
// on the same miekg/dns question/answer shape the rest of the pack's
// mDNS client code uses).
func (b *Backend) hostResolveLoop(ctx context.Context, hostName string, onHost mdnsbackend.HostFunc) {
	fqdn := dns.Fqdn(hostName)

	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: 0})
	if err != nil {
		log.Warn("hostResolveLoop: listen failed", "host", hostName, "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(b.cfg.QueryInterval)
	defer ticker.Stop()

	lastAddrs := map[string]bool{}

	run := func() {
		addrs := b.queryAAAA(conn, fqdn)
		key := map[string]bool{}
		var ips []net.IP
		for _, ip := range addrs {
			key[ip.String()] = true
			ips = append(ips, ip)
		}

		changed := len(key) != len(lastAddrs)
		if !changed {
			for a := range key {
				if !lastAddrs[a] {
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
		lastAddrs = key

		onHost(hostName, mdnsbackend.DiscoveredHostInfo{
			HostName:  hostName,
			Addresses: ips,
			TTL:       defaultTTL,
			Removed:   len(ips) == 0,
		})
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

// queryAAAA sends one AAAA question for fqdn to both mDNS multicast
// groups and collects answers for cfg.QueryTimeout.
func (b *Backend) queryAAAA(conn *net.UDPConn, fqdn string) []net.IP {
	msg := new(dns.Msg)
	msg.Question = []dns.Question{{Name: fqdn, Qtype: dns.TypeAAAA, Qclass: dns.ClassINET}}
	msg.RecursionDesired = false

	packed, err := msg.Pack()
	if err != nil {
		log.Warn("queryAAAA: pack failed", "name", fqdn, "error", err)
		return nil
	}

	if _, err := conn.WriteToUDP(packed, mdnsAddrV6); err != nil {
		log.Debug("queryAAAA: send v6 failed", "name", fqdn, "error", err)
	}
	if v4conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0}); err == nil {
		_, _ = v4conn.WriteToUDP(packed, mdnsAddrV4)
		_ = v4conn.Close()
	}

	deadline := time.Now().Add(b.cfg.QueryTimeout)
	_ = conn.SetReadDeadline(deadline)

	var addrs []net.IP
	buf := make([]byte, 9000)
	for {
		if time.Now().After(deadline) {
			break
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		resp := new(dns.Msg)
		if err := resp.Unpack(buf[:n]); err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			aaaa, ok := rr.(*dns.AAAA)
			if !ok || !equalFold(aaaa.Hdr.Name, fqdn) {
				continue
			}
			if isUsableAddress(aaaa.AAAA) {
				addrs = append(addrs, aaaa.AAAA)
			}
		}
	}
	return addrs
}

func equalFold(a, b string) bool {
	return dns.Fqdn(a) == dns.Fqdn(b)
}
