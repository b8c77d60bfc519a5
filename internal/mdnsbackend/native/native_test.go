package native

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
)

func TestIsVirtualInterfaceName(t *testing.T) {
	tests := []struct {
		name     string
		iface    string
		expected bool
	}{
		{"docker bridge", "docker0", true},
		{"custom docker bridge", "br-abc123", true},
		{"container veth", "veth12345", true},
		{"wireguard", "wg0", true},
		{"tailscale", "tailscale0", true},
		{"tun device", "tun0", true},
		{"ethernet", "eth0", false},
		{"wifi", "wlan0", false},
		{"thread infra netif", "wpan0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isVirtualInterfaceName(tt.iface))
		})
	}
}

func TestIsUsableAddress(t *testing.T) {
	tests := []struct {
		name     string
		ip       net.IP
		expected bool
	}{
		{"loopback v6", net.ParseIP("::1"), false},
		{"unspecified v6", net.ParseIP("::"), false},
		{"link-local v6", net.ParseIP("fe80::1"), false},
		{"multicast v6", net.ParseIP("ff02::fb"), false},
		{"global v6", net.ParseIP("2001:db8::1"), true},
		{"ula v6", net.ParseIP("fd00::1"), true},
		{"loopback v4", net.ParseIP("127.0.0.1"), false},
		{"private v4", net.ParseIP("192.168.1.1"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isUsableAddress(tt.ip))
		})
	}
}

func TestEncodeDecodeHashicorpTXT(t *testing.T) {
	entries := []mdnsbackend.TxtEntry{
		{Name: "rv", Value: []byte("1")},
		{Name: "tv", Value: []byte("1.3.0")},
	}

	encoded := encodeHashicorpTXT(entries)
	assert.Equal(t, []string{"rv=1", "tv=1.3.0"}, encoded)

	decoded := decodeHashicorpTXT(encoded)
	assert.Equal(t, byte(len("rv=1")), decoded[0])
	assert.Equal(t, "rv=1", string(decoded[1:1+len("rv=1")]))
}

func TestHandleEntrySetsNetifIndexFromConfiguredInterface(t *testing.T) {
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	require.NotEmpty(t, ifaces)
	iface := &ifaces[0]

	b := New(Config{Interface: iface})

	var got mdnsbackend.DiscoveredInstanceInfo
	entry := &mdns.ServiceEntry{
		Name:   "router1._meshcop._udp.local.",
		Host:   "router1.local.",
		Port:   49191,
		AddrV6: net.ParseIP("2001:db8::1"),
	}
	b.handleEntry(entry, "_meshcop._udp.local.", "", func(_ string, info mdnsbackend.DiscoveredInstanceInfo) {
		got = info
	})

	assert.Equal(t, iface.Index, got.NetifIndex)
}

func TestHandleEntryLeavesNetifIndexZeroWithoutConfiguredInterface(t *testing.T) {
	b := New(Config{})

	var got mdnsbackend.DiscoveredInstanceInfo
	entry := &mdns.ServiceEntry{
		Name:   "router1._meshcop._udp.local.",
		Host:   "router1.local.",
		Port:   49191,
		AddrV6: net.ParseIP("2001:db8::1"),
	}
	b.handleEntry(entry, "_meshcop._udp.local.", "", func(_ string, info mdnsbackend.DiscoveredInstanceInfo) {
		got = info
	})

	assert.Equal(t, 0, got.NetifIndex)
}

func TestHandleEntryReturnsForwardedInstanceName(t *testing.T) {
	b := New(Config{})

	entry := &mdns.ServiceEntry{
		Name:   "router1._meshcop._udp.local.",
		Host:   "router1.local.",
		Port:   49191,
		AddrV6: net.ParseIP("2001:db8::1"),
	}
	inst := b.handleEntry(entry, "_meshcop._udp.local.", "", func(string, mdnsbackend.DiscoveredInstanceInfo) {})
	assert.Equal(t, "router1", inst)
}

func TestHandleEntryReturnsEmptyOnMismatch(t *testing.T) {
	b := New(Config{})

	entry := &mdns.ServiceEntry{Name: "router1._other._udp.local."}
	inst := b.handleEntry(entry, "_meshcop._udp.local.", "", func(string, mdnsbackend.DiscoveredInstanceInfo) {
		t.Fatal("onInstance should not be called for a non-matching entry")
	})
	assert.Empty(t, inst)
}

func TestInstancesRemovedSinceDiffsAgainstCurrentRound(t *testing.T) {
	seen := map[string]bool{"router1": true, "router2": true}
	current := map[string]bool{"router1": true}

	removed := instancesRemovedSince(seen, current, nil)
	require.Len(t, removed, 1)
	assert.Equal(t, "router2", removed[0].Name)
	assert.True(t, removed[0].Removed)
	assert.Equal(t, 0, removed[0].NetifIndex)
}

func TestInstancesRemovedSinceStampsNetifIndex(t *testing.T) {
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	require.NotEmpty(t, ifaces)
	iface := &ifaces[0]

	removed := instancesRemovedSince(map[string]bool{"router1": true}, map[string]bool{}, iface)
	require.Len(t, removed, 1)
	assert.Equal(t, iface.Index, removed[0].NetifIndex)
}

func TestInstancesRemovedSinceEmptyWhenNothingDropped(t *testing.T) {
	seen := map[string]bool{"router1": true}
	current := map[string]bool{"router1": true}
	assert.Empty(t, instancesRemovedSince(seen, current, nil))
}

func TestAddressZoneRecords(t *testing.T) {
	zone := &addressZone{fqdn: "router1.local.", addr: net.ParseIP("2001:db8::1")}

	rrs := zone.Records(dns.Question{Name: "router1.local.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET})
	assert.Len(t, rrs, 1)

	none := zone.Records(dns.Question{Name: "other.local.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET})
	assert.Empty(t, none)
}
