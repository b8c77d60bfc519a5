package avahi

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openthread/otbr-dnssd/internal/mdnsbackend"
)

func TestTxtEntriesToDBus(t *testing.T) {
	entries := []mdnsbackend.TxtEntry{
		{Name: "rv", Value: []byte("1")},
		{Name: "tv", Value: []byte("1.3.0")},
	}
	out := txtEntriesToDBus(entries)
	assert.Equal(t, [][]byte{[]byte("rv=1"), []byte("tv=1.3.0")}, out)
}

func TestTxtToWire(t *testing.T) {
	wire := txtToWire([][]byte{[]byte("rv=1"), []byte("tv=1.3.0")})
	assert.Equal(t, byte(len("rv=1")), wire[0])
	assert.Equal(t, "rv=1", string(wire[1:1+len("rv=1")]))
}

func TestResolverKeyUniqueness(t *testing.T) {
	a := resolverKey(1, 0, "router1")
	b := resolverKey(1, 1, "router1")
	c := resolverKey(2, 0, "router1")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestEnsureDot(t *testing.T) {
	assert.Equal(t, "router1.local.", ensureDot("router1.local"))
	assert.Equal(t, "router1.local.", ensureDot("router1.local."))
	assert.Equal(t, "", ensureDot(""))
}

func TestProtoForAddr(t *testing.T) {
	assert.Equal(t, protoInet, protoForAddr(net.ParseIP("192.168.1.1")))
	assert.Equal(t, protoInet6, protoForAddr(net.ParseIP("2001:db8::1")))
}
