package dso

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestAcceptOneLeavesPortZero exercises a real IPv6 loopback accept to
// confirm sockaddrToDso never reports the dialer's ephemeral source
// port: the accepting side has no business treating it as meaningful.
func TestAcceptOneLeavesPortZero(t *testing.T) {
	listenFd, err := createListener("", 0)
	require.NoError(t, err)
	defer unix.Close(listenFd)

	sa, err := unix.Getsockname(listenFd)
	require.NoError(t, err)
	boundPort := sa.(*unix.SockaddrInet6).Port

	dialFd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	require.NoError(t, err)
	defer unix.Close(dialFd)

	loopback := [16]byte{15: 1} // ::1
	require.NoError(t, unix.Connect(dialFd, &unix.SockaddrInet6{Port: boundPort, Addr: loopback}))

	var peer struct {
		ok bool
	}
	for i := 0; i < 100 && !peer.ok; i++ {
		newFd, addr, ok, aerr := acceptOne(listenFd)
		require.NoError(t, aerr)
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		defer unix.Close(newFd)
		assert.Equal(t, uint16(0), addr.Port)
		peer.ok = true
	}
	require.True(t, peer.ok, "accept never became ready")
}
