package dso

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-dnssd/pkg/dnserr"
	"github.com/openthread/otbr-dnssd/pkg/dsoapi"
)

// createListener opens a non-blocking IPv6 TCP listening socket bound
// to [::]:port, scoped to netif when non-empty, per §4.5: SO_REUSEADDR
// and SO_REUSEPORT so a restart doesn't collide with a lingering
// socket, SO_BINDTODEVICE so the listener only ever sees the infra
// interface, backlog 10.
func createListener(netif string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, dnserr.Wrap("dso.createListener", dnserr.Failed, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, dnserr.Wrap("dso.createListener", dnserr.Failed, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, dnserr.Wrap("dso.createListener", dnserr.Failed, err)
	}
	if netif != "" {
		if err := unix.BindToDevice(fd, netif); err != nil {
			unix.Close(fd)
			return -1, dnserr.Wrap("dso.createListener", dnserr.Failed, err)
		}
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, dnserr.Wrap("dso.createListener", dnserr.Failed, err)
	}

	sa := &unix.SockaddrInet6{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, dnserr.Wrap("dso.createListener", dnserr.Failed, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, dnserr.Wrap("dso.createListener", dnserr.Failed, err)
	}
	return fd, nil
}

// listenBacklog matches §4.5's fixed backlog of 10.
const listenBacklog = 10

// acceptOne accepts a single pending connection off fd, returning the
// new non-blocking fd and the peer's address. ok is false and err is
// nil when fd has no pending connection left (EAGAIN).
func acceptOne(fd int) (newFd int, peer dsoapi.SockAddr, ok bool, err error) {
	nfd, sa, aerr := unix.Accept(fd)
	if aerr != nil {
		if aerr == unix.EAGAIN || aerr == unix.EWOULDBLOCK {
			return -1, dsoapi.SockAddr{}, false, nil
		}
		return -1, dsoapi.SockAddr{}, false, aerr
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, dsoapi.SockAddr{}, false, err
	}

	addr, isV6 := sockaddrToDso(sa)
	if !isV6 {
		// §4.5: an IPv4-shaped peer address is rejected outright; keep
		// accepting so connections queued behind it are still drained.
		unix.Close(nfd)
		return acceptOne(fd)
	}
	return nfd, addr, true, nil
}

// sockaddrToDso converts a unix.Sockaddr from accept into a
// dsoapi.SockAddr. isV6 is false for anything other than
// *unix.SockaddrInet6, which is the rejection signal acceptOne uses.
// Port is always left 0: §4.5/§9 require the accepted peer's port to
// stay unknown (the accepting side never learns the dialer's ephemeral
// source port is meaningful), matching dsoapi.SockAddr.Port's doc.
func sockaddrToDso(sa unix.Sockaddr) (dsoapi.SockAddr, bool) {
	in6, ok := sa.(*unix.SockaddrInet6)
	if !ok {
		return dsoapi.SockAddr{}, false
	}
	ip := make(net.IP, net.IPv6len)
	copy(ip, in6.Addr[:])
	return dsoapi.SockAddr{Address: ip}, true
}

// dsoToSockaddr builds the unix.Sockaddr a non-blocking connect needs
// from a dsoapi.SockAddr.
func dsoToSockaddr(peer dsoapi.SockAddr) (*unix.SockaddrInet6, error) {
	v6 := peer.Address.To16()
	if v6 == nil {
		return nil, dnserr.New("dso.dsoToSockaddr", dnserr.InvalidArgs)
	}
	sa := &unix.SockaddrInet6{Port: int(peer.Port)}
	copy(sa.Addr[:], v6)
	return sa, nil
}
