package dso

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-dnssd/pkg/dsoapi"
)

// connection is one accepted or outbound DSO TCP connection and its
// receive-reassembly state. The state machine mirrors DsoConnection::
// HandleReceive: read a 2-byte big-endian length when no message is
// pending, then accumulate exactly that many bytes before handing the
// message upward.
type connection struct {
	fd   int
	id   int
	peer dsoapi.SockAddr

	// connecting is true between an outbound Connect() call and the fd
	// becoming writable (the non-blocking connect's completion signal).
	connecting bool
	connected  bool

	lenBuf  [lengthPrefixSize]byte
	lenHave int

	needBytes int
	pending   []byte
	haveBytes int

	// outBuf holds already-framed bytes a prior Send couldn't write
	// without blocking. Flushed opportunistically once fd is writable.
	outBuf []byte

	// lastActivity is touched on every successful send or receive.
	// Only consulted when Config.IdleTimeout is nonzero.
	lastActivity time.Time
}

func newConnection(fd, id int, peer dsoapi.SockAddr) *connection {
	return &connection{fd: fd, id: id, peer: peer, lastActivity: time.Now()}
}

func (c *connection) wantsWrite() bool {
	return c.connecting || len(c.outBuf) > 0
}

// enqueue appends a fully-framed message to outBuf and attempts to
// drain as much of it as possible immediately, so a Send on an idle
// connection completes in one syscall rather than waiting for the next
// tick. Whatever can't be written without blocking stays queued.
func (c *connection) enqueue(framed []byte) error {
	c.outBuf = append(c.outBuf, framed...)
	return c.flush()
}

// flush writes as much of outBuf as the socket accepts right now.
func (c *connection) flush() error {
	for len(c.outBuf) > 0 {
		n, err := unix.Write(c.fd, c.outBuf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}
		c.outBuf = c.outBuf[n:]
		c.lastActivity = time.Now()
	}
	return nil
}

// receive drains fd of as many complete DSO messages as are currently
// available, invoking onMessage for each. It returns peerClosed == true
// if the peer performed an orderly shutdown (read returned 0), and
// forciblyAborted == true if a zero-length frame arrived (§4.5: treated
// as a forcible abort signal from the peer).
func (c *connection) receive(onMessage func([]byte)) (peerClosed, forciblyAborted bool, err error) {
	buf := make([]byte, 4096)
	for {
		if c.needBytes == 0 {
			n, rerr := unix.Read(c.fd, c.lenBuf[c.lenHave:])
			if rerr != nil {
				if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
					return false, false, nil
				}
				return false, false, rerr
			}
			if n == 0 {
				return true, false, nil
			}
			c.lastActivity = time.Now()
			c.lenHave += n
			if c.lenHave < lengthPrefixSize {
				continue
			}
			size := binary.BigEndian.Uint16(c.lenBuf[:])
			c.lenHave = 0
			if size == 0 {
				return false, true, nil
			}
			c.needBytes = int(size)
			c.pending = make([]byte, size)
			c.haveBytes = 0
			continue
		}

		want := c.needBytes - c.haveBytes
		if want > len(buf) {
			want = len(buf)
		}
		n, rerr := unix.Read(c.fd, buf[:want])
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
				return false, false, nil
			}
			return false, false, rerr
		}
		if n == 0 {
			return true, false, nil
		}
		c.lastActivity = time.Now()
		copy(c.pending[c.haveBytes:], buf[:n])
		c.haveBytes += n
		if c.haveBytes == c.needBytes {
			msg := c.pending
			c.pending = nil
			c.needBytes = 0
			c.haveBytes = 0
			onMessage(msg)
		}
	}
}

func closeForcibly(fd int) error {
	l := unix.Linger{Onoff: 1, Linger: 0}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &l); err != nil {
		return err
	}
	return unix.Close(fd)
}

func closeGracefully(fd int) error {
	return unix.Close(fd)
}
