// Package mainloop implements the single-threaded, cooperative event
// loop every other component in this subsystem runs on top of.
//
// A Context collects read/write/error fd interest and an earliest
// wake-up deadline from every registered Participant, then Engine.Run
// blocks in a single unix.Select call and dispatches the result back to
// each Participant's Process. This mirrors the update/process split the
// DSO transport and mDNS backends both need: Update never blocks and
// never does I/O, Process only runs after select() says an fd is ready
// or a deadline has passed.
package mainloop

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-dnssd/internal/otlog"
)

var log = otlog.Logger("mainloop")

// Participant is implemented by anything that owns file descriptors or
// timers the loop must watch.
type Participant interface {
	// Update adds this participant's fd interest and timeout to ctx.
	// Must not block and must not perform I/O.
	Update(ctx *Context)
	// Process reacts to a completed select() call. ctx carries which
	// fds were ready; it does not record how much time elapsed.
	Process(ctx *Context)
}

// Context accumulates interest before select() and results after it.
type Context struct {
	readFds  unix.FdSet
	writeFds unix.FdSet
	errFds   unix.FdSet
	maxFd    int

	// timeout is the smallest relative deadline requested by any
	// participant's Update call; nil means "no participant armed a
	// timer this tick".
	timeout *time.Duration
}

func newContext() *Context {
	return &Context{}
}

// AddFd registers interest in fd becoming readable/writable/erroring.
func (c *Context) AddFd(fd int, read, write, errInterest bool) {
	if fd < 0 {
		return
	}
	if read {
		c.readFds.Set(fd)
	}
	if write {
		c.writeFds.Set(fd)
	}
	if errInterest {
		c.errFds.Set(fd)
	}
	if fd > c.maxFd {
		c.maxFd = fd
	}
}

// SetTimeout folds d into the earliest-wake deadline for this tick. A
// Participant calls this with the time remaining until its next timer
// fires; the engine uses the minimum across all participants.
func (c *Context) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if c.timeout == nil || d < *c.timeout {
		c.timeout = &d
	}
}

// IsReadable reports whether fd was ready for reading after select().
func (c *Context) IsReadable(fd int) bool {
	return fd >= 0 && c.readFds.IsSet(fd)
}

// IsWritable reports whether fd was ready for writing after select().
func (c *Context) IsWritable(fd int) bool {
	return fd >= 0 && c.writeFds.IsSet(fd)
}

// IsErrored reports whether fd reported an error condition after
// select(). Go's select(2) wrapper folds HUP into the error set, per
// the poll bridge contract (HUP may be mapped to ERR).
func (c *Context) IsErrored(fd int) bool {
	return fd >= 0 && c.errFds.IsSet(fd)
}

// Engine runs Participants on one goroutine until its context is
// cancelled.
type Engine struct {
	participants []Participant
}

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Register adds p to the set of participants ticked every iteration.
// Not safe to call concurrently with Run.
func (e *Engine) Register(p Participant) {
	e.participants = append(e.participants, p)
}

// defaultTick bounds how long a single select() call can block when no
// participant armed a timer, so a cancelled ctx is still observed
// promptly.
const defaultTick = 1 * time.Second

// Run blocks, ticking the loop until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		mlCtx := newContext()
		// Copy the participant slice before dispatch so a callback
		// that mutates e.participants (by registering/unregistering)
		// during this tick can't corrupt the iteration in progress.
		participants := append([]Participant(nil), e.participants...)
		for _, p := range participants {
			p.Update(mlCtx)
		}

		tick := defaultTick
		if mlCtx.timeout != nil && *mlCtx.timeout < tick {
			tick = *mlCtx.timeout
		}

		n, err := selectTimeout(mlCtx, tick)
		if err != nil && err != unix.EINTR {
			log.Error("select failed", "error", err)
			return err
		}
		_ = n

		for _, p := range participants {
			p.Process(mlCtx)
		}
	}
}

// selectTimeout runs unix.Select with ctx's accumulated fd sets and the
// given relative timeout, mutating ctx's fd sets in place to hold the
// post-select ready sets (matching Linux select(2) semantics, which
// mainloop.Context's IsReadable/IsWritable/IsErrored rely on).
func selectTimeout(ctx *Context, timeout time.Duration) (int, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.Select(ctx.maxFd+1, &ctx.readFds, &ctx.writeFds, &ctx.errFds, &tv)
}
