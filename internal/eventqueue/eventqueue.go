// Package eventqueue gives a goroutine outside the mainloop thread a
// safe way to hand work back to it: exactly the marshalling the
// concurrency model requires when a backend (or a library it embeds)
// runs its own goroutines for I/O it doesn't expose as raw fds.
//
// It uses the classic self-pipe trick: Post appends a closure and
// writes one byte to a pipe; the pipe's read end is a mainloop.Participant
// so select() wakes up and Process drains and runs every pending
// closure on the mainloop thread, in the order they were posted.
package eventqueue

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-dnssd/internal/mainloop"
	"github.com/openthread/otbr-dnssd/internal/otlog"
)

var log = otlog.Logger("eventqueue")

// Queue implements mainloop.Participant.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	readFile  *os.File
	writeFile *os.File
}

var _ mainloop.Participant = (*Queue)(nil)

// New creates a Queue and its self-pipe.
func New() (*Queue, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	return &Queue{readFile: r, writeFile: w}, nil
}

// Post enqueues fn to run on the mainloop thread during the next
// Process call, and wakes the select loop so that happens promptly.
// Safe to call from any goroutine, including after Close (the closure
// is silently dropped).
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	if _, err := q.writeFile.Write([]byte{0}); err != nil {
		log.Debug("wake write failed", "error", err)
	}
}

// Close releases the pipe. Any closures posted afterward are dropped.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	werr := q.writeFile.Close()
	rerr := q.readFile.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Update implements mainloop.Participant.
func (q *Queue) Update(ctx *mainloop.Context) {
	ctx.AddFd(int(q.readFile.Fd()), true, false, true)
}

// Process implements mainloop.Participant: drains the wake byte(s),
// then runs every closure queued up to this point. Closures queued by
// a closure running inside this same Process call run on the next
// tick, not this one — matching "copy-before-iterate" discipline
// elsewhere in this subsystem.
func (q *Queue) Process(ctx *mainloop.Context) {
	if !ctx.IsReadable(int(q.readFile.Fd())) {
		return
	}

	buf := make([]byte, 64)
	for {
		n, err := q.readFile.Read(buf)
		if n <= 0 || err != nil {
			break
		}
	}

	q.mu.Lock()
	fns := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
