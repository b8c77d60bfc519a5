// Package dnserr defines the error taxonomy shared by the mDNS
// publisher/subscriber and the DSO transport agent.
//
// Backend- and transport-specific failures are mapped exactly once, at
// the seam where they cross into this subsystem, into one of the Codes
// below. Everything above that seam (publisher, subscriber, SRPL glue,
// DSO agent) only ever sees a *dnserr.Error, possibly wrapping one of
// the sentinels below.
package dnserr

import (
	"errors"
	"fmt"
)

// Code is the error taxonomy from the subsystem's error handling design.
type Code int

const (
	// None indicates success; operations return a nil error, not this.
	None Code = iota
	// InvalidArgs covers malformed inputs, oversized TXT records, wrong
	// address sizes.
	InvalidArgs
	// InvalidState covers an operation attempted before the subsystem
	// (or the specific resource) is ready.
	InvalidState
	// NotFound covers lookups for a registration or subscription that
	// does not exist.
	NotFound
	// Duplicated covers a name collision reported by the mDNS backend.
	Duplicated
	// NotImplemented covers operations a given backend variant does not
	// support.
	NotImplemented
	// Aborted covers a registration torn down before its callback fired.
	Aborted
	// Mdns covers backend-specific failures that don't fit a more
	// specific code.
	Mdns
	// Failed covers DSO transport failures (connect, send, socket).
	Failed
	// Timeout covers operations that exceeded a deadline.
	Timeout
)

func (c Code) String() string {
	switch c {
	case None:
		return "none"
	case InvalidArgs:
		return "invalid-args"
	case InvalidState:
		return "invalid-state"
	case NotFound:
		return "not-found"
	case Duplicated:
		return "duplicated"
	case NotImplemented:
		return "not-implemented"
	case Aborted:
		return "aborted"
	case Mdns:
		return "mdns"
	case Failed:
		return "failed"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error pairs a Code with the operation that produced it and, optionally,
// the underlying error it wraps.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error for op with no wrapped cause.
func New(op string, code Code) *Error {
	return &Error{Op: op, Code: code}
}

// Wrap builds an *Error for op, wrapping cause under code.
func Wrap(op string, code Code, cause error) *Error {
	return &Error{Op: op, Code: code, Err: cause}
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error; otherwise it returns Mdns as the catch-all for unclassified
// backend failures.
func CodeOf(err error) Code {
	if err == nil {
		return None
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return Mdns
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Sentinel errors for conditions that recur across every component and
// don't need per-call Op context at the construction site; callers wrap
// them with fmt.Errorf("%w: ...") when more context is useful.
var (
	ErrAlreadyStarted = errors.New("dnssd: already started")
	ErrAlreadyClosed  = errors.New("dnssd: already closed")
	ErrNotStarted     = errors.New("dnssd: not started")
	ErrNilArgument    = errors.New("dnssd: nil argument")
)
