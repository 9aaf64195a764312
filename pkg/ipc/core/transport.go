package core

import (
	"context"
	"time"
)

// Handle is an opaque transport stream: a connected stream, a server
// (listening) stream, or the broadcast stream.
type Handle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// ID returns a value stable for the handle's lifetime, used to
	// recognize "the same handle" across wait-any results and to key
	// the poller's local snapshot.
	ID() uintptr
}

// Attrs is the liveness of a handle as observed without blocking.
type Attrs struct {
	Readable     bool
	Writable     bool
	Disconnected bool
}

// Event is a settable/clearable wake primitive with its own waitable
// Handle, so a waiter blocked on a set of streams can also be woken
// directly.
type Event interface {
	// Set signals the event. Idempotent: setting an already-set event
	// has no additional effect until it is cleared.
	Set()
	// Clear resets the event to the unsignaled state.
	Clear()
	// Handle returns the waitable handle for this event, always placed
	// at index 0 of the poller's watch-set.
	Handle() Handle
}

// Transport is the platform abstraction layer required of the host:
// stream open/accept, a blocking wait-any-of-handles, stream attribute
// queries, and event creation.
// The IPC core never constructs streams itself beyond Accept; dialing
// out is the caller's concern via Open.
type Transport interface {
	Open(ctx context.Context, uri string) (Handle, error)
	Accept(server Handle) (Handle, error)
	QueryAttrs(h Handle) (Attrs, error)

	// WaitAny blocks until one of handles is ready or timeout elapses
	// (timeout <= 0 means wait indefinitely, the only mode the poller
	// itself ever uses). It returns the ready handle.
	WaitAny(handles []Handle, timeout time.Duration) (Handle, error)

	NewEvent() (Event, error)
}
