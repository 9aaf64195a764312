package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

// pipeHandle wraps one end of an in-memory net.Pipe so tests can
// exercise Port/Registry/Node without a real socket.
type pipeHandle struct {
	conn net.Conn
	id   uintptr
}

func (h *pipeHandle) Read(p []byte) (int, error)  { return h.conn.Read(p) }
func (h *pipeHandle) Write(p []byte) (int, error) { return h.conn.Write(p) }
func (h *pipeHandle) Close() error                { return h.conn.Close() }
func (h *pipeHandle) ID() uintptr                 { return h.id }

var (
	fakeIDMu sync.Mutex
	fakeID   uintptr
)

func nextFakeID() uintptr {
	fakeIDMu.Lock()
	defer fakeIDMu.Unlock()
	fakeID++
	return fakeID
}

func newPipePair() (*pipeHandle, *pipeHandle) {
	a, b := net.Pipe()
	return &pipeHandle{conn: a, id: nextFakeID()}, &pipeHandle{conn: b, id: nextFakeID()}
}

// fakeEvent is an in-process wake Event. Unlike a bare channel, it is
// tied to the fakeTransport it was created from: Set() pushes its
// handle onto that transport's ready channel, so a WaitAny call
// blocked on this event's handle (as the poller always includes at
// index 0) actually observes the wake the same way an eventfd would.
type fakeEvent struct {
	transport *fakeTransport
	handle    *fakeEventHandle
	set       int32 // atomic, 0/1
}

func newFakeEvent(t *fakeTransport) *fakeEvent {
	e := &fakeEvent{transport: t}
	e.handle = &fakeEventHandle{e}
	return e
}

func (e *fakeEvent) Set() {
	if atomic.SwapInt32(&e.set, 1) == 1 {
		return
	}
	select {
	case e.transport.ready <- e.handle:
	default:
	}
}

func (e *fakeEvent) Clear() {
	atomic.StoreInt32(&e.set, 0)
}

func (e *fakeEvent) Handle() Handle { return e.handle }

// fakeEventHandle adapts fakeEvent to Handle so it can sit in a
// fakeTransport.WaitAny handle list alongside stream handles.
type fakeEventHandle struct {
	e *fakeEvent
}

func (h *fakeEventHandle) Read(p []byte) (int, error)  { return 0, io.EOF }
func (h *fakeEventHandle) Write(p []byte) (int, error) { return 0, io.EOF }
func (h *fakeEventHandle) Close() error                { return nil }
func (h *fakeEventHandle) ID() uintptr                 { return 0 }

// fakeTransport implements core.Transport for tests: WaitAny blocks on
// a test-driven notification channel instead of a real OS primitive,
// so tests control exactly when a handle becomes "ready" without
// racing destructive reads against the handle under test.
type fakeTransport struct {
	mu       sync.Mutex
	conns    chan *pipeHandle
	closed   map[uintptr]bool
	readable map[uintptr]bool

	ready chan Handle
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		conns:    make(chan *pipeHandle, 16),
		closed:   make(map[uintptr]bool),
		readable: make(map[uintptr]bool),
		ready:    make(chan Handle, 16),
	}
}

// signalReady marks h ready and wakes whichever WaitAny call is
// currently blocked (or the next one, since the channel is buffered).
func (t *fakeTransport) signalReady(h Handle) {
	t.mu.Lock()
	t.readable[h.ID()] = true
	t.mu.Unlock()
	t.ready <- h
}

func (t *fakeTransport) markDisconnected(h Handle) {
	t.mu.Lock()
	t.closed[h.ID()] = true
	t.mu.Unlock()
	t.ready <- h
}

func (t *fakeTransport) offerConn(h *pipeHandle) {
	t.conns <- h
}

func (t *fakeTransport) Open(ctx context.Context, uri string) (Handle, error) {
	return nil, fmt.Errorf("fakeTransport: Open not supported, build pipe pairs directly in tests")
}

func (t *fakeTransport) Accept(server Handle) (Handle, error) {
	h, ok := <-t.conns
	if !ok {
		return nil, io.EOF
	}
	return h, nil
}

func (t *fakeTransport) QueryAttrs(h Handle) (Attrs, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Attrs{
		Readable:     t.readable[h.ID()],
		Writable:     true,
		Disconnected: t.closed[h.ID()],
	}, nil
}

// WaitAny returns the next handle signaled ready, in signal order, that
// is among handles, blocking until one is. Signals for handles not in
// the list are consumed and dropped.
func (t *fakeTransport) WaitAny(handles []Handle, timeout time.Duration) (Handle, error) {
	want := make(map[Handle]bool, len(handles))
	for _, h := range handles {
		want[h] = true
	}
	for {
		h := <-t.ready
		if want[h] {
			return h, nil
		}
	}
}

func (t *fakeTransport) NewEvent() (Event, error) {
	return newFakeEvent(t), nil
}

func testLogger() types.Logger {
	return &nullLogger{}
}

type nullLogger struct{}

func (nullLogger) Info(v ...interface{})                  {}
func (nullLogger) Infof(format string, v ...interface{})  {}
func (nullLogger) Warn(v ...interface{})                  {}
func (nullLogger) Warnf(format string, v ...interface{})  {}
func (nullLogger) Error(v ...interface{})                 {}
func (nullLogger) Errorf(format string, v ...interface{}) {}
func (nullLogger) Debug(v ...interface{})                 {}
func (nullLogger) Debugf(format string, v ...interface{}) {}
func (nullLogger) Fatal(v ...interface{})                 {}
func (nullLogger) Fatalf(format string, v ...interface{}) {}
func (nullLogger) ToggleDebug(value bool) bool            { return value }
