//go:build linux
// +build linux

// Package transport provides concrete implementations of core.Transport:
// Unix-domain-socket streams for port I/O, an epoll-based WaitAny on
// Linux, and a reliable-broadcast transport for the distinguished
// broadcast port.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shimcore/ipc/pkg/ipc/core"
	"github.com/shimcore/ipc/pkg/ipc/types"
)

// unixHandle wraps a Unix-domain stream or listener so both satisfy
// core.Handle with a stable ID derived from the underlying file
// descriptor.
type unixHandle struct {
	conn net.Conn
	ln   net.Listener
	fd   uintptr
}

func (h *unixHandle) Read(p []byte) (int, error) {
	if h.conn == nil {
		return 0, types.NewError(types.KindBadHandle, "read on a listening handle")
	}
	return h.conn.Read(p)
}

func (h *unixHandle) Write(p []byte) (int, error) {
	if h.conn == nil {
		return 0, types.NewError(types.KindBadHandle, "write on a listening handle")
	}
	return h.conn.Write(p)
}

func (h *unixHandle) Close() error {
	if h.conn != nil {
		return h.conn.Close()
	}
	if h.ln != nil {
		return h.ln.Close()
	}
	return nil
}

func (h *unixHandle) ID() uintptr {
	return h.fd
}

func (h *unixHandle) String() string {
	return fmt.Sprintf("unix-handle(fd=%d)", h.fd)
}

// UnixTransport implements core.Transport over SOCK_STREAM Unix-domain
// sockets, one net.UnixConn/net.UnixListener per port. Readiness
// waiting is delegated to an EpollWaiter.
type UnixTransport struct {
	waiter *EpollWaiter
}

// NewUnixTransport builds a transport whose WaitAny is backed by a
// Linux epoll set.
func NewUnixTransport() (*UnixTransport, error) {
	w, err := NewEpollWaiter()
	if err != nil {
		return nil, err
	}
	return &UnixTransport{waiter: w}, nil
}

// Open dials uri ("unix:///path/to/socket") and returns a connected
// handle.
func (t *UnixTransport) Open(ctx context.Context, uri string) (core.Handle, error) {
	path := strings.TrimPrefix(uri, "unix://")
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, types.WrapError(types.KindTransport, err, "dial %s", uri)
	}
	return wrapConn(conn)
}

// Listen starts a Unix-domain listener at path and returns it as a
// Handle whose Accept pulls new connections.
func (t *UnixTransport) Listen(path string) (core.Handle, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, types.WrapError(types.KindTransport, err, "listen %s", path)
	}
	return wrapListener(ln)
}

// Accept blocks until server (a listening handle from Listen) has a
// pending connection.
func (t *UnixTransport) Accept(server core.Handle) (core.Handle, error) {
	h, ok := server.(*unixHandle)
	if !ok || h.ln == nil {
		return nil, types.NewError(types.KindBadHandle, "accept called on a non-listening handle")
	}
	conn, err := h.ln.Accept()
	if err != nil {
		return nil, types.WrapError(types.KindTransport, err, "accept")
	}
	return wrapConn(conn)
}

// QueryAttrs probes readability/disconnection with a non-blocking
// MSG_PEEK, the same pattern network pollers use to distinguish "ready
// because more data arrived" from "ready because the peer hung up".
func (t *UnixTransport) QueryAttrs(h core.Handle) (core.Attrs, error) {
	uh, ok := h.(*unixHandle)
	if !ok {
		return core.Attrs{}, types.NewError(types.KindBadHandle, "query_attrs: not a unix handle")
	}
	if uh.ln != nil {
		return core.Attrs{Readable: true, Writable: false}, nil
	}

	buf := make([]byte, 1)
	n, _, err := unix.Recvfrom(int(uh.fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return core.Attrs{Readable: false, Writable: true}, nil
	case err != nil:
		return core.Attrs{Disconnected: true}, nil
	case n == 0:
		return core.Attrs{Disconnected: true}, nil
	default:
		return core.Attrs{Readable: true, Writable: true}, nil
	}
}

// WaitAny delegates to the transport's epoll set.
func (t *UnixTransport) WaitAny(handles []core.Handle, timeout time.Duration) (core.Handle, error) {
	return t.waiter.WaitAny(handles, timeout)
}

// NewEvent returns an eventfd-backed wake event usable as handles[0]
// in WaitAny.
func (t *UnixTransport) NewEvent() (core.Event, error) {
	return t.waiter.NewEvent()
}

func wrapConn(conn net.Conn) (*unixHandle, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, types.NewError(types.KindBadHandle, "expected *net.UnixConn, got %s", reflect.TypeOf(conn))
	}
	sc, err := uc.SyscallConn()
	if err != nil {
		return nil, types.WrapError(types.KindTransport, err, "syscall conn")
	}
	var fd uintptr
	if ctlErr := sc.Control(func(f uintptr) { fd = f }); ctlErr != nil {
		return nil, types.WrapError(types.KindTransport, ctlErr, "control")
	}
	return &unixHandle{conn: conn, fd: fd}, nil
}

func wrapListener(ln net.Listener) (*unixHandle, error) {
	ul, ok := ln.(*net.UnixListener)
	if !ok {
		return nil, types.NewError(types.KindBadHandle, "expected *net.UnixListener, got %s", reflect.TypeOf(ln))
	}
	sc, err := ul.SyscallConn()
	if err != nil {
		return nil, types.WrapError(types.KindTransport, err, "syscall conn")
	}
	var fd uintptr
	if ctlErr := sc.Control(func(f uintptr) { fd = f }); ctlErr != nil {
		return nil, types.WrapError(types.KindTransport, ctlErr, "control")
	}
	return &unixHandle{ln: ln, fd: fd}, nil
}
