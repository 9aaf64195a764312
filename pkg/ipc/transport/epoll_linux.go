//go:build linux
// +build linux

package transport

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shimcore/ipc/pkg/ipc/core"
	"github.com/shimcore/ipc/pkg/ipc/types"
)

// EpollWaiter implements the blocking wait-any-of-handles primitive
// core.Transport requires with Linux epoll. The watched fd set is
// reconciled against the caller's handle list on every wait, so the
// epoll set tracks the poller's watch-set without explicit
// register/unregister calls.
type EpollWaiter struct {
	epfd int

	mu       sync.Mutex
	byFD     map[int]core.Handle
	watching map[int]bool
}

// NewEpollWaiter creates an empty epoll set.
func NewEpollWaiter() (*EpollWaiter, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, types.WrapError(types.KindTransport, err, "epoll_create1")
	}
	return &EpollWaiter{
		epfd:     fd,
		byFD:     make(map[int]core.Handle),
		watching: make(map[int]bool),
	}, nil
}

// WaitAny registers any new handles, drops any no longer present, and
// blocks in epoll_wait for the first one to become ready. timeout <= 0
// waits indefinitely, the only mode the poller itself uses; a positive
// timeout that elapses with nothing ready returns a TryAgain error.
func (w *EpollWaiter) WaitAny(handles []core.Handle, timeout time.Duration) (core.Handle, error) {
	if err := w.reconcile(handles); err != nil {
		return nil, err
	}

	msec := -1
	if timeout > 0 {
		msec = int(timeout.Milliseconds())
	}

	events := make([]unix.EpollEvent, len(handles)+1)
	for {
		n, err := unix.EpollWait(w.epfd, events, msec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, types.WrapError(types.KindTransport, err, "epoll_wait")
		}
		if n == 0 {
			return nil, types.NewError(types.KindTryAgain, "epoll_wait: timed out after %s", timeout)
		}

		w.mu.Lock()
		h, ok := w.byFD[int(events[0].Fd)]
		w.mu.Unlock()
		if !ok {
			continue
		}
		return h, nil
	}
}

func (w *EpollWaiter) reconcile(handles []core.Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	want := make(map[int]core.Handle, len(handles))
	for _, h := range handles {
		want[int(h.ID())] = h
	}

	for fd := range w.watching {
		if _, ok := want[fd]; !ok {
			_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(w.watching, fd)
			delete(w.byFD, fd)
		}
	}

	for fd, h := range want {
		if w.watching[fd] {
			continue
		}
		ev := &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR,
			Fd:     int32(fd),
		}
		if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
			return types.WrapError(types.KindTransport, err, "epoll_ctl add fd=%d", fd)
		}
		w.watching[fd] = true
		w.byFD[fd] = h
	}
	return nil
}

// NewEvent returns an eventfd-backed Event suitable as handles[0] in
// WaitAny.
func (w *EpollWaiter) NewEvent() (core.Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, types.WrapError(types.KindTransport, err, "eventfd")
	}
	return &epollEvent{fd: fd}, nil
}

// epollEvent is an eventfd-backed core.Event/core.Handle: Set writes
// one counter increment, Clear drains it, and the fd itself is the
// waitable handle placed into the epoll set.
type epollEvent struct {
	fd int
}

func (e *epollEvent) Set() {
	buf := make([]byte, 8)
	buf[0] = 1
	_, _ = unix.Write(e.fd, buf)
}

func (e *epollEvent) Clear() {
	buf := make([]byte, 8)
	for {
		_, err := unix.Read(e.fd, buf)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err != nil {
			return
		}
	}
}

func (e *epollEvent) Handle() core.Handle {
	return e
}

func (e *epollEvent) Read(p []byte) (int, error) {
	return unix.Read(e.fd, p)
}

func (e *epollEvent) Write(p []byte) (int, error) {
	return unix.Write(e.fd, p)
}

func (e *epollEvent) Close() error {
	return unix.Close(e.fd)
}

func (e *epollEvent) ID() uintptr {
	return uintptr(e.fd)
}
