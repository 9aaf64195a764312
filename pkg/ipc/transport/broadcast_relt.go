//go:build linux
// +build linux

package transport

import (
	"context"
	"os"

	"github.com/jabolina/relt/pkg/relt"

	"github.com/shimcore/ipc/pkg/ipc/core"
	"github.com/shimcore/ipc/pkg/ipc/types"
)

// reltHandle adapts github.com/jabolina/relt's publish/subscribe API
// into a core.Handle: writes become relt broadcasts, and delivered
// messages are copied into a pipe so Read blocks the same way a stream
// socket's Read would. The pipe's read end gives the handle a real
// file descriptor WaitAny's epoll set can watch like any other port.
type reltHandle struct {
	r      *relt.Relt
	group  relt.GroupAddress
	ctx    context.Context
	cancel context.CancelFunc

	pr *os.File
	pw *os.File

	log types.Logger
}

// NewBroadcastHandle opens a reliable multicast group named group and
// returns a core.Handle usable as the well-known broadcast port.
func NewBroadcastHandle(selfName, group string, log types.Logger) (core.Handle, error) {
	conf := relt.DefaultReltConfiguration()
	conf.Name = selfName
	conf.Exchange = relt.GroupAddress(group)
	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, types.WrapError(types.KindTransport, err, "open broadcast group %s", group)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		_ = r.Close()
		return nil, types.WrapError(types.KindTransport, err, "broadcast pipe")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &reltHandle{
		r:      r,
		group:  relt.GroupAddress(group),
		ctx:    ctx,
		cancel: cancel,
		pr:     pr,
		pw:     pw,
		log:    log,
	}
	go h.pump()
	return h, nil
}

// pump copies every message relt delivers into the handle's pipe so
// Read observes it as an ordinary stream read.
func (h *reltHandle) pump() {
	listener, err := h.r.Consume()
	if err != nil {
		h.log.Errorf("broadcast consume failed: %v", err)
		return
	}
	for {
		select {
		case <-h.ctx.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			if recv.Error != nil {
				h.log.Warnf("broadcast delivery error: %v", recv.Error)
				continue
			}
			if _, err := h.pw.Write(recv.Data); err != nil {
				return
			}
		}
	}
}

func (h *reltHandle) Read(p []byte) (int, error) {
	return h.pr.Read(p)
}

func (h *reltHandle) Write(p []byte) (int, error) {
	msg := relt.Send{Address: h.group, Data: append([]byte(nil), p...)}
	if err := h.r.Broadcast(h.ctx, msg); err != nil {
		return 0, types.WrapError(types.KindTransport, err, "broadcast write")
	}
	return len(p), nil
}

func (h *reltHandle) Close() error {
	h.cancel()
	_ = h.pw.Close()
	_ = h.pr.Close()
	return h.r.Close()
}

func (h *reltHandle) ID() uintptr {
	return h.pr.Fd()
}
