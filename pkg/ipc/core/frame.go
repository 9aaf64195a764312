package core

import (
	"context"
	"time"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

// Send writes frame atomically to port's handle. I/O errors propagate
// to the caller; Send never removes the port itself. Teardown is the
// receive path's and the poller's job, so a single failed send from an
// arbitrary caller cannot race a concurrent receive loop's own
// teardown of the same port.
func (n *Node) Send(frame *types.Frame, port *Port) error {
	buf := frame.Marshal()
	if _, err := port.Handle.Write(buf); err != nil {
		return types.WrapError(types.KindTransport, err, "send to %s", port.PeerID())
	}
	return nil
}

// respond synthesizes and sends a response frame. A nil body encodes
// the bare 4-byte retval; a non-nil body (from a callback that
// returned one, e.g. an echo) is sent instead.
func (n *Node) respond(port *Port, dst types.VMID, seq types.Seq, retval int32, body []byte) error {
	if body == nil {
		body = make([]byte, 4)
		body[0] = byte(retval)
		body[1] = byte(retval >> 8)
		body[2] = byte(retval >> 16)
		body[3] = byte(retval >> 24)
	}
	resp := &types.Frame{Code: codeResp, Src: n.SelfID, Dst: dst, Seq: seq, Body: body}
	return n.Send(resp, port)
}

// codeResp is the built-in response message code, always dispatched
// to completePendingReply before user callbacks run.
const codeResp types.Code = 0

// Receive reads frames from port until the port disconnects, one
// matching frame is found (expectedSeq != 0), or the currently
// readable frames are exhausted (expectedSeq == 0: drain-and-return,
// the poller's usage).
//
// A read that returns zero bytes or a transport error removes the
// port via DelWithFinalization with a child-lost exit code before
// returning.
//
// Partial frame bytes persist on the port between calls, so a frame
// split across several readiness wake-ups still assembles into the
// same bytes an atomic read would have produced.
func (n *Node) Receive(port *Port, expectedSeq types.Seq) (*types.Frame, error) {
	asm := port.asm
	buf := make([]byte, types.MinFrameSize+types.Readahead)

	for {
		count, err := port.Handle.Read(buf)
		if count == 0 || err != nil {
			n.Registry.DelWithFinalization(port, -int(types.KindChildLost))
			if err != nil {
				return nil, types.WrapError(types.KindChildLost, err, "receive from %s", port.PeerID())
			}
			return nil, types.ChildLost
		}
		asm.Feed(buf[:count])

		for {
			frame, ok, ferr := asm.Next()
			if ferr != nil {
				return nil, types.WrapError(types.KindInvalid, ferr, "malformed frame from %s", port.PeerID())
			}
			if !ok {
				break
			}

			if expectedSeq != 0 && frame.Seq == expectedSeq {
				return frame, nil
			}

			if frame.Src == n.SelfID {
				// Loopback on the broadcast channel: discard silently.
				continue
			}

			n.dispatch(frame, port)

			if expectedSeq == 0 && !asm.Pending() {
				// Caller asked us to drain what's currently readable,
				// and nothing is waiting reassembly.
				return nil, nil
			}
		}

		if expectedSeq == 0 {
			return nil, nil
		}
	}
}

// dispatch runs the registered callback for frame.Code, completing a
// pending reply first (the response-callback match), then invoking
// the user callback and reflecting its result back as a response when
// the frame requested one.
func (n *Node) dispatch(frame *types.Frame, port *Port) {
	if frame.Code == codeResp {
		if frame.Seq != 0 {
			port.completePendingReply(frame.Seq, frame)
		}
		return
	}

	cb, ok := n.Callbacks[frame.Code]
	if !ok {
		n.Log.Warnf("no callback registered for code %d from %s", frame.Code, frame.Src)
		return
	}

	result, replyBody := cb(frame, port)
	if frame.Seq == 0 {
		return
	}

	switch {
	case result == ResponseCallback:
		if err := n.respond(port, frame.Src, frame.Seq, 0, replyBody); err != nil {
			n.Log.Errorf("failed sending response to %s: %v", frame.Src, err)
		}
	case result < 0:
		if err := n.respond(port, frame.Src, frame.Seq, int32(result), nil); err != nil {
			n.Log.Errorf("failed sending response to %s: %v", frame.Src, err)
		}
	}
}

// SendRequest allocates a sequence number, registers a pending-reply
// descriptor, sends, then waits for either a matching response or
// ctx's cancellation.
func (n *Node) SendRequest(ctx context.Context, port *Port, code types.Code, body []byte) (*types.Frame, error) {
	seq := n.nextSeq()
	frame := &types.Frame{Code: code, Src: n.SelfID, Dst: port.PeerID(), Seq: seq, Body: body}

	pr := port.addPendingReply(seq)
	if err := n.Send(frame, port); err != nil {
		port.removePendingReply(seq)
		return nil, err
	}

	select {
	case res := <-pr.result:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-ctx.Done():
		port.removePendingReply(seq)
		return nil, ctx.Err()
	}
}

// Broadcast prefers the distinguished broadcast port when targetType
// is zero, otherwise fans out to every matching, non-excluded port in
// the pollable list. Per-port send failures are logged, never
// aggregated into an error: broadcast as a whole never fails.
func (n *Node) Broadcast(frame *types.Frame, exclude map[*Port]struct{}, targetType types.PortType) {
	if targetType == 0 {
		if bp := n.Registry.AcquireBroadcastPort(); bp != nil {
			_, excluded := exclude[bp]
			if !excluded {
				if err := n.Send(frame, bp); err != nil {
					n.Log.Errorf("broadcast over broadcast port failed: %v", err)
				}
				bp.Release()
				return
			}
			bp.Release()
		}
	}

	n.Registry.ForEachPollable(func(p *Port) bool {
		if targetType != 0 && !p.typeMask.Any(targetType) {
			return true
		}
		if _, excluded := exclude[p]; excluded {
			return true
		}
		out := *frame
		out.Dst = p.peerID
		if err := n.Send(&out, p); err != nil {
			n.Log.Errorf("broadcast to %s failed: %v", p.peerID, err)
		}
		return true
	})
}

// defaultRequestTimeout bounds SendRequestTimeout's wait when callers
// do not want to manage a context directly.
const defaultRequestTimeout = 30 * time.Second

// SendRequestTimeout is a convenience wrapper around SendRequest using
// a bounded context instead of one the caller threads through.
func (n *Node) SendRequestTimeout(port *Port, code types.Code, body []byte, timeout time.Duration) (*types.Frame, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return n.SendRequest(ctx, port, code, body)
}
