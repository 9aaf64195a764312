package core

import (
	"sync/atomic"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

// Node is the process-wide context object: the registry, the callback
// table, the transport, this instance's own id, and a logger, threaded
// explicitly through frame I/O, the Poller, and the Lifecycle
// controller instead of living in package-level globals.
type Node struct {
	Registry  *Registry
	Callbacks CallbackTable
	Transport Transport
	SelfID    types.VMID
	Log       types.Logger

	seqCounter uint64 // atomic, next sequence number for send_request
	onPoller   int32  // atomic, non-zero while the calling goroutine is the poller's own
}

// onPollerGoroutine reports whether the current call is running on the
// poller's own goroutine (e.g. inside a dispatched callback). The
// answer decides between the reentrant dirty-flag path and the
// cross-thread wake-event path in RestartHelper.
func (n *Node) onPollerGoroutine() bool {
	return atomic.LoadInt32(&n.onPoller) != 0
}

// enterPoller/leavePoller bracket work done on the poller goroutine so
// onPollerGoroutine reports accurately from any reentrant call.
func (n *Node) enterPoller() { atomic.StoreInt32(&n.onPoller, 1) }
func (n *Node) leavePoller() { atomic.StoreInt32(&n.onPoller, 0) }

// nextSeq allocates a unique, non-zero request correlator.
func (n *Node) nextSeq() types.Seq {
	v := atomic.AddUint64(&n.seqCounter, 1)
	return types.Seq(v)
}

// NewNode wires a registry, transport, callback table, and logger into
// one shared context.
func NewNode(selfID types.VMID, transport Transport, callbacks CallbackTable, log types.Logger) *Node {
	return &Node{
		Registry:  NewRegistry(log),
		Callbacks: callbacks,
		Transport: transport,
		SelfID:    selfID,
		Log:       log,
	}
}
