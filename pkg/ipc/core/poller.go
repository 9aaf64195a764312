package core

import (
	"github.com/shimcore/ipc/pkg/ipc/types"
)

// watchEntry pairs a pollable port with the transport handle the
// poller is currently watching for it, so a stale snapshot entry can
// be recognized even after the port has been unregistered elsewhere.
type watchEntry struct {
	port   *Port
	handle Handle
}

// Poller is the single dedicated helper goroutine: one blocking
// wait-any-of-handles over a watch-set it rebuilds from the registry's
// pollable list, reconciling its local snapshot with the registry
// inside one critical section per cycle.
type Poller struct {
	node      *Node
	lifecycle *Lifecycle

	wakeEvent Event
	watchSet  []watchEntry

	dirty   chan struct{} // 1-buffered: reentrant "restart the wait" signal
	stopped chan struct{}
	done    chan struct{}
}

// NewPoller builds a poller bound to node. Call Run on its own
// goroutine to run its loop.
func NewPoller(node *Node) (*Poller, error) {
	ev, err := node.Transport.NewEvent()
	if err != nil {
		return nil, types.WrapError(types.KindTransport, err, "create poller wake event")
	}
	return &Poller{
		node:      node,
		wakeEvent: ev,
		dirty:     make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// MarkDirty requests that the poller rebuild its watch-set on its next
// iteration. A caller already running on the poller goroutine (inside
// a dispatched callback) uses this instead of Wake: the poller is
// awake by definition and will drain the flag before its next blocking
// wait, so no event signaling is needed.
func (p *Poller) MarkDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

// Wake signals the poller's wake event from another goroutine, forcing
// a blocked WaitAny to return and reconcile.
func (p *Poller) Wake() {
	p.wakeEvent.Set()
}

// Stop requests the poller loop exit and blocks until it has. It wakes
// the wake-event so a WaitAny currently blocked without a timeout (the
// poller's only mode) actually returns and observes p.stopped, rather
// than leaving the goroutine parked in the transport's blocking call.
func (p *Poller) Stop() {
	close(p.stopped)
	p.wakeEvent.Set()
	<-p.done
}

// Run executes the poller's main loop until Stop is called or, for a
// handed-over helper, its last KEEPALIVE port is gone. It is
// meant to be run on its own goroutine; Run itself does not spawn one,
// so the caller owns the goroutine's lifecycle.
func (p *Poller) Run() {
	defer close(p.done)

	p.reconcile()

	for {
		select {
		case <-p.stopped:
			return
		default:
		}

		// A dirty flag set while we were handling the previous event
		// (or by a racing caller that observed us awake) must be
		// consumed before blocking again, or its port would never be
		// picked up.
		p.drainDirty()

		handles := make([]Handle, 0, len(p.watchSet)+1)
		handles = append(handles, p.wakeEvent.Handle())
		for _, w := range p.watchSet {
			handles = append(handles, w.handle)
		}

		ready, err := p.node.Transport.WaitAny(handles, 0)
		if err != nil {
			p.node.Log.Errorf("poller wait_any failed: %v", err)
			continue
		}

		select {
		case <-p.stopped:
			return
		default:
		}

		if ready == p.wakeEvent.Handle() {
			p.wakeEvent.Clear()
			p.reconcile()
			if p.handoverComplete() {
				return
			}
			continue
		}

		p.node.enterPoller()
		p.handleReady(ready)
		p.drainDirty()
		p.node.leavePoller()

		if p.handoverComplete() {
			return
		}
	}
}

// handoverComplete asks the lifecycle controller whether a HANDED_OVER
// poller has just lost its last KEEPALIVE port and should exit its
// loop.
func (p *Poller) handoverComplete() bool {
	return p.lifecycle != nil && p.lifecycle.checkHandoverDone()
}

// drainDirty consumes a pending MarkDirty signal and reconciles, used
// right after handling one ready handle so reentrant registry changes
// made from within a callback take effect before the next wait.
func (p *Poller) drainDirty() {
	select {
	case <-p.dirty:
		p.reconcile()
	default:
	}
}

// handleReady dispatches one ready handle: Accept on a server port,
// otherwise drain readable frames or tear the port down on
// disconnect.
func (p *Poller) handleReady(h Handle) {
	var entry *watchEntry
	for i := range p.watchSet {
		if p.watchSet[i].handle == h {
			entry = &p.watchSet[i]
			break
		}
	}
	if entry == nil {
		return
	}
	port := entry.port

	if port.TypeMask().Any(types.Server) {
		p.acceptOne(port)
		return
	}

	attrs, err := p.node.Transport.QueryAttrs(h)
	if err != nil || attrs.Disconnected {
		p.node.Registry.DelWithFinalization(port, -int(types.KindConnReset))
		p.MarkDirty()
		return
	}
	if !attrs.Readable {
		return
	}

	if _, err := p.node.Receive(port, 0); err != nil {
		p.node.Log.Debugf("receive on %s ended: %v", port.PeerID(), err)
		p.MarkDirty()
	}
}

// acceptOne accepts one pending connection on a server port and
// registers it with the server's classification, SERVER swapped for
// LISTEN. Accept failure tears the server port down with a child-lost
// finalization.
func (p *Poller) acceptOne(server *Port) {
	h, err := p.node.Transport.Accept(server.Handle)
	if err != nil {
		p.node.Log.Warnf("accept on server port failed: %v", err)
		p.node.Registry.DelWithFinalization(server, -int(types.KindChildLost))
		p.MarkDirty()
		return
	}
	p.node.Registry.Add(0, h, (server.TypeMask()&^types.Server)|types.Listen, nil)
	p.MarkDirty()
}

// reconcile runs the two-pass watch-set rebuild as a single registry
// critical section: a compact pass drops snapshot entries for ports no
// longer linked into the pollable list, then a pickup pass absorbs
// every recentlyAdded port from the list's head.
func (p *Poller) reconcile() {
	p.node.Registry.Lock()
	defer p.node.Registry.Unlock()

	compacted := p.watchSet[:0]
	for _, w := range p.watchSet {
		if p.node.Registry.lockedStillListed(w.port) {
			compacted = append(compacted, w)
		} else {
			w.port.Release()
		}
	}
	p.watchSet = compacted

	for _, port := range p.node.Registry.lockedPickupRecent() {
		p.watchSet = append(p.watchSet, watchEntry{port: port, handle: port.Handle})
	}
}
