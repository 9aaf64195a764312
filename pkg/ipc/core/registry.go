package core

import (
	"container/list"
	"sync"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

// Registry holds the two indexes over live ports: a hash keyed by peer
// id, and an insertion-ordered list used both by the poller (to
// discover newly pollable ports at the head) and by broadcast (to fan
// out to every addressable port).
//
// All exported methods lock internally unless documented "caller must
// hold the lock"; those are used by Poller.reconcile, which needs
// several list operations inside one critical section.
type Registry struct {
	mu sync.Mutex

	byPeer   map[types.VMID]map[*Port]struct{}
	pollable *list.List // of *Port

	broadcastPort *Port

	log types.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log types.Logger) *Registry {
	return &Registry{
		byPeer:   make(map[types.VMID]map[*Port]struct{}),
		pollable: list.New(),
		log:      log,
	}
}

// Lock and Unlock expose the registry's critical section to the
// poller's reconcile pass, which must run compaction and pickup inside
// a single acquisition.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// Add finds or allocates the port for (peerID, handle), merges peer id
// and type bits, registers a finalizer, and (re)links the port into
// the pollable list. The returned port carries a caller-owned
// reference; the bool reports whether the poller must refresh its
// watch-set.
func (r *Registry) Add(peerID types.VMID, handle Handle, t types.PortType, finalizer Finalizer) (*Port, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	port := r.findByPeerAndHandle(peerID, handle)
	if port == nil {
		port = r.findByHandleInPollable(handle)
	}
	if port != nil {
		port.Acquire()
	} else {
		port = newPort(handle)
	}

	if peerID != 0 && port.peerID == 0 {
		port.peerID = peerID
		port.dirty = true
	}

	if port.peerID != 0 && !port.inHash {
		bucket, ok := r.byPeer[port.peerID]
		if !ok {
			bucket = make(map[*Port]struct{})
			r.byPeer[port.peerID] = bucket
		}
		bucket[port] = struct{}{}
		port.inHash = true
		port.Acquire()
	}

	hadPollable := port.typeMask.Any(types.Pollable)
	merged := port.typeMask | t
	if merged != port.typeMask {
		port.typeMask = merged
		port.dirty = true
	}

	if finalizer != nil && (t & ^types.Pollable) != 0 {
		port.appendFinalizer(finalizer)
	}

	needsRestart := false
	gainedPollable := !hadPollable && port.typeMask.Any(types.Pollable)
	if gainedPollable {
		needsRestart = true
		if port.listElem == nil {
			port.Acquire()
			port.listElem = r.pollable.PushFront(port)
			port.inPollList = true
		} else if !port.recentlyAdded {
			r.pollable.MoveToFront(port.listElem)
		}
		port.recentlyAdded = true
	} else if port.listElem == nil {
		port.Acquire()
		port.listElem = r.pollable.PushBack(port)
		port.inPollList = true
	}

	return port, needsRestart
}

func (r *Registry) findByPeerAndHandle(peerID types.VMID, handle Handle) *Port {
	if peerID == 0 {
		return nil
	}
	bucket, ok := r.byPeer[peerID]
	if !ok {
		return nil
	}
	for p := range bucket {
		if p.Handle == handle {
			return p
		}
	}
	return nil
}

func (r *Registry) findByHandleInPollable(handle Handle) *Port {
	for e := r.pollable.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Port)
		if p.Handle == handle {
			return p
		}
	}
	return nil
}

// Del clears the bits in t from port's classification: a partial
// unregister when bits other than POLLABLE/KEEPALIVE remain, full
// removal from both indexes otherwise. t == 0 clears everything.
func (r *Registry) Del(port *Port, t types.PortType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.del(port, t)
}

func (r *Registry) del(port *Port, t types.PortType) bool {
	var effective types.PortType
	if t == 0 {
		effective = port.typeMask
	} else {
		effective = t & port.typeMask
	}

	keepaliveBefore := port.typeMask.Any(types.Keepalive)
	remaining := port.typeMask &^ effective
	keepaliveAfter := remaining.Any(types.Keepalive)
	needsRestart := keepaliveBefore != keepaliveAfter

	if remaining & ^(types.Pollable|types.Keepalive) != 0 {
		port.typeMask = remaining
		port.dirty = true
		return needsRestart
	}

	if port.typeMask.Any(types.Pollable) {
		needsRestart = true
	}

	if port.listElem != nil {
		r.pollable.Remove(port.listElem)
		port.listElem = nil
		port.inPollList = false
		port.recentlyAdded = false
		port.Release()
	}
	if port.inHash {
		if bucket, ok := r.byPeer[port.peerID]; ok {
			delete(bucket, port)
			if len(bucket) == 0 {
				delete(r.byPeer, port.peerID)
			}
		}
		port.inHash = false
		port.Release()
	}
	port.typeMask = 0
	port.dirty = true
	return needsRestart
}

// DelByPeer runs Del on every port registered under peerID.
func (r *Registry) DelByPeer(peerID types.VMID, t types.PortType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.byPeer[peerID]
	if !ok {
		return false
	}
	ports := make([]*Port, 0, len(bucket))
	for p := range bucket {
		ports = append(ports, p)
	}

	needsRestart := false
	for _, p := range ports {
		if r.del(p, t) {
			needsRestart = true
		}
	}
	return needsRestart
}

// DelAll runs Del on every registered port.
func (r *Registry) DelAll(t types.PortType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports := make([]*Port, 0, r.pollable.Len())
	for e := r.pollable.Front(); e != nil; e = e.Next() {
		ports = append(ports, e.Value.(*Port))
	}

	needsRestart := false
	for _, p := range ports {
		if r.del(p, t) {
			needsRestart = true
		}
	}
	return needsRestart
}

// DelWithFinalization tears port down completely: removes it from both
// indexes, runs its finalizers in registration order outside the
// registry lock, then wakes every pending request with a
// connection-reset error.
func (r *Registry) DelWithFinalization(port *Port, exitCode int) {
	port.Acquire()

	r.mu.Lock()
	finalizers := port.finalizers
	port.finalizers = nil
	peerID := port.peerID
	r.del(port, 0)
	r.ClearBroadcastPortIfSame(port)
	r.mu.Unlock()

	for _, fn := range finalizers {
		fn(port, peerID, exitCode)
	}

	port.wakeAllPendingReplies(types.ConnReset)
	port.Release()
}

// Lookup returns the first port in peerID's bucket whose type mask
// intersects t (any port when t == 0), acquired.
func (r *Registry) Lookup(peerID types.VMID, t types.PortType) *Port {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.byPeer[peerID]
	if !ok {
		return nil
	}
	for p := range bucket {
		if t == 0 || p.typeMask.Any(t) {
			p.Acquire()
			return p
		}
	}
	return nil
}

// ForEachPollable invokes fn for every port in the pollable list under
// the registry lock, the access pattern broadcast fan-out uses. fn
// returning false stops the iteration early.
func (r *Registry) ForEachPollable(fn func(p *Port) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.pollable.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(*Port)) {
			return
		}
	}
}

// SetBroadcastPort installs the distinguished broadcast port.
func (r *Registry) SetBroadcastPort(p *Port) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastPort = p
}

// AcquireBroadcastPort returns the broadcast port with a fresh
// reference, or nil if none is installed or it has already been torn
// down. The acquire happens under the registry lock so it cannot race
// with ClearBroadcastPortIfSame running inside the broadcast port's
// own teardown: a caller either sees the port while it is still live
// and holds a real reference, or sees nil.
func (r *Registry) AcquireBroadcastPort() *Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broadcastPort == nil {
		return nil
	}
	r.broadcastPort.Acquire()
	return r.broadcastPort
}

// ClearBroadcastPortIfSame nulls the broadcast port pointer if it is
// still p. Called from within DelWithFinalization under the same lock
// used by AcquireBroadcastPort.
func (r *Registry) ClearBroadcastPortIfSame(p *Port) {
	if r.broadcastPort == p {
		r.broadcastPort = nil
	}
}

// lockedPickupRecent walks the pollable list from the head while
// recentlyAdded is set, acquiring a reference to each and clearing the
// flag. Caller must hold the registry lock. This is the poller's
// pickup pass; it stops at the first non-recent entry, which is why
// Add places newly pollable ports at the head.
func (r *Registry) lockedPickupRecent() []*Port {
	var out []*Port
	for e := r.pollable.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Port)
		if !p.recentlyAdded {
			break
		}
		p.recentlyAdded = false
		p.Acquire()
		out = append(out, p)
	}
	return out
}

// lockedStillListed reports whether p is still linked into the
// pollable list. Caller must hold the registry lock.
func (r *Registry) lockedStillListed(p *Port) bool {
	return p.inPollList
}

// lockedConsumeDirty returns p's current classification and clears its
// dirty flag if set. Caller must hold the registry lock.
func (r *Registry) lockedConsumeDirty(p *Port) (types.PortType, types.VMID, bool) {
	if !p.dirty {
		return p.typeMask, p.peerID, false
	}
	p.dirty = false
	return p.typeMask, p.peerID, true
}
