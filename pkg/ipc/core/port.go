package core

import (
	"container/list"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

// MaxFinalizers bounds the number of finalizers a single port may
// accumulate.
const MaxFinalizers = 3

// Finalizer is invoked exactly once, in registration order, when a
// port becomes structurally unreachable from both registry indexes.
type Finalizer func(port *Port, peer types.VMID, exitCode int)

// pendingReply is one in-flight request awaiting a reply on a port.
type pendingReply struct {
	seq    types.Seq
	result chan replyResult
}

type replyResult struct {
	frame *types.Frame
	err   error
}

// Port is a refcounted endpoint wrapping one transport handle. Fields
// documented "registry-guarded" are only ever touched while the owning
// Registry's lock is held; pendingReplies has its own lock, always
// acquired after the registry lock has been released.
type Port struct {
	Handle Handle

	// registry-guarded classification state.
	peerID        types.VMID
	typeMask      types.PortType
	finalizers    []Finalizer
	inHash        bool
	inPollList    bool
	dirty         bool
	recentlyAdded bool
	listElem      *list.Element

	refcount int32 // atomic

	// asm holds partially received frame bytes between reads. Only the
	// receive path touches it, and receive on one port is
	// single-threaded (the helper), so no lock guards it.
	asm *types.Assembler

	repliesMu      sync.Mutex
	pendingReplies map[types.Seq]*pendingReply

	closeOnce sync.Once
}

// newPort allocates a port wrapping handle with refcount 1, dirty, and
// not yet linked into either index.
func newPort(handle Handle) *Port {
	return &Port{
		Handle:         handle,
		dirty:          true,
		refcount:       1,
		asm:            types.NewAssembler(),
		pendingReplies: make(map[types.Seq]*pendingReply),
	}
}

// PeerID returns the port's peer id, 0 if unknown.
func (p *Port) PeerID() types.VMID {
	return p.peerID
}

// TypeMask returns the port's current classification bits.
func (p *Port) TypeMask() types.PortType {
	return p.typeMask
}

// Acquire takes one more strong reference on the port.
func (p *Port) Acquire() {
	atomic.AddInt32(&p.refcount, 1)
}

// Release drops one strong reference. At zero it is the sole
// destructor: the transport handle is closed and the port becomes
// unusable. Release must never be called more times than the port was
// acquired or newly allocated.
func (p *Port) Release() {
	if atomic.AddInt32(&p.refcount, -1) == 0 {
		p.closeOnce.Do(func() {
			_ = p.Handle.Close()
		})
	}
}

// refcountForTest exposes the refcount for white-box invariant tests
// within this package.
func (p *Port) refcountForTest() int32 {
	return atomic.LoadInt32(&p.refcount)
}

// appendFinalizer appends fn if it is not already registered. Callers
// must hold the registry lock. It is a programming error to overflow
// MaxFinalizers.
func (p *Port) appendFinalizer(fn Finalizer) {
	for _, existing := range p.finalizers {
		if sameFinalizer(existing, fn) {
			return
		}
	}
	if len(p.finalizers) >= MaxFinalizers {
		panic("ipc: port finalizer list overflow")
	}
	p.finalizers = append(p.finalizers, fn)
}

// sameFinalizer compares finalizers by identity, since Go funcs cannot
// be compared with ==.
func sameFinalizer(a, b Finalizer) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// addPendingReply registers a descriptor awaiting a reply on seq.
func (p *Port) addPendingReply(seq types.Seq) *pendingReply {
	pr := &pendingReply{seq: seq, result: make(chan replyResult, 1)}
	p.repliesMu.Lock()
	p.pendingReplies[seq] = pr
	p.repliesMu.Unlock()
	return pr
}

// completePendingReply matches a reply by seq and wakes its waiter.
// Returns false if no matching request is outstanding.
func (p *Port) completePendingReply(seq types.Seq, frame *types.Frame) bool {
	p.repliesMu.Lock()
	pr, ok := p.pendingReplies[seq]
	if ok {
		delete(p.pendingReplies, seq)
	}
	p.repliesMu.Unlock()
	if !ok {
		return false
	}
	pr.result <- replyResult{frame: frame}
	return true
}

// removePendingReply drops a descriptor without waking it, used when
// the waiter gives up (timeout/context cancellation).
func (p *Port) removePendingReply(seq types.Seq) {
	p.repliesMu.Lock()
	delete(p.pendingReplies, seq)
	p.repliesMu.Unlock()
}

// wakeAllPendingReplies wakes every outstanding request on the port
// with err and clears the queue. Used by Registry.DelWithFinalization.
func (p *Port) wakeAllPendingReplies(err error) {
	p.repliesMu.Lock()
	pending := p.pendingReplies
	p.pendingReplies = make(map[types.Seq]*pendingReply)
	p.repliesMu.Unlock()

	for _, pr := range pending {
		pr.result <- replyResult{err: err}
	}
}
