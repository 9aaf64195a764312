package core

import (
	"sync"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

// State is one stage of the helper's lifecycle/hand-over state
// machine: UNINITIALIZED -> DELAYED -> NOT_ALIVE <-> ALIVE ->
// HANDED_OVER -> NOT_ALIVE.
type State int

const (
	StateUninitialized State = iota
	StateDelayed
	StateNotAlive
	StateAlive
	StateHandedOver
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateDelayed:
		return "DELAYED"
	case StateNotAlive:
		return "NOT_ALIVE"
	case StateAlive:
		return "ALIVE"
	case StateHandedOver:
		return "HANDED_OVER"
	default:
		return "UNKNOWN"
	}
}

// Lifecycle owns the single poller goroutine's start/stop/hand-over
// state. Exactly one Lifecycle exists per Node.
type Lifecycle struct {
	node *Node

	mu          sync.Mutex
	state       State
	poll        *Poller
	cleanupHook func()
}

// NewLifecycle returns a Lifecycle in state UNINITIALIZED.
func NewLifecycle(node *Node) *Lifecycle {
	return &Lifecycle{node: node, state: StateUninitialized}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// InitPorts transitions UNINITIALIZED -> DELAYED: the well-known ports
// may now be registered, but no poller goroutine is running yet.
func (l *Lifecycle) InitPorts() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateUninitialized {
		return types.NewError(types.KindInvalid, "init_ports: already past UNINITIALIZED (state=%s)", l.state)
	}
	l.state = StateDelayed
	return nil
}

// SetCleanupHook installs the process-cleanup hook invoked once the
// poller loop ends in state HANDED_OVER.
func (l *Lifecycle) SetCleanupHook(hook func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanupHook = hook
}

// CreateHelper allocates the poller but does not yet start its
// goroutine, the DELAYED -> NOT_ALIVE transition.
func (l *Lifecycle) CreateHelper() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateDelayed && l.state != StateNotAlive {
		return types.NewError(types.KindInvalid, "create_helper: unexpected state %s", l.state)
	}
	poll, err := NewPoller(l.node)
	if err != nil {
		return err
	}
	poll.lifecycle = l
	l.poll = poll
	l.state = StateNotAlive
	return nil
}

// InitHelper starts the poller goroutine, NOT_ALIVE -> ALIVE. Safe to
// call concurrently with the poller's own goroutine running a
// callback that reenters the lifecycle.
func (l *Lifecycle) InitHelper() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateAlive {
		return nil
	}
	if l.state != StateNotAlive {
		return types.NewError(types.KindInvalid, "init_helper: unexpected state %s", l.state)
	}
	if l.poll == nil {
		poll, err := NewPoller(l.node)
		if err != nil {
			return err
		}
		poll.lifecycle = l
		l.poll = poll
	}
	go func(p *Poller) {
		p.Run()
	}(l.poll)
	l.state = StateAlive
	return nil
}

// RestartHelper is called after a registry mutation that requires the
// poller to refresh its watch-set: from inside the poller's own
// goroutine it marks the dirty flag for the next loop iteration; from
// any other goroutine it signals the wake event. With needCreate set
// and no helper running (NOT_ALIVE after a full exit or terminate), a
// fresh poller is allocated and its goroutine started, so a port
// registered after the helper has gone down still gets polled.
func (l *Lifecycle) RestartHelper(needCreate bool) error {
	l.mu.Lock()
	poll := l.poll

	if poll == nil {
		if !needCreate || l.state != StateNotAlive {
			l.mu.Unlock()
			return nil
		}
		fresh, err := NewPoller(l.node)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		fresh.lifecycle = l
		l.poll = fresh
		l.state = StateAlive
		l.mu.Unlock()
		go fresh.Run()
		return nil
	}
	l.mu.Unlock()

	if l.node.onPollerGoroutine() {
		poll.MarkDirty()
	} else {
		poll.Wake()
	}
	return nil
}

// ExitWithHelper is the graceful exit path. With no KEEPALIVE port
// remaining, the poller is stopped immediately and the state returns
// to NOT_ALIVE, regardless of handover. With a KEEPALIVE port still
// registered, a plain exit is refused with TryAgain (the
// EAGAIN-equivalent) and the state stays ALIVE; a handover exit
// instead moves to HANDED_OVER, wakes the poller so it re-reads its
// state, and also returns TryAgain, telling the caller to suspend its
// own exit while the helper keeps servicing the children that depend
// on the KEEPALIVE port. The poller notices the last KEEPALIVE port
// disappearing and completes the HANDED_OVER -> NOT_ALIVE transition
// itself, running the cleanup hook (see checkHandoverDone).
func (l *Lifecycle) ExitWithHelper(handover bool) error {
	l.mu.Lock()
	if l.state != StateAlive {
		l.mu.Unlock()
		return types.NewError(types.KindInvalid, "exit_with_helper: unexpected state %s", l.state)
	}

	if !l.hasKeepalivePorts() {
		poll := l.poll
		l.mu.Unlock()

		if poll != nil {
			poll.Stop()
		}

		l.mu.Lock()
		l.state = StateNotAlive
		l.poll = nil
		l.mu.Unlock()
		return nil
	}

	if !handover {
		l.mu.Unlock()
		return types.TryAgain
	}

	l.state = StateHandedOver
	poll := l.poll
	l.mu.Unlock()

	if poll != nil {
		poll.Wake()
	}
	return types.TryAgain
}

// checkHandoverDone is polled by the poller after every reconcile: if
// the state is HANDED_OVER and the last KEEPALIVE port has since been
// removed, it completes the HANDED_OVER -> NOT_ALIVE transition and
// runs the cleanup hook, reporting that the poller loop should exit.
func (l *Lifecycle) checkHandoverDone() bool {
	l.mu.Lock()
	if l.state != StateHandedOver || l.hasKeepalivePorts() {
		l.mu.Unlock()
		return false
	}
	l.state = StateNotAlive
	l.poll = nil
	hook := l.cleanupHook
	l.mu.Unlock()

	if hook != nil {
		hook()
	}
	return true
}

// TerminateHelper forcibly stops the poller regardless of any
// remaining KEEPALIVE ports, used on process-wide teardown.
func (l *Lifecycle) TerminateHelper() {
	l.mu.Lock()
	poll := l.poll
	l.mu.Unlock()

	if poll != nil {
		poll.Stop()
	}

	l.mu.Lock()
	l.state = StateNotAlive
	l.poll = nil
	l.mu.Unlock()
}

// hasKeepalivePorts reports whether any pollable port is currently
// marked KEEPALIVE. Caller must hold l.mu; it locks the registry
// itself, which is always acquired after any port-local lock and
// never held across an l.mu acquisition elsewhere, so no ordering
// inversion results.
func (l *Lifecycle) hasKeepalivePorts() bool {
	found := false
	l.node.Registry.ForEachPollable(func(p *Port) bool {
		if p.TypeMask().Any(types.Keepalive) {
			found = true
			return false
		}
		return true
	})
	return found
}
