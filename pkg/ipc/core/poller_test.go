package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

// newRunningPoller starts p.Run on its own goroutine and registers a
// cleanup that stops it and confirms the goroutine actually exited.
func newRunningPoller(t *testing.T, n *Node) *Poller {
	t.Helper()
	p, err := NewPoller(n)
	require.NoError(t, err)
	go p.Run()
	t.Cleanup(func() {
		p.Stop()
		goleak.VerifyNone(t)
	})
	return p
}

// serverHandle is a fake Handle standing in for a listening stream:
// Accept is driven entirely through the fakeTransport it belongs to.
type serverHandle struct {
	id uintptr
}

func (h *serverHandle) Read(p []byte) (int, error)  { return 0, nil }
func (h *serverHandle) Write(p []byte) (int, error) { return 0, nil }
func (h *serverHandle) Close() error                { return nil }
func (h *serverHandle) ID() uintptr                 { return h.id }

// TestPoller_AcceptRegistersListenPort: a SERVER port becoming
// readable causes the poller to accept once and register the new
// connection with the server's classification, SERVER swapped for
// LISTEN; every other bit the server carried (KEEPALIVE here) must
// survive onto the accepted port.
func TestPoller_AcceptRegistersListenPort(t *testing.T) {
	transport := newFakeTransport()
	n := NewNode(1, transport, nil, testLogger())

	srv := &serverHandle{id: nextFakeID()}
	serverPort, _ := n.Registry.Add(0, srv, types.Server|types.Pollable|types.Keepalive, nil)

	_, accepted := newPipePair()
	transport.offerConn(accepted)

	newRunningPoller(t, n)
	time.Sleep(20 * time.Millisecond) // let Run's first reconcile pick up serverPort
	transport.signalReady(srv)

	require.Eventually(t, func() bool {
		found := false
		n.Registry.ForEachPollable(func(port *Port) bool {
			if port == serverPort {
				return true
			}
			mask := port.TypeMask()
			if mask.Has(types.Listen|types.Keepalive) && !mask.Has(types.Server) {
				found = true
				return false
			}
			return true
		})
		return found
	}, time.Second, 5*time.Millisecond, "accepted connection must be LISTEN (not SERVER) and keep the server's other bits")
}

// TestPoller_AcceptFailureFinalizesServerPort: a failing accept tears
// the server port down with a child-lost finalization rather than
// leaving it registered and polled forever.
func TestPoller_AcceptFailureFinalizesServerPort(t *testing.T) {
	transport := newFakeTransport()
	n := NewNode(1, transport, nil, testLogger())

	srv := &serverHandle{id: nextFakeID()}
	exitCodes := make(chan int, 1)
	finalizer := func(port *Port, peer types.VMID, exitCode int) {
		exitCodes <- exitCode
	}
	serverPort, _ := n.Registry.Add(0, srv, types.Server|types.Pollable, finalizer)

	close(transport.conns) // every Accept from now on fails

	newRunningPoller(t, n)
	time.Sleep(20 * time.Millisecond)
	transport.signalReady(srv)

	select {
	case code := <-exitCodes:
		require.Equal(t, -int(types.KindChildLost), code)
	case <-time.After(time.Second):
		t.Fatal("server port finalizer never ran after accept failure")
	}
	require.Eventually(t, func() bool {
		return !serverPort.TypeMask().Any(types.Server | types.Pollable)
	}, time.Second, 5*time.Millisecond, "server port must be fully unregistered")
}

// TestPoller_DisconnectRunsFinalizationOnce: a disconnected peer tears
// the port down via DelWithFinalization, firing its finalizer exactly
// once.
func TestPoller_DisconnectRunsFinalizationOnce(t *testing.T) {
	transport := newFakeTransport()
	n := NewNode(1, transport, nil, testLogger())

	a, b := newPipePair()
	calls := make(chan int, 4)
	count := 0
	finalizer := func(port *Port, peer types.VMID, exitCode int) {
		count++
		calls <- count
	}
	port, _ := n.Registry.Add(9, a, types.Listen|types.Pollable, finalizer)

	newRunningPoller(t, n)
	time.Sleep(20 * time.Millisecond)

	_ = b.Close() // peer hangs up: a's Read will observe the close.
	transport.markDisconnected(a)

	select {
	case got := <-calls:
		require.Equal(t, 1, got)
	case <-time.After(time.Second):
		t.Fatal("finalizer never ran after disconnect")
	}

	select {
	case <-calls:
		t.Fatal("finalizer ran more than once")
	case <-time.After(100 * time.Millisecond):
	}

	require.False(t, port.TypeMask().Any(types.Pollable))
}

// TestPoller_ReentrantAddMarksDirtyWithoutWake: a callback running on
// the poller goroutine that registers a new pollable port must not
// deadlock signaling its own wake event; it sets the dirty flag
// instead, and the next reconcile picks the port up without the caller
// ever touching the wake event.
func TestPoller_ReentrantAddMarksDirtyWithoutWake(t *testing.T) {
	transport := newFakeTransport()

	const codeSpawn types.Code = 77
	var n *Node
	var lc *Lifecycle
	var spawned *Port

	_, d := newPipePair()
	cb := func(frame *types.Frame, port *Port) (CallbackResult, []byte) {
		spawned, _ = n.Registry.Add(0, d, types.Listen|types.Pollable, nil)
		// The real system-boundary path (Controller.AddPort) always
		// follows a registry mutation with RestartHelper; calling it
		// here, from inside the dispatched callback, is what must take
		// the dirty-flag branch instead of signaling the wake event.
		_ = lc.RestartHelper(true)
		return 0, nil
	}
	n = NewNode(1, transport, NewCallbackTable(map[types.Code]Callback{codeSpawn: cb}), testLogger())
	lc = NewLifecycle(n)
	require.NoError(t, lc.InitPorts())
	require.NoError(t, lc.CreateHelper())

	a, b := newPipePair()
	n.Registry.Add(9, a, types.Listen|types.Pollable, nil)
	require.NoError(t, lc.InitHelper())
	t.Cleanup(func() { lc.TerminateHelper() })
	time.Sleep(20 * time.Millisecond)

	frame := &types.Frame{Code: codeSpawn, Src: 9, Dst: 1, Seq: 0}
	writeErr := make(chan error, 1)
	go func() {
		_, err := b.conn.Write(frame.Marshal())
		writeErr <- err
	}()
	transport.signalReady(a)
	require.NoError(t, <-writeErr)

	require.Eventually(t, func() bool {
		return spawned != nil
	}, time.Second, 5*time.Millisecond, "reentrant add never registered the new port")
	require.True(t, spawned.TypeMask().Any(types.Pollable))

	// The port must still be reachable from the registry's pollable
	// list: RestartHelper's reentrant dirty-flag branch never panics
	// or deadlocks trying to signal the poller's own wake event from
	// inside its own goroutine.
	require.Eventually(t, func() bool {
		found := false
		n.Registry.ForEachPollable(func(p *Port) bool {
			if p == spawned {
				found = true
				return false
			}
			return true
		})
		return found
	}, time.Second, 5*time.Millisecond, "spawned port lost from the pollable list")

	// The reconcile driven by the dirty flag must have picked the new
	// port up into the poller's watch-set.
	require.Eventually(t, func() bool {
		n.Registry.Lock()
		defer n.Registry.Unlock()
		return !spawned.recentlyAdded
	}, time.Second, 5*time.Millisecond, "poller never picked up the reentrantly added port")
}
