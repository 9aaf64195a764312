package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shimcore/ipc/pkg/ipc/types"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, *Node) {
	t.Helper()
	n := NewNode(1, newFakeTransport(), nil, testLogger())
	l := NewLifecycle(n)
	require.NoError(t, l.InitPorts())
	require.NoError(t, l.CreateHelper())
	t.Cleanup(l.TerminateHelper)
	return l, n
}

func TestLifecycle_StateMachineHappyPath(t *testing.T) {
	n := NewNode(1, newFakeTransport(), nil, testLogger())
	l := NewLifecycle(n)
	require.Equal(t, StateUninitialized, l.State())

	require.NoError(t, l.InitPorts())
	require.Equal(t, StateDelayed, l.State())

	require.NoError(t, l.CreateHelper())
	require.Equal(t, StateNotAlive, l.State())

	require.NoError(t, l.InitHelper())
	require.Equal(t, StateAlive, l.State())

	require.NoError(t, l.ExitWithHelper(false))
	require.Equal(t, StateNotAlive, l.State())
}

func TestLifecycle_ExitWithNoKeepaliveReturnsImmediately(t *testing.T) {
	l, _ := newTestLifecycle(t)
	require.NoError(t, l.InitHelper())

	err := l.ExitWithHelper(false)
	require.NoError(t, err)
	require.Equal(t, StateNotAlive, l.State())
}

func TestLifecycle_ExitWithKeepaliveReturnsEAGAIN(t *testing.T) {
	l, n := newTestLifecycle(t)
	require.NoError(t, l.InitHelper())

	a, _ := newPipePair()
	n.Registry.Add(7, a, types.Keepalive|types.Pollable, nil)

	err := l.ExitWithHelper(false)
	require.ErrorIs(t, err, types.TryAgain)
	require.Equal(t, StateAlive, l.State(), "a refused exit must not change the lifecycle state")
}

// TestLifecycle_GracefulHandover: exiting with handover while one
// KEEPALIVE port exists returns EAGAIN and moves to HANDED_OVER; once
// that port is finally removed, the poller completes the HANDED_OVER
// -> NOT_ALIVE transition on its own and runs the cleanup hook.
func TestLifecycle_GracefulHandover(t *testing.T) {
	l, n := newTestLifecycle(t)
	require.NoError(t, l.InitHelper())

	a, b := newPipePair()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	port, _ := n.Registry.Add(7, a, types.Keepalive|types.Pollable, nil)

	cleaned := make(chan struct{})
	l.SetCleanupHook(func() { close(cleaned) })

	err := l.ExitWithHelper(true)
	require.ErrorIs(t, err, types.TryAgain)
	require.Equal(t, StateHandedOver, l.State())

	// The remote peer disconnects: the registry drops the last
	// KEEPALIVE port's classification entirely.
	n.Registry.Del(port, 0)
	require.NoError(t, l.RestartHelper(false))

	select {
	case <-cleaned:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup hook never ran after the last KEEPALIVE port was removed")
	}
	require.Eventually(t, func() bool {
		return l.State() == StateNotAlive
	}, time.Second, 5*time.Millisecond)
}

// TestLifecycle_RestartHelperRespawnsAfterFullExit: a port registered
// after the helper has fully exited (NOT_ALIVE, no poller) must cause
// RestartHelper with need-create to spawn a fresh helper, not silently
// leave the port unpolled.
func TestLifecycle_RestartHelperRespawnsAfterFullExit(t *testing.T) {
	l, n := newTestLifecycle(t)
	require.NoError(t, l.InitHelper())

	require.NoError(t, l.ExitWithHelper(false))
	require.Equal(t, StateNotAlive, l.State())

	a, _ := newPipePair()
	port, needsRestart := n.Registry.Add(7, a, types.Listen|types.Pollable, nil)
	require.True(t, needsRestart)
	require.NoError(t, l.RestartHelper(true))
	require.Equal(t, StateAlive, l.State())

	// The respawned poller's reconcile must pick the port up.
	require.Eventually(t, func() bool {
		n.Registry.Lock()
		defer n.Registry.Unlock()
		return !port.recentlyAdded
	}, time.Second, 5*time.Millisecond, "respawned helper never picked up the new port")
}

// TestLifecycle_RestartHelperWithoutNeedCreateStaysDown: the del paths
// pass need-create false, which must not resurrect a fully exited
// helper.
func TestLifecycle_RestartHelperWithoutNeedCreateStaysDown(t *testing.T) {
	l, _ := newTestLifecycle(t)
	require.NoError(t, l.InitHelper())
	require.NoError(t, l.ExitWithHelper(false))

	require.NoError(t, l.RestartHelper(false))
	require.Equal(t, StateNotAlive, l.State())
}

func TestLifecycle_TerminateHelperIgnoresKeepalive(t *testing.T) {
	l, n := newTestLifecycle(t)
	require.NoError(t, l.InitHelper())

	a, _ := newPipePair()
	n.Registry.Add(7, a, types.Keepalive|types.Pollable, nil)

	l.TerminateHelper()
	require.Equal(t, StateNotAlive, l.State())
}
