// Package ipc is the system boundary of the library-OS IPC core: it
// wires a Node (registry, callback table, transport) together with a
// Lifecycle controller and exposes the operations a caller needs to
// bootstrap, use, and tear down the IPC subsystem.
package ipc

import (
	"context"

	"github.com/shimcore/ipc/pkg/ipc/core"
	"github.com/shimcore/ipc/pkg/ipc/types"
)

// Controller is the single entry point applications use instead of
// reaching into pkg/ipc/core directly.
type Controller struct {
	node      *core.Node
	lifecycle *core.Lifecycle
}

// Config bootstraps a Controller's well-known ports.
type Config struct {
	SelfID    types.VMID
	Transport core.Transport
	Callbacks core.CallbackTable
	Log       types.Logger

	// ParentHandle, PIDLeaderHandle, SysVLeaderHandle are the streams
	// toward each well-known peer, left nil when this instance has none
	// (e.g. the root of a namespace).
	ParentHandle     core.Handle
	ParentPeerID     types.VMID
	PIDLeaderHandle  core.Handle
	PIDLeaderPeerID  types.VMID
	SysVLeaderHandle core.Handle
	SysVLeaderPeerID types.VMID

	// ServerHandle is this instance's own listening stream, accepting
	// connections from children.
	ServerHandle core.Handle

	// BroadcastHandle, if non-nil, is installed as the distinguished
	// broadcast port.
	BroadcastHandle core.Handle

	// CleanupHook, if set, runs once the poller finishes servicing a
	// handed-over exit's last KEEPALIVE port and ends its loop.
	CleanupHook func()
}

// NewController builds a Controller and registers the well-known
// ports: self-server, direct-parent, PID-namespace leader,
// SysV-namespace leader, and the optional broadcast port.
func NewController(cfg Config) (*Controller, error) {
	node := core.NewNode(cfg.SelfID, cfg.Transport, cfg.Callbacks, cfg.Log)
	lifecycle := core.NewLifecycle(node)

	if err := lifecycle.InitPorts(); err != nil {
		return nil, err
	}
	if cfg.CleanupHook != nil {
		lifecycle.SetCleanupHook(cfg.CleanupHook)
	}

	if cfg.ServerHandle != nil {
		node.Registry.Add(0, cfg.ServerHandle, types.Server|types.Pollable, nil)
	}
	if cfg.ParentHandle != nil {
		node.Registry.Add(cfg.ParentPeerID, cfg.ParentHandle, types.DirectParent|types.Pollable, nil)
	}
	if cfg.PIDLeaderHandle != nil {
		node.Registry.Add(cfg.PIDLeaderPeerID, cfg.PIDLeaderHandle, types.PIDLeader|types.Pollable, nil)
	}
	if cfg.SysVLeaderHandle != nil {
		node.Registry.Add(cfg.SysVLeaderPeerID, cfg.SysVLeaderHandle, types.SysVLeader|types.Pollable, nil)
	}
	if cfg.BroadcastHandle != nil {
		bp, _ := node.Registry.Add(0, cfg.BroadcastHandle, types.Pollable, nil)
		node.Registry.SetBroadcastPort(bp)
	}

	if err := lifecycle.CreateHelper(); err != nil {
		return nil, err
	}

	return &Controller{node: node, lifecycle: lifecycle}, nil
}

// InitHelper starts the poller goroutine (NOT_ALIVE -> ALIVE).
func (c *Controller) InitHelper() error {
	return c.lifecycle.InitHelper()
}

// ExitWithHelper is the graceful exit path. See
// core.Lifecycle.ExitWithHelper for the keepalive-refusal semantics.
func (c *Controller) ExitWithHelper(handover bool) error {
	return c.lifecycle.ExitWithHelper(handover)
}

// TerminateHelper forcibly stops the poller regardless of remaining
// KEEPALIVE ports.
func (c *Controller) TerminateHelper() {
	c.lifecycle.TerminateHelper()
}

// AddPort registers handle under peerID with classification t and an
// optional finalizer, restarting the poller if needed. If the helper
// has fully exited, a new one is spawned so the port gets polled.
func (c *Controller) AddPort(peerID types.VMID, handle core.Handle, t types.PortType, finalizer core.Finalizer) *core.Port {
	port, needsRestart := c.node.Registry.Add(peerID, handle, t, finalizer)
	if needsRestart {
		if err := c.lifecycle.RestartHelper(true); err != nil {
			c.node.Log.Errorf("respawning helper for new port failed: %v", err)
		}
	}
	return port
}

// AddPortByID is AddPort without a pre-opened handle: it dials uri
// through the controller's transport first.
func (c *Controller) AddPortByID(ctx context.Context, peerID types.VMID, uri string, t types.PortType, finalizer core.Finalizer) (*core.Port, error) {
	h, err := c.node.Transport.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	return c.AddPort(peerID, h, t, finalizer), nil
}

// DelPort unregisters the bits in t from port, restarting the poller
// if needed.
func (c *Controller) DelPort(port *core.Port, t types.PortType) {
	if c.node.Registry.Del(port, t) {
		_ = c.lifecycle.RestartHelper(false)
	}
}

// DelPortByID unregisters t from every port registered under peerID.
func (c *Controller) DelPortByID(peerID types.VMID, t types.PortType) {
	if c.node.Registry.DelByPeer(peerID, t) {
		_ = c.lifecycle.RestartHelper(false)
	}
}

// DelAllPorts unregisters t from every registered port.
func (c *Controller) DelAllPorts(t types.PortType) {
	if c.node.Registry.DelAll(t) {
		_ = c.lifecycle.RestartHelper(false)
	}
}

// DelPortFinal tears port down immediately, running its finalizers
// with exitCode and waking any pending replies with a connection-reset
// error.
func (c *Controller) DelPortFinal(port *core.Port, exitCode int) {
	c.node.Registry.DelWithFinalization(port, exitCode)
	_ = c.lifecycle.RestartHelper(false)
}

// LookupPort returns an acquired reference to a port registered under
// peerID matching t (0 matches any), or nil.
func (c *Controller) LookupPort(peerID types.VMID, t types.PortType) *core.Port {
	return c.node.Registry.Lookup(peerID, t)
}

// Acquire takes one more reference on port.
func (c *Controller) Acquire(port *core.Port) {
	port.Acquire()
}

// Release drops one reference on port.
func (c *Controller) Release(port *core.Port) {
	port.Release()
}

// Send writes frame to port.
func (c *Controller) Send(frame *types.Frame, port *core.Port) error {
	return c.node.Send(frame, port)
}

// Receive reads frames from port. With seq == 0 it drains whatever is
// currently readable, dispatching each frame to its registered
// callback, and returns nil. With a non-zero seq it blocks until the
// frame carrying that correlator arrives and returns it.
func (c *Controller) Receive(port *core.Port, seq types.Seq) (*types.Frame, error) {
	return c.node.Receive(port, seq)
}

// SendRequest sends code/body to port and blocks for a correlated
// reply or ctx's cancellation.
func (c *Controller) SendRequest(ctx context.Context, port *core.Port, code types.Code, body []byte) (*types.Frame, error) {
	return c.node.SendRequest(ctx, port, code, body)
}

// Broadcast fans frame out to the distinguished broadcast port (when
// targetType is 0) or to every matching, non-excluded pollable port.
func (c *Controller) Broadcast(frame *types.Frame, exclude map[*core.Port]struct{}, targetType types.PortType) {
	c.node.Broadcast(frame, exclude, targetType)
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() core.State {
	return c.lifecycle.State()
}
