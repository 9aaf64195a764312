package types

import "fmt"

// VMID identifies a single library-OS instance. The zero value means
// "unknown" or "any"; a zero peer id is never indexed by the registry's
// by-peer hash.
type VMID uint32

func (v VMID) String() string {
	return fmt.Sprintf("vm-%d", uint32(v))
}

// Seq correlates a request frame to its reply. Zero means
// fire-and-forget; any other value is a caller-assigned correlator.
type Seq uint64

// Code selects which registered callback handles a frame.
type Code uint32

// PortType is the bitset of capabilities a port can be classified
// with. Multiple bits may be set on the same port at once; the
// capabilities are orthogonal flags, not a type hierarchy.
type PortType uint32

const (
	// Server is a listening endpoint that accepts new client streams.
	Server PortType = 1 << iota
	// Listen is a plain accepted/connected stream the poller reads from.
	Listen
	// DirectParent is the port toward this instance's direct parent.
	DirectParent
	// PIDLeader is the port toward the PID-namespace leader.
	PIDLeader
	// SysVLeader is the port toward the SysV-namespace leader.
	SysVLeader
	// Keepalive marks a port whose existence must keep the helper
	// alive past its owner's exit (see Lifecycle.ExitWithHelper).
	Keepalive
	// Pollable marks a port the poller must watch for readability.
	Pollable
)

// Has reports whether all bits in mask are set in t.
func (t PortType) Has(mask PortType) bool {
	return t&mask == mask
}

// Any reports whether any bit in mask is set in t.
func (t PortType) Any(mask PortType) bool {
	return t&mask != 0
}

func (t PortType) String() string {
	names := []struct {
		bit  PortType
		name string
	}{
		{Server, "SERVER"},
		{Listen, "LISTEN"},
		{DirectParent, "DIRECT_PARENT"},
		{PIDLeader, "PID_LEADER"},
		{SysVLeader, "SYSV_LEADER"},
		{Keepalive, "KEEPALIVE"},
		{Pollable, "POLLABLE"},
	}
	if t == 0 {
		return "NONE"
	}
	s := ""
	for _, n := range names {
		if t.Any(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	return s
}
