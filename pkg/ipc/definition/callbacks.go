package definition

import (
	"github.com/shimcore/ipc/pkg/ipc/core"
	"github.com/shimcore/ipc/pkg/ipc/types"
)

// Message codes for the built-in callback table entries. Application
// code using the IPC core defines its own codes above these; 0 (the
// response code) is reserved by core.Node's dispatch and never
// reachable through CallbackTable.
const (
	// CodePing answers with a bare success reply (a zero retval).
	CodePing types.Code = 100 + iota
	// CodeEcho round-trips its payload unchanged.
	CodeEcho
	// CodeChildExit is a minimal PID-leader-style exit notification.
	CodeChildExit
)

// PingCallback answers CodePing requests with a success reply carrying
// no payload of its own; the response body is the 4-byte zero retval.
func PingCallback(frame *types.Frame, port *core.Port) (core.CallbackResult, []byte) {
	return core.ResponseCallback, nil
}

// EchoCallback answers CodeEcho requests by copying the request's
// payload back as the reply's payload.
func EchoCallback(frame *types.Frame, port *core.Port) (core.CallbackResult, []byte) {
	return core.ResponseCallback, frame.Body
}

// ChildExitCallback logs a child's exit and consumes the frame without
// replying, the same "don't propagate, just record" shape as a
// PID-leader exit notification.
func ChildExitCallback(log types.Logger) core.Callback {
	return func(frame *types.Frame, port *core.Port) (core.CallbackResult, []byte) {
		log.Infof("child %s exited", frame.Src)
		return 0, nil
	}
}

// Message code 0 (the response code) is handled internally by
// core.Node's dispatch before consulting the callback table at all, so
// no table entry is needed or possible for it.

// BuiltinCallbacks returns the demonstration table entries described
// above, ready to be merged into an application's own CallbackTable.
func BuiltinCallbacks(log types.Logger) core.CallbackTable {
	return core.NewCallbackTable(map[types.Code]core.Callback{
		CodePing:      PingCallback,
		CodeEcho:      EchoCallback,
		CodeChildExit: ChildExitCallback(log),
	})
}
