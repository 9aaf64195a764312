package core

import (
	"github.com/shimcore/ipc/pkg/ipc/types"
)

// CallbackResult is the value a registered callback returns: zero
// means consumed with no reply, negative carries an error value to
// reflect back as a response when the frame had a non-zero seq, and
// ResponseCallback is the sentinel meaning "send an explicit success
// response now".
type CallbackResult int32

// ResponseCallback is the "send-response-now" sentinel, distinct from
// 0 (consumed) and any negative error value.
const ResponseCallback CallbackResult = 1<<31 - 1

// Callback handles one inbound frame. port is the port the frame
// arrived on, not necessarily the port the reply (if any) will be
// addressed to; frame.Src identifies the logical sender. When the
// callback returns ResponseCallback, replyBody becomes the response
// frame's payload.
type Callback func(frame *types.Frame, port *Port) (result CallbackResult, replyBody []byte)

// CallbackTable is the immutable, code-indexed dispatch table the
// receive path consults. Build one with NewCallbackTable and treat it
// as read-only from then on; no lock guards it.
type CallbackTable map[types.Code]Callback

// NewCallbackTable copies entries into a fresh, independently-owned
// table.
func NewCallbackTable(entries map[types.Code]Callback) CallbackTable {
	t := make(CallbackTable, len(entries))
	for code, cb := range entries {
		t[code] = cb
	}
	return t
}
