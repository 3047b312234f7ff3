// Package backend defines the contract between the hub and the processes
// that actually run commands: agent subprocesses and PTY terminals. Backends
// emit fragment events onto a channel the hub consumes; they never touch hub
// state directly.
package backend

import (
	"context"

	"github.com/tiflis-io/tiflis-hub/internal/block"
)

// Event is one fragment batch emitted by a running backend for an in-progress
// turn. IsComplete marks the final batch of the turn; its Blocks may be
// empty. For a given SessionID, events are emitted in order.
type Event struct {
	SessionID  string
	Blocks     []block.ContentBlock
	IsComplete bool
}

// Backend runs commands for its sessions and streams fragments to the event
// channel it was constructed with.
//
// Execute starts a turn and returns once the command is accepted; fragments
// follow asynchronously. Cancel is cooperative: it aborts the in-flight turn
// and the backend still emits a final completion event. WasCancelled reports
// whether the last turn was cancelled, until the next Execute for that
// session. Close tears down the session's process.
type Backend interface {
	Execute(ctx context.Context, sessionID, text string) error
	Cancel(sessionID string)
	IsExecuting(sessionID string) bool
	WasCancelled(sessionID string) bool
	Close(sessionID string)
}
