// Package terminal runs terminal-session commands in a pseudo-terminal and
// streams their output as content block fragments. Each Execute spawns one
// shell command; its output is chunked into code blocks so devices render it
// progressively, and the turn completes when the process exits. Terminal
// sessions are not restorable: once the backend forgets a session, the
// process and its scrollback are gone.
package terminal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-hub/internal/backend"
	"github.com/tiflis-io/tiflis-hub/internal/block"
)

const (
	readBufSize = 4096
	// maxTurnOutput caps how much command output is streamed for one turn.
	// Beyond this the process keeps draining but fragments stop, so a runaway
	// command cannot flood every subscribed device.
	maxTurnOutput = 128 * 1024
)

type run struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	cancelled bool
}

// Backend runs commands for terminal sessions. It implements the hub's
// backend contract; fragment events are emitted on the channel passed to
// NewBackend.
type Backend struct {
	events chan<- backend.Event
	shell  string

	mu        sync.Mutex
	dirs      map[string]string
	runs      map[string]*run
	cancelled map[string]bool
}

// NewBackend creates a terminal backend that emits fragments on events.
// shell is the command interpreter; empty selects /bin/bash.
func NewBackend(events chan<- backend.Event, shell string) *Backend {
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Backend{
		events:    events,
		shell:     shell,
		dirs:      make(map[string]string),
		runs:      make(map[string]*run),
		cancelled: make(map[string]bool),
	}
}

// Open binds a session id to its working directory. Commands for the session
// run there until Close.
func (b *Backend) Open(sessionID, workingDir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirs[sessionID] = workingDir
}

// Execute starts text as a shell command for sessionID. It returns once the
// process has started; output follows as fragment events. A session runs at
// most one command at a time.
func (b *Backend) Execute(ctx context.Context, sessionID, text string) error {
	b.mu.Lock()
	dir, ok := b.dirs[sessionID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("terminal session %s not open", sessionID)
	}
	if b.runs[sessionID] != nil {
		b.mu.Unlock()
		return fmt.Errorf("terminal session %s already executing", sessionID)
	}
	delete(b.cancelled, sessionID)

	cmd := exec.CommandContext(ctx, b.shell, "-c", text)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	if dir != "" {
		cmd.Dir = dir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("failed to start command: %w", err)
	}

	r := &run{cmd: cmd, ptmx: ptmx}
	b.runs[sessionID] = r
	b.mu.Unlock()

	go b.pump(sessionID, r)
	return nil
}

// pump streams process output until exit, then emits the completion event.
func (b *Backend) pump(sessionID string, r *run) {
	var total int
	truncated := false
	buf := make([]byte, readBufSize)
	for {
		n, err := r.ptmx.Read(buf)
		if n > 0 && !truncated {
			total += n
			content := string(buf[:n])
			if total > maxTurnOutput {
				truncated = true
				content += "\n[output truncated]"
				slog.Warn("terminal output truncated", "session_id", sessionID, "limit", maxTurnOutput)
			}
			b.events <- backend.Event{
				SessionID: sessionID,
				Blocks: []block.ContentBlock{{
					ID:        uuid.NewString(),
					BlockType: block.TypeCode,
					Content:   content,
					Language:  "console",
				}},
			}
		}
		if err != nil {
			// The PTY returns an error (EOF or EIO) once the child exits.
			break
		}
	}

	err := r.cmd.Wait()
	_ = r.ptmx.Close()

	b.mu.Lock()
	delete(b.runs, sessionID)
	wasCancelled := r.cancelled
	b.mu.Unlock()

	var final []block.ContentBlock
	if err != nil && !wasCancelled {
		if _, ok := err.(*exec.ExitError); !ok {
			// Non-zero exits are normal terminal results; anything else
			// (wait failure, killed by the context) is surfaced in-band.
			final = append(final, block.ContentBlock{
				ID:        uuid.NewString(),
				BlockType: block.TypeError,
				Content:   fmt.Sprintf("command failed: %v", err),
			})
		}
	}
	b.events <- backend.Event{SessionID: sessionID, Blocks: final, IsComplete: true}
}

// Cancel kills the in-flight command for sessionID, if any. The completion
// event still follows once the process is reaped.
func (b *Backend) Cancel(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.runs[sessionID]
	if r == nil {
		return
	}
	r.cancelled = true
	b.cancelled[sessionID] = true
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	_ = r.ptmx.Close()
}

// IsExecuting reports whether sessionID has a command in flight.
func (b *Backend) IsExecuting(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs[sessionID] != nil
}

// WasCancelled reports whether the session's last turn was cancelled. The
// flag clears on the next Execute.
func (b *Backend) WasCancelled(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[sessionID]
}

// Close kills any in-flight command and forgets the session.
func (b *Backend) Close(sessionID string) {
	b.mu.Lock()
	r := b.runs[sessionID]
	delete(b.runs, sessionID)
	delete(b.dirs, sessionID)
	delete(b.cancelled, sessionID)
	b.mu.Unlock()

	if r != nil {
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.ptmx.Close()
	}
}

// Shutdown kills every in-flight command.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	var open []string
	for id := range b.dirs {
		open = append(open, id)
	}
	b.mu.Unlock()

	for _, id := range open {
		b.Close(id)
	}
}
