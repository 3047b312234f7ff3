package terminal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tiflis-io/tiflis-hub/internal/backend"
	"github.com/tiflis-io/tiflis-hub/internal/block"
)

// drainTurn collects events for one session until the completion event or a
// timeout.
func drainTurn(t *testing.T, events <-chan backend.Event) []backend.Event {
	t.Helper()
	var out []backend.Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
			if ev.IsComplete {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for completion event (got %d events)", len(out))
		}
	}
}

func turnText(events []backend.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		for _, b := range ev.Blocks {
			sb.WriteString(b.Content)
		}
	}
	return sb.String()
}

func TestExecuteStreamsOutputAndCompletes(t *testing.T) {
	events := make(chan backend.Event, 64)
	b := NewBackend(events, "/bin/sh")
	b.Open("s1", t.TempDir())

	if err := b.Execute(context.Background(), "s1", "echo hello-terminal"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	turn := drainTurn(t, events)
	if !strings.Contains(turnText(turn), "hello-terminal") {
		t.Fatalf("output %q does not contain command output", turnText(turn))
	}
	for _, ev := range turn {
		for _, blk := range ev.Blocks {
			if blk.BlockType != block.TypeCode {
				t.Fatalf("unexpected block type %q", blk.BlockType)
			}
			if blk.Language != "console" {
				t.Fatalf("language = %q, want console", blk.Language)
			}
		}
	}
	if b.IsExecuting("s1") {
		t.Fatal("session still executing after completion")
	}
}

func TestExecuteRunsInWorkingDir(t *testing.T) {
	events := make(chan backend.Event, 64)
	b := NewBackend(events, "/bin/sh")
	dir := t.TempDir()
	b.Open("s1", dir)

	if err := b.Execute(context.Background(), "s1", "pwd"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	turn := drainTurn(t, events)
	if !strings.Contains(turnText(turn), dir) {
		t.Fatalf("pwd output %q does not mention %q", turnText(turn), dir)
	}
}

func TestExecuteRejectsConcurrentCommands(t *testing.T) {
	events := make(chan backend.Event, 64)
	b := NewBackend(events, "/bin/sh")
	b.Open("s1", t.TempDir())

	if err := b.Execute(context.Background(), "s1", "sleep 5"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !b.IsExecuting("s1") {
		t.Fatal("expected session to be executing")
	}
	if err := b.Execute(context.Background(), "s1", "echo nope"); err == nil {
		t.Fatal("second Execute should fail while a command runs")
	}

	b.Cancel("s1")
	drainTurn(t, events)
}

func TestCancelKillsProcessAndLatches(t *testing.T) {
	events := make(chan backend.Event, 64)
	b := NewBackend(events, "/bin/sh")
	b.Open("s1", t.TempDir())

	if err := b.Execute(context.Background(), "s1", "sleep 30"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	start := time.Now()
	b.Cancel("s1")
	drainTurn(t, events)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancel took %v, expected prompt kill", elapsed)
	}
	if !b.WasCancelled("s1") {
		t.Fatal("WasCancelled should hold after cancel")
	}

	// The flag clears on the next command.
	if err := b.Execute(context.Background(), "s1", "true"); err != nil {
		t.Fatalf("Execute after cancel: %v", err)
	}
	if b.WasCancelled("s1") {
		t.Fatal("WasCancelled should clear on new Execute")
	}
	drainTurn(t, events)
}

func TestExecuteRequiresOpenSession(t *testing.T) {
	events := make(chan backend.Event, 1)
	b := NewBackend(events, "/bin/sh")

	if err := b.Execute(context.Background(), "ghost", "echo hi"); err == nil {
		t.Fatal("Execute should fail for an unopened session")
	}
}

func TestCloseForgetsSession(t *testing.T) {
	events := make(chan backend.Event, 64)
	b := NewBackend(events, "/bin/sh")
	b.Open("s1", t.TempDir())
	b.Close("s1")

	if err := b.Execute(context.Background(), "s1", "echo hi"); err == nil {
		t.Fatal("Execute should fail after Close")
	}
}
