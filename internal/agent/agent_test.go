package agent

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/tiflis-io/tiflis-hub/internal/backend"
	"github.com/tiflis-io/tiflis-hub/internal/block"
	"github.com/tiflis-io/tiflis-hub/internal/catalog"
)

func ghostAgent() catalog.Agent {
	return catalog.Agent{
		ID:      "ghost",
		Name:    "Ghost",
		Command: "/nonexistent/agent-binary",
	}
}

func TestExecuteRequiresOpenSession(t *testing.T) {
	events := make(chan backend.Event, 4)
	b := NewBackend(events, nil)

	err := b.Execute(context.Background(), "never-opened", "hello")
	if err == nil || !strings.Contains(err.Error(), "not open") {
		t.Fatalf("expected not-open error, got %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	events := make(chan backend.Event, 4)
	b := NewBackend(events, nil)

	b.Open("s1", ghostAgent(), "/tmp", "")
	b.Open("s1", ghostAgent(), "/elsewhere", "acp-9")

	if !b.IsOpen("s1") {
		t.Fatal("session must be open")
	}
	if b.IsOpen("s2") {
		t.Fatal("unknown session must not be open")
	}
}

func TestSpawnFailureSurfacesAsErrorCompletion(t *testing.T) {
	events := make(chan backend.Event, 4)
	b := NewBackend(events, nil)

	b.Open("s1", ghostAgent(), t.TempDir(), "")
	if err := b.Execute(context.Background(), "s1", "do something"); err != nil {
		t.Fatalf("Execute must accept the turn, got %v", err)
	}

	select {
	case ev := <-events:
		if !ev.IsComplete {
			t.Fatalf("expected a completion event, got %+v", ev)
		}
		if len(ev.Blocks) != 1 || ev.Blocks[0].BlockType != block.TypeError {
			t.Fatalf("expected one error block, got %+v", ev.Blocks)
		}
		if !strings.Contains(ev.Blocks[0].Content, "agent error") {
			t.Fatalf("unexpected error content %q", ev.Blocks[0].Content)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event after spawn failure")
	}

	if b.IsExecuting("s1") {
		t.Fatal("turn must be finished after spawn failure")
	}
}

func TestCancelWithoutTurnIsNoOp(t *testing.T) {
	events := make(chan backend.Event, 4)
	b := NewBackend(events, nil)

	b.Cancel("missing")
	b.Open("s1", ghostAgent(), "/tmp", "")
	b.Cancel("s1")

	if b.WasCancelled("s1") {
		t.Fatal("cancel with no turn in flight must not latch")
	}
}

func TestCloseForgetsSession(t *testing.T) {
	events := make(chan backend.Event, 4)
	b := NewBackend(events, nil)

	b.Open("s1", ghostAgent(), "/tmp", "")
	b.Close("s1")

	if b.IsOpen("s1") {
		t.Fatal("closed session must be forgotten")
	}
	if err := b.Execute(context.Background(), "s1", "hi"); err == nil {
		t.Fatal("execute after close must fail")
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	events := make(chan backend.Event, 4)
	b := NewBackend(events, nil)

	b.Open("s1", ghostAgent(), "/tmp", "")
	b.Open("s2", ghostAgent(), "/tmp", "")
	b.Shutdown()

	if b.IsOpen("s1") || b.IsOpen("s2") {
		t.Fatal("shutdown must close every session")
	}
}

func TestFileCallbacks(t *testing.T) {
	events := make(chan backend.Event, 4)
	b := NewBackend(events, nil)
	b.Open("s1", ghostAgent(), "/tmp", "")

	c := &acpClient{backend: b, session: &binding{sessionID: "s1"}}

	path := filepath.Join(t.TempDir(), "note.txt")
	if _, err := c.WriteTextFile(context.Background(), acpsdk.WriteTextFileRequest{
		Path:    path,
		Content: "remember this",
	}); err != nil {
		t.Fatalf("WriteTextFile: %v", err)
	}

	resp, err := c.ReadTextFile(context.Background(), acpsdk.ReadTextFileRequest{Path: path})
	if err != nil {
		t.Fatalf("ReadTextFile: %v", err)
	}
	if resp.Content != "remember this" {
		t.Fatalf("unexpected content %q", resp.Content)
	}

	if _, err := c.ReadTextFile(context.Background(), acpsdk.ReadTextFileRequest{}); err == nil {
		t.Fatal("empty path must be rejected")
	}

	big := strings.Repeat("x", maxFileSize+1)
	if _, err := c.WriteTextFile(context.Background(), acpsdk.WriteTextFileRequest{
		Path:    path,
		Content: big,
	}); err == nil {
		t.Fatal("oversized write must be rejected")
	}
	if data, err := os.ReadFile(path); err != nil || string(data) != "remember this" {
		t.Fatalf("rejected write must not touch the file: %q %v", data, err)
	}
}

func TestPermissionRequestWithoutOptionsIsCancelled(t *testing.T) {
	c := &acpClient{session: &binding{sessionID: "s1"}}

	resp, err := c.RequestPermission(context.Background(), acpsdk.RequestPermissionRequest{})
	if err != nil {
		t.Fatalf("RequestPermission: %v", err)
	}
	want := acpsdk.NewRequestPermissionOutcomeCancelled()
	if !reflect.DeepEqual(resp.Outcome, want) {
		t.Fatalf("expected cancelled outcome, got %+v", resp.Outcome)
	}
}
