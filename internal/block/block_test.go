package block

import (
	"encoding/json"
	"reflect"
	"testing"
)

func strPtr(s string) *string { return &s }

func toolUse(id, name string, input string) ContentBlock {
	b := ContentBlock{
		ID:         "blk-" + id,
		BlockType:  TypeTool,
		ToolUseID:  id,
		ToolName:   name,
		ToolStatus: ToolRunning,
	}
	if input != "" {
		b.ToolInput = json.RawMessage(input)
	}
	return b
}

func toolResult(id string, output string, status ToolStatus) ContentBlock {
	return ContentBlock{
		ID:         "blk-" + id + "-result",
		BlockType:  TypeTool,
		ToolUseID:  id,
		ToolOutput: strPtr(output),
		ToolStatus: status,
	}
}

func TestAccumulateAppendsNonToolBlocks(t *testing.T) {
	var turn []ContentBlock
	Accumulate(&turn, []ContentBlock{Text("hello")})
	Accumulate(&turn, []ContentBlock{Text("world")})

	if len(turn) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(turn))
	}
	if turn[0].Content != "hello" || turn[1].Content != "world" {
		t.Fatalf("unexpected contents: %q %q", turn[0].Content, turn[1].Content)
	}
}

func TestAccumulateSkipsReplayedTailBlock(t *testing.T) {
	b := Text("same")
	var turn []ContentBlock
	Accumulate(&turn, []ContentBlock{b})
	Accumulate(&turn, []ContentBlock{b})

	if len(turn) != 1 {
		t.Fatalf("replayed fragment duplicated the tail: %d blocks", len(turn))
	}
}

func TestAccumulateMergesToolUseAndResult(t *testing.T) {
	var turn []ContentBlock
	Accumulate(&turn, []ContentBlock{toolUse("t1", "read_file", `{"path":"a.txt"}`)})
	Accumulate(&turn, []ContentBlock{toolResult("t1", "contents of a.txt", ToolCompleted)})

	if len(turn) != 1 {
		t.Fatalf("tool_use and tool_result did not collapse: %d blocks", len(turn))
	}
	got := turn[0]
	if got.ToolName != "read_file" {
		t.Fatalf("expected name read_file, got %q", got.ToolName)
	}
	if got.ToolInput == nil {
		t.Fatal("merged block lost input")
	}
	if got.ToolOutput == nil || *got.ToolOutput != "contents of a.txt" {
		t.Fatalf("merged block has wrong output: %v", got.ToolOutput)
	}
	if got.ToolStatus != ToolCompleted {
		t.Fatalf("expected completed, got %q", got.ToolStatus)
	}
}

func TestAccumulateNeverRegressesTerminalStatus(t *testing.T) {
	var turn []ContentBlock
	Accumulate(&turn, []ContentBlock{toolUse("t1", "run", "")})
	Accumulate(&turn, []ContentBlock{toolResult("t1", "done", ToolCompleted)})

	// Late replay of the original tool_use (running, no output) must not
	// disturb the completed block.
	Accumulate(&turn, []ContentBlock{toolUse("t1", "run", "")})

	if len(turn) != 1 {
		t.Fatalf("expected 1 block, got %d", len(turn))
	}
	if turn[0].ToolStatus != ToolCompleted {
		t.Fatalf("status regressed to %q", turn[0].ToolStatus)
	}
	if turn[0].ToolOutput == nil || *turn[0].ToolOutput != "done" {
		t.Fatalf("output changed: %v", turn[0].ToolOutput)
	}

	// Even an incoming block that carries output must not drag a terminal
	// status back to running.
	late := toolResult("t1", "partial", ToolRunning)
	Accumulate(&turn, []ContentBlock{late})
	if turn[0].ToolStatus != ToolCompleted {
		t.Fatalf("output-bearing running fragment regressed status to %q", turn[0].ToolStatus)
	}
	if *turn[0].ToolOutput != "partial" {
		t.Fatalf("new output should still be adopted, got %q", *turn[0].ToolOutput)
	}
}

func TestAccumulatePrefersRealToolName(t *testing.T) {
	var turn []ContentBlock
	Accumulate(&turn, []ContentBlock{toolUse("t1", "unknown", "")})
	Accumulate(&turn, []ContentBlock{toolUse("t1", "write_file", "")})
	Accumulate(&turn, []ContentBlock{toolUse("t1", "unknown", "")})

	if turn[0].ToolName != "write_file" {
		t.Fatalf("expected write_file, got %q", turn[0].ToolName)
	}
}

func TestMergeToolBlocksFlattensDuplicates(t *testing.T) {
	blocks := []ContentBlock{
		Text("before"),
		toolUse("t1", "grep", `{"pattern":"x"}`),
		Text("between"),
		toolResult("t1", "3 matches", ToolCompleted),
		toolUse("t2", "ls", ""),
	}

	merged := MergeToolBlocks(blocks)
	if len(merged) != 4 {
		t.Fatalf("expected 4 blocks after merge, got %d", len(merged))
	}
	if merged[1].ToolUseID != "t1" || merged[1].ToolOutput == nil {
		t.Fatalf("t1 not merged in place: %+v", merged[1])
	}
	if merged[3].ToolUseID != "t2" {
		t.Fatalf("order not preserved: %+v", merged[3])
	}
}

func TestMergeToolBlocksIsIdempotent(t *testing.T) {
	blocks := []ContentBlock{
		Text("a"),
		toolUse("t1", "read", `{"p":1}`),
		toolResult("t1", "out", ToolCompleted),
		Thinking("hmm"),
		toolUse("t2", "unknown", ""),
		toolResult("t2", "", ToolFailed),
		Status("working"),
	}

	once := MergeToolBlocks(blocks)
	twice := MergeToolBlocks(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("MergeToolBlocks not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}

	thrice := MergeToolBlocks(twice)
	if !reflect.DeepEqual(twice, thrice) {
		t.Fatalf("third application diverged")
	}
}

func TestMergeToolBlocksLeavesInputUntouched(t *testing.T) {
	blocks := []ContentBlock{
		toolUse("t1", "read", ""),
		toolResult("t1", "out", ToolCompleted),
	}
	MergeToolBlocks(blocks)

	// The source slice must keep both fragments; only the returned slice is
	// flattened.
	if len(blocks) != 2 {
		t.Fatalf("input mutated: %d blocks", len(blocks))
	}
	if blocks[0].ToolOutput != nil {
		t.Fatal("input block gained output")
	}
}

func TestStripEphemeralRemovesStatusBlocks(t *testing.T) {
	blocks := []ContentBlock{Status("tool starting"), Text("hi"), Status("done")}
	out := StripEphemeral(blocks)
	if len(out) != 1 || out[0].BlockType != TypeText {
		t.Fatalf("expected only the text block, got %+v", out)
	}
	if len(blocks) != 3 {
		t.Fatal("input slice mutated")
	}
}

func TestHasError(t *testing.T) {
	if HasError([]ContentBlock{Text("fine")}) {
		t.Fatal("false positive")
	}
	if !HasError([]ContentBlock{Text("x"), Error("boom")}) {
		t.Fatal("missed error block")
	}
}

func TestPlainTextJoinsTextBlocksOnly(t *testing.T) {
	blocks := []ContentBlock{
		Text("first"),
		Thinking("internal"),
		toolUse("t1", "ls", ""),
		Text("second"),
		Status("busy"),
	}
	got := PlainText(blocks)
	if got != "first\nsecond" {
		t.Fatalf("unexpected plain text: %q", got)
	}
}

func TestBlockWireShape(t *testing.T) {
	b := toolUse("t1", "read_file", `{"path":"x"}`)
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "block_type", "tool_use_id", "tool_name", "tool_status"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("wire object missing %q: %s", key, raw)
		}
	}
	if _, ok := m["tool_output"]; ok {
		t.Fatalf("null output must be omitted: %s", raw)
	}
}
