// Package block defines the tagged-union content unit streamed from session
// backends and the pure merge rules that collapse incremental fragments into
// a coherent turn. Everything here is free of I/O so the hub loop and tests
// can call it without coordination.
package block

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Type identifies the kind of a ContentBlock. The set is closed; unknown
// types are rejected at the protocol boundary before reaching the hub.
type Type string

const (
	TypeText        Type = "text"
	TypeCode        Type = "code"
	TypeTool        Type = "tool"
	TypeThinking    Type = "thinking"
	TypeError       Type = "error"
	TypeCancel      Type = "cancel"
	TypeVoiceInput  Type = "voice_input"
	TypeVoiceOutput Type = "voice_output"
	TypeStatus      Type = "status"
)

// ToolStatus tracks the lifecycle of a tool invocation inside a turn.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// ContentBlock is one unit of streamed output. Tool fields are only set when
// BlockType is TypeTool; voice fields only for the voice types. ToolOutput is
// a pointer so "no output yet" and "empty output" stay distinguishable, which
// the merge policy depends on.
type ContentBlock struct {
	ID        string `json:"id"`
	BlockType Type   `json:"block_type"`
	Content   string `json:"content,omitempty"`

	// Code blocks.
	Language string `json:"language,omitempty"`

	// Tool blocks. ToolUseID correlates the tool_use fragment with the
	// later tool_result fragment for the same invocation.
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput *string         `json:"tool_output,omitempty"`
	ToolStatus ToolStatus      `json:"tool_status,omitempty"`

	// Voice blocks.
	DurationMS int64  `json:"duration_ms,omitempty"`
	AudioID    string `json:"audio_id,omitempty"`
}

// IsTool reports whether the block is a mergeable tool block. Tool blocks
// without a correlation id are treated like plain blocks.
func (b ContentBlock) IsTool() bool {
	return b.BlockType == TypeTool && b.ToolUseID != ""
}

// Text returns a text block with a fresh id.
func Text(content string) ContentBlock {
	return ContentBlock{ID: uuid.New().String(), BlockType: TypeText, Content: content}
}

// Code returns a code block with a fresh id.
func Code(content, language string) ContentBlock {
	return ContentBlock{ID: uuid.New().String(), BlockType: TypeCode, Content: content, Language: language}
}

// Thinking returns a thinking block with a fresh id.
func Thinking(content string) ContentBlock {
	return ContentBlock{ID: uuid.New().String(), BlockType: TypeThinking, Content: content}
}

// Error returns an error block with a fresh id. A turn containing one of
// these persists with role "system" so clients can tell failures from normal
// replies.
func Error(message string) ContentBlock {
	return ContentBlock{ID: uuid.New().String(), BlockType: TypeError, Content: message}
}

// Cancel returns the synthetic block broadcast and persisted when a turn is
// cancelled.
func Cancel() ContentBlock {
	return ContentBlock{ID: uuid.New().String(), BlockType: TypeCancel, Content: "Cancelled"}
}

// Status returns an ephemeral status block. Status blocks are broadcast but
// never persisted.
func Status(content string) ContentBlock {
	return ContentBlock{ID: uuid.New().String(), BlockType: TypeStatus, Content: content}
}

// VoiceInput returns the block representing a transcribed user utterance.
func VoiceInput(transcript string, durationMS int64, audioID string) ContentBlock {
	return ContentBlock{
		ID:         uuid.New().String(),
		BlockType:  TypeVoiceInput,
		Content:    transcript,
		DurationMS: durationMS,
		AudioID:    audioID,
	}
}

// VoiceOutput returns the block referencing a synthesized reply. The audio
// itself is fetched by id; only the reference travels with the block.
func VoiceOutput(audioID string, durationMS int64) ContentBlock {
	return ContentBlock{
		ID:         uuid.New().String(),
		BlockType:  TypeVoiceOutput,
		DurationMS: durationMS,
		AudioID:    audioID,
	}
}

// placeholderName reports whether a tool name carries no information. ACP
// emits "unknown" before the real tool name is known.
func placeholderName(name string) bool {
	return name == "" || name == "unknown"
}

// terminal reports whether a tool status must not be overwritten by
// "running".
func terminal(s ToolStatus) bool {
	return s == ToolCompleted || s == ToolFailed
}

// mergeTool folds src into dst, both referring to the same ToolUseID.
//
// Policy: prefer a real name over a placeholder, prefer non-null input and
// output over null, never regress a terminal status back to running, and
// adopt the incoming status only when the incoming block carries new output.
// Backends emit tool_use (input, running) and tool_result (output, completed)
// as separate fragments; this is where they collapse into one block.
func mergeTool(dst *ContentBlock, src ContentBlock) {
	if placeholderName(dst.ToolName) && !placeholderName(src.ToolName) {
		dst.ToolName = src.ToolName
	}
	if dst.ToolInput == nil && src.ToolInput != nil {
		dst.ToolInput = src.ToolInput
	}
	if src.ToolOutput != nil {
		dst.ToolOutput = src.ToolOutput
		if src.ToolStatus != "" && !(terminal(dst.ToolStatus) && src.ToolStatus == ToolRunning) {
			dst.ToolStatus = src.ToolStatus
		}
	}
	if src.Content != "" && dst.Content == "" {
		dst.Content = src.Content
	}
}

// sameBlock reports whether b is a replay of the tail block. Guards the
// accumulator against backends re-emitting the previous fragment verbatim.
func sameBlock(a, b ContentBlock) bool {
	return a.ID == b.ID && a.BlockType == b.BlockType && a.Content == b.Content
}

// Accumulate merges a fragment batch into the in-progress turn, in place.
// Tool blocks join an existing block with the same ToolUseID instead of
// duplicating it; other blocks append unless they replay the current tail.
func Accumulate(existing *[]ContentBlock, incoming []ContentBlock) {
	for _, in := range incoming {
		if in.IsTool() {
			merged := false
			for i := range *existing {
				if (*existing)[i].IsTool() && (*existing)[i].ToolUseID == in.ToolUseID {
					mergeTool(&(*existing)[i], in)
					merged = true
					break
				}
			}
			if !merged {
				*existing = append(*existing, in)
			}
			continue
		}
		if n := len(*existing); n > 0 && sameBlock((*existing)[n-1], in) {
			continue
		}
		*existing = append(*existing, in)
	}
}

// MergeToolBlocks flattens a full snapshot so each ToolUseID appears exactly
// once, preserving first-occurrence order. It is idempotent: applying it to
// already-merged input returns an equal list. Every snapshot passes through
// here before broadcast or persistence.
func MergeToolBlocks(blocks []ContentBlock) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	index := make(map[string]int)
	for _, b := range blocks {
		if !b.IsTool() {
			out = append(out, b)
			continue
		}
		if i, ok := index[b.ToolUseID]; ok {
			mergeTool(&out[i], b)
			continue
		}
		index[b.ToolUseID] = len(out)
		out = append(out, b)
	}
	return out
}

// StripEphemeral drops status blocks before persistence. Returns a new slice;
// the input is untouched.
func StripEphemeral(blocks []ContentBlock) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.BlockType == TypeStatus {
			continue
		}
		out = append(out, b)
	}
	return out
}

// HasError reports whether any block in the turn is an error block. Such
// turns persist with role "system".
func HasError(blocks []ContentBlock) bool {
	for _, b := range blocks {
		if b.BlockType == TypeError {
			return true
		}
	}
	return false
}

// PlainText joins the human-readable content of a turn, used when a reply is
// handed to speech synthesis. Tool, status, and voice blocks contribute
// nothing.
func PlainText(blocks []ContentBlock) string {
	var out string
	for _, b := range blocks {
		if b.BlockType != TypeText || b.Content == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Content
	}
	return out
}
