package agent

import (
	"encoding/json"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-hub/internal/block"
)

// toolInputMeta is what we can reconstruct of a tool invocation's input from
// the protocol's call metadata, serialized into the tool block's input field.
type toolInputMeta struct {
	Kind      string `json:"kind,omitempty"`
	Locations []struct {
		Path string `json:"path,omitempty"`
		Line *int   `json:"line,omitempty"`
	} `json:"locations,omitempty"`
}

// BlocksFromUpdate converts one agent session update into zero or more
// content block fragments.
//
// Not every update produces blocks. User message chunks are skipped (the hub
// already broadcast and persisted the user's message itself), and updates we
// have no rendering for are dropped. Tool calls and their later result
// updates share a toolUseId so the accumulator collapses them into one
// visible block.
func BlocksFromUpdate(u acpsdk.SessionUpdate) []block.ContentBlock {
	var blocks []block.ContentBlock

	if u.AgentMessageChunk != nil {
		if text := contentBlockText(u.AgentMessageChunk.Content); text != "" {
			blocks = append(blocks, block.ContentBlock{
				ID:        uuid.NewString(),
				BlockType: block.TypeText,
				Content:   text,
			})
		}
	}

	if u.AgentThoughtChunk != nil {
		if text := contentBlockText(u.AgentThoughtChunk.Content); text != "" {
			blocks = append(blocks, block.ContentBlock{
				ID:        uuid.NewString(),
				BlockType: block.TypeThinking,
				Content:   text,
			})
		}
	}

	if u.ToolCall != nil {
		tc := u.ToolCall
		name := string(tc.Title)
		if name == "" {
			name = string(tc.Kind)
		}
		b := block.ContentBlock{
			ID:         uuid.NewString(),
			BlockType:  block.TypeTool,
			ToolUseID:  string(tc.ToolCallId),
			ToolName:   name,
			ToolStatus: block.ToolRunning,
		}
		meta := toolInputMeta{Kind: string(tc.Kind)}
		for _, loc := range tc.Locations {
			meta.Locations = append(meta.Locations, struct {
				Path string `json:"path,omitempty"`
				Line *int   `json:"line,omitempty"`
			}{Path: loc.Path, Line: loc.Line})
		}
		if meta.Kind != "" || len(meta.Locations) > 0 {
			if data, err := json.Marshal(meta); err == nil {
				b.ToolInput = data
			}
		}
		if text := toolCallContentsText(tc.Content); text != "" {
			out := text
			b.ToolOutput = &out
		}
		blocks = append(blocks, b)
	}

	if u.ToolCallUpdate != nil {
		tu := u.ToolCallUpdate
		b := block.ContentBlock{
			ID:        uuid.NewString(),
			BlockType: block.TypeTool,
			ToolUseID: string(tu.ToolCallId),
		}
		if tu.Status != nil {
			switch *tu.Status {
			case acpsdk.ToolCallStatusCompleted:
				b.ToolStatus = block.ToolCompleted
			case acpsdk.ToolCallStatusFailed:
				b.ToolStatus = block.ToolFailed
			default:
				b.ToolStatus = block.ToolRunning
			}
		}
		text := toolCallContentsText(tu.Content)
		if text != "" || terminalStatus(b.ToolStatus) {
			// A terminal status with no content still needs a non-nil output
			// so the accumulator adopts the status change.
			out := text
			b.ToolOutput = &out
		}
		if b.ToolStatus == "" && b.ToolOutput == nil {
			return blocks
		}
		blocks = append(blocks, b)
	}

	return blocks
}

func terminalStatus(s block.ToolStatus) bool {
	return s == block.ToolCompleted || s == block.ToolFailed
}

// contentBlockText extracts plain text from a protocol content block.
func contentBlockText(cb acpsdk.ContentBlock) string {
	if cb.Text != nil {
		return cb.Text.Text
	}
	return ""
}

// toolCallContentsText aggregates text from tool call content entries.
func toolCallContentsText(contents []acpsdk.ToolCallContent) string {
	var text string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			if text != "" {
				text += "\n"
			}
			text += c.Content.Content.Text.Text
		}
		if c.Diff != nil {
			if text != "" {
				text += "\n"
			}
			text += "diff: " + c.Diff.Path
		}
	}
	return text
}
