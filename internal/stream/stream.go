// Package stream holds the per-session turn accumulators. A Table tracks the
// in-progress assistant turn for each accumulator key, merges fragment
// batches as they arrive from a backend, and decides what the hub should do
// with each batch: broadcast a partial snapshot, finish and persist the turn,
// or drop a stale fragment from a cancelled turn.
//
// A Table is not safe for concurrent use. The hub owns it and applies every
// mutation from its single event loop, which is what keeps fragments for the
// same key ordered without locks.
package stream

import (
	"github.com/tiflis-io/tiflis-hub/internal/block"
)

// Action tells the hub how to handle the result of applying a fragment batch.
type Action int

const (
	// ActionNone means the batch was dropped or produced nothing to send.
	ActionNone Action = iota
	// ActionBroadcast means a partial snapshot should be broadcast with
	// isComplete=false.
	ActionBroadcast
	// ActionComplete means the turn finished: broadcast Snapshot with
	// isComplete=true and persist the Persist blocks as one message.
	ActionComplete
	// ActionCompleteEmpty means the turn finished with nothing accumulated.
	// The completion should still be broadcast so devices clear their
	// executing indicators, but there is nothing to persist and the empty
	// turn is worth a warning in the log.
	ActionCompleteEmpty
)

// Result is the outcome of applying one fragment batch.
type Result struct {
	Action   Action
	Snapshot []block.ContentBlock // flattened blocks to broadcast
	Persist  []block.ContentBlock // status-stripped blocks to persist (ActionComplete)
	Voice    bool                 // the turn was started by a voice command
}

type state struct {
	blocks    []block.ContentBlock
	streaming bool
	cancelled bool
	voice     bool
}

// Table owns every live accumulator, keyed by session id (the supervisor
// session uses its fixed id like any other key).
type Table struct {
	states map[string]*state
}

func NewTable() *Table {
	return &Table{states: make(map[string]*state)}
}

// Begin records that a new command was accepted for key. It clears any
// cancellation latch left by a previous turn and remembers whether the
// command came in via voice, so the completed turn can be spoken back.
func (t *Table) Begin(key string, voice bool) {
	t.states[key] = &state{voice: voice}
}

// Fragment merges one batch into the key's accumulator and reports what to do
// with it. The accumulator is allocated on the first fragment of a turn and
// released when the turn completes. Batches for a cancelled turn are dropped
// until Begin is called again for the key.
func (t *Table) Fragment(key string, blocks []block.ContentBlock, isComplete bool) Result {
	st, ok := t.states[key]
	if !ok {
		st = &state{}
		t.states[key] = st
	}
	if st.cancelled {
		return Result{Action: ActionNone, Voice: st.voice}
	}

	st.streaming = true
	block.Accumulate(&st.blocks, blocks)
	merged := block.MergeToolBlocks(st.blocks)

	if !isComplete {
		if len(merged) == 0 {
			return Result{Action: ActionNone, Voice: st.voice}
		}
		st.blocks = merged
		return Result{Action: ActionBroadcast, Snapshot: merged, Voice: st.voice}
	}

	voice := st.voice
	delete(t.states, key)

	if len(merged) == 0 {
		return Result{Action: ActionCompleteEmpty, Voice: voice}
	}
	return Result{
		Action:   ActionComplete,
		Snapshot: merged,
		Persist:  block.StripEphemeral(merged),
		Voice:    voice,
	}
}

// Cancel discards the key's accumulator and latches the key so that fragments
// still in flight for the cancelled turn are dropped instead of reviving it.
// It reports whether a live accumulator existed.
func (t *Table) Cancel(key string) bool {
	st, ok := t.states[key]
	live := ok && st.streaming
	t.states[key] = &state{cancelled: true}
	return live
}

// Discard removes all accumulator state for key, latch included. Used when a
// session is terminated outright.
func (t *Table) Discard(key string) {
	delete(t.states, key)
}

// Streaming reports whether key has a live accumulator with content.
func (t *Table) Streaming(key string) bool {
	st, ok := t.states[key]
	return ok && st.streaming && !st.cancelled && len(st.blocks) > 0
}

// Live returns the flattened snapshot of key's in-progress turn, or nil if
// nothing is streaming. Subscribers joining mid-turn render this immediately
// instead of waiting for the next fragment.
func (t *Table) Live(key string) []block.ContentBlock {
	if !t.Streaming(key) {
		return nil
	}
	return block.MergeToolBlocks(t.states[key].blocks)
}

// LiveSnapshots returns the flattened snapshot for every streaming key.
// Used to build sync responses for reconnecting devices.
func (t *Table) LiveSnapshots() map[string][]block.ContentBlock {
	out := make(map[string][]block.ContentBlock)
	for key := range t.states {
		if blocks := t.Live(key); blocks != nil {
			out[key] = blocks
		}
	}
	return out
}
