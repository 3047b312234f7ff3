package hub

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/tiflis-io/tiflis-hub/internal/block"
	"github.com/tiflis-io/tiflis-hub/internal/history"
	"github.com/tiflis-io/tiflis-hub/internal/protocol"
)

// handleVoice accepts a recorded clip and hands it to the transcription
// service off-loop. The turn itself starts only when cmdTranscribed comes
// back with text, so the loop never blocks on the network.
func (h *Hub) handleVoice(deviceID, messageID, key, audioB64, format string) {
	if !h.acceptCommand(deviceID, messageID) {
		return
	}
	if h.speech == nil || !h.speech.CanTranscribe() {
		h.sendError(deviceID, protocol.Errorf(protocol.CodeTranscriptionFailed,
			"transcription service is not configured"), messageID)
		return
	}
	if _, perr := h.resolveSession(key); perr != nil {
		h.sendError(deviceID, perr, messageID)
		return
	}
	clip, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		h.sendError(deviceID, protocol.Errorf(protocol.CodeInvalidMessage,
			"audio must be base64 encoded"), messageID)
		return
	}
	if _, busy := h.voiceJobs[key]; busy {
		h.sendError(deviceID, protocol.Errorf(protocol.CodeSessionBusy,
			"session %s is already transcribing a voice command", key), messageID)
		return
	}

	tctx, cancelJob := context.WithCancel(h.ctx)
	h.voiceJobs[key] = cancelJob
	go func() {
		tr, terr := h.speech.Transcribe(tctx, clip, format)
		out := cmdTranscribed{
			key:       key,
			deviceID:  deviceID,
			messageID: messageID,
			aborted:   tctx.Err() != nil,
			err:       terr,
		}
		if terr == nil {
			out.text = tr.Text
			out.durationMS = tr.Duration.Milliseconds()
			if h.audio != nil {
				out.audioID = h.audio.Put(clip, audioContentType(format))
			}
		}
		h.post(out)
	}()
}

func (h *Hub) handleTranscribed(c cmdTranscribed) {
	if cancelJob, ok := h.voiceJobs[c.key]; ok {
		cancelJob()
		delete(h.voiceJobs, c.key)
	}
	if c.aborted {
		slog.Info("transcription aborted by cancel", "session_id", c.key)
		return
	}
	if c.err != nil {
		slog.Warn("transcription failed", "session_id", c.key, "error", c.err)
		h.sendError(c.deviceID, protocol.Errorf(protocol.CodeTranscriptionFailed,
			"could not transcribe audio"), c.messageID)
		return
	}
	if c.text == "" {
		h.sendError(c.deviceID, protocol.Errorf(protocol.CodeTranscriptionFailed,
			"no speech recognized"), c.messageID)
		return
	}
	// The session may have been terminated while the clip was in flight.
	s, perr := h.resolveSession(c.key)
	if perr != nil {
		h.sendError(c.deviceID, perr, c.messageID)
		return
	}
	voiceBlock := block.VoiceInput(c.text, c.durationMS, c.audioID)
	h.runUserMessage(s, c.deviceID, c.messageID, []block.ContentBlock{voiceBlock}, c.text, true)
}

// startSynthesis renders a completed voice turn's reply as audio off-loop.
// The clip lands later as cmdSynthesized and is announced with a
// voice_output block referencing the cache entry.
func (h *Hub) startSynthesis(key, text string) {
	if !h.cfg.Synthesize || h.audio == nil || h.speech == nil || !h.speech.CanSynthesize() {
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	go func() {
		syn, err := h.speech.Synthesize(h.ctx, text)
		out := cmdSynthesized{key: key, err: err}
		if err == nil {
			out.audioID = h.audio.Put(syn.Audio, syn.ContentType)
			out.durationMS = syn.Duration.Milliseconds()
		}
		h.post(out)
	}()
}

func (h *Hub) handleSynthesized(c cmdSynthesized) {
	if c.err != nil {
		slog.Warn("speech synthesis failed", "session_id", c.key, "error", c.err)
		return
	}
	if !h.sessions.Has(c.key) {
		return
	}
	voiceBlock := block.VoiceOutput(c.audioID, c.durationMS)
	h.saveMessage(history.SaveParams{SessionID: c.key, Role: history.RoleSystem, Blocks: []block.ContentBlock{voiceBlock}})
	h.broadcastOutput(c.key, []block.ContentBlock{voiceBlock}, true)
}

// audioContentType maps a client-supplied clip format ("webm",
// "audio/webm;codecs=opus") to the MIME type the cache serves it under.
func audioContentType(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return "application/octet-stream"
	}
	if strings.Contains(format, "/") {
		if i := strings.IndexByte(format, ';'); i >= 0 {
			format = format[:i]
		}
		return strings.TrimSpace(format)
	}
	return "audio/" + format
}
