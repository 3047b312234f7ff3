package hub

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-hub/internal/backend"
	"github.com/tiflis-io/tiflis-hub/internal/block"
	"github.com/tiflis-io/tiflis-hub/internal/catalog"
	"github.com/tiflis-io/tiflis-hub/internal/history"
	"github.com/tiflis-io/tiflis-hub/internal/protocol"
	"github.com/tiflis-io/tiflis-hub/internal/session"
	"github.com/tiflis-io/tiflis-hub/internal/stream"
)

func (h *Hub) handleMessage(deviceID string, m protocol.ClientMessage) {
	switch msg := m.(type) {
	case protocol.AuthMessage:
		// the connection authenticated during the handshake; a repeated
		// auth frame is harmless
	case protocol.SyncRequest:
		h.handleSync(deviceID)
	case protocol.HistoryRequest:
		h.handleHistory(deviceID, msg)
	case protocol.SubscribeMessage:
		h.handleSubscribe(deviceID, msg.SessionID)
	case protocol.UnsubscribeMessage:
		h.devices.Unsubscribe(deviceID, msg.SessionID)
	case protocol.CreateSessionMessage:
		h.handleCreate(deviceID, msg)
	case protocol.TerminateSessionMessage:
		h.handleTerminate(deviceID, msg)
	case protocol.ExecuteMessage:
		h.handleExecute(deviceID, msg.MessageID, msg.SessionID, msg.Text)
	case protocol.CancelMessage:
		h.handleCancel(msg.SessionID)
	case protocol.SupervisorCommandMessage:
		h.handleExecute(deviceID, msg.MessageID, session.SupervisorID, msg.Text)
	case protocol.SupervisorCancelMessage:
		h.handleCancel(session.SupervisorID)
	case protocol.VoiceCommandMessage:
		key := msg.SessionID
		if msg.Type == protocol.MsgSupervisorVoice {
			key = session.SupervisorID
		}
		h.handleVoice(deviceID, msg.MessageID, key, msg.Audio, msg.Format)
	case protocol.AckMessage:
		h.handleAck(msg.MessageID)
	case protocol.PingMessage:
		h.devices.SendTo(deviceID, protocol.PongMessage{Type: protocol.MsgPong}, true)
	default:
		slog.Warn("unhandled client message", "device_id", deviceID, "type", fmt.Sprintf("%T", m))
	}
}

func (h *Hub) handleSync(deviceID string) {
	agents := h.catalog.Agents()
	agentInfos := make([]protocol.AgentInfo, 0, len(agents))
	for _, a := range agents {
		agentInfos = append(agentInfos, protocol.AgentInfo{ID: a.ID, Name: a.Name})
	}
	workspaces := h.catalog.Workspaces()
	wsInfos := make([]protocol.WorkspaceInfo, 0, len(workspaces))
	for _, w := range workspaces {
		wsInfos = append(wsInfos, protocol.WorkspaceInfo{Name: w.Name, Path: w.Path})
	}
	subs := h.devices.Subscriptions(deviceID)
	if subs == nil {
		subs = []string{}
	}
	h.devices.SendTo(deviceID, protocol.SyncResponseMessage{
		Type:          protocol.MsgSyncResponse,
		Sessions:      h.sessions.List(),
		Subscriptions: subs,
		Agents:        agentInfos,
		Workspaces:    wsInfos,
		Executing:     h.sessions.ExecutingMap(),
		Live:          h.streams.LiveSnapshots(),
	}, true)
}

// handleHistory serves one page. History outlives sessions, so the key is
// not required to be registered; terminated sessions stay readable.
func (h *Hub) handleHistory(deviceID string, m protocol.HistoryRequest) {
	key := m.SessionID
	if key == "" {
		key = session.SupervisorID
	}

	var page history.Page
	if h.store != nil {
		var err error
		page, err = h.store.HistoryPage(key, m.BeforeSequence, m.Limit)
		if err != nil {
			slog.Error("history read failed", "session_id", key, "error", err)
			h.sendError(deviceID, protocol.Errorf(protocol.CodeInternal, "could not read history"), "")
			return
		}
	}

	msgs := page.Messages
	if msgs == nil {
		msgs = []history.Message{}
	}
	// A newest-page request during a turn gets the live accumulator
	// appended so the device renders the unfinished reply immediately.
	if m.BeforeSequence <= 0 && h.streams.Streaming(key) {
		msgs = append(msgs, history.Message{
			ID:        uuid.NewString(),
			SessionID: key,
			Role:      history.RoleAssistant,
			Sequence:  page.NewestSequence + 1,
			Blocks:    h.streams.Live(key),
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			Live:      true,
		})
	}

	h.devices.SendTo(deviceID, protocol.HistoryResponseMessage{
		Type:           protocol.MsgHistoryResponse,
		SessionID:      m.SessionID,
		Messages:       msgs,
		HasMore:        page.HasMore,
		OldestSequence: page.OldestSequence,
		NewestSequence: page.NewestSequence,
	}, true)
}

func (h *Hub) handleSubscribe(deviceID, sessionID string) {
	if !h.sessions.Has(sessionID) {
		h.sendError(deviceID, protocol.Errorf(protocol.CodeUnknownSession, "unknown session %s", sessionID), "")
		return
	}
	h.devices.Subscribe(deviceID, sessionID)
	h.devices.SendTo(deviceID, protocol.SubscribedMessage{
		Type:      protocol.MsgSubscribed,
		SessionID: sessionID,
		Executing: h.sessions.IsExecuting(sessionID),
		Blocks:    h.streams.Live(sessionID),
	}, true)
}

func (h *Hub) handleCreate(deviceID string, m protocol.CreateSessionMessage) {
	if !h.acceptCommand(deviceID, m.MessageID) {
		return
	}

	dir := m.WorkingDir
	if dir == "" {
		if m.Workspace == "" {
			h.sendError(deviceID, protocol.Errorf(protocol.CodeInvalidMessage,
				"session.create requires working_dir or workspace"), m.MessageID)
			return
		}
		resolved, err := h.catalog.ResolveDir(m.Workspace, m.Project, m.Worktree)
		if err != nil {
			slog.Warn("workspace resolution failed",
				"workspace", m.Workspace, "project", m.Project, "error", err)
			h.sendError(deviceID, protocol.Errorf(protocol.CodeWorkspaceNotFound,
				"workspace %q could not be resolved", m.Workspace), m.MessageID)
			return
		}
		dir = resolved
	} else if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		h.sendError(deviceID, protocol.Errorf(protocol.CodeWorkspaceNotFound,
			"working directory %q does not exist", dir), m.MessageID)
		return
	}

	kind := session.Kind(m.Kind)
	var def catalog.Agent
	if kind == session.KindAgent {
		var ok bool
		if def, ok = h.catalog.Agent(m.AgentType); !ok {
			h.sendError(deviceID, protocol.Errorf(protocol.CodeAgentNotFound,
				"agent %q is not configured", m.AgentType), m.MessageID)
			return
		}
	}

	s, err := h.sessions.Create(session.CreateParams{
		Kind:       kind,
		AgentType:  m.AgentType,
		Alias:      m.Alias,
		Workspace:  m.Workspace,
		Project:    m.Project,
		Worktree:   m.Worktree,
		WorkingDir: dir,
	})
	if err != nil {
		slog.Error("session create failed", "kind", m.Kind, "error", err)
		h.sendError(deviceID, protocol.Errorf(protocol.CodeInvalidMessage, "could not create session: %v", err), m.MessageID)
		return
	}

	switch s.Kind {
	case session.KindAgent:
		h.agents.Open(s.ID, def, s.WorkingDir, "")
		if h.store != nil {
			if err := h.store.UpsertAgentSession(history.AgentSession{
				SessionID:  s.ID,
				AgentType:  s.AgentType,
				Alias:      s.Alias,
				Workspace:  s.Workspace,
				Project:    s.Project,
				Worktree:   s.Worktree,
				WorkingDir: s.WorkingDir,
			}); err != nil {
				slog.Error("could not persist agent session", "session_id", s.ID, "error", err)
			}
		}
	case session.KindTerminal:
		h.terminals.Open(s.ID, s.WorkingDir)
	}

	// The creator is subscribed implicitly; everyone learns the session
	// exists.
	h.devices.Subscribe(deviceID, s.ID)
	h.devices.BroadcastAll(protocol.SessionCreatedMessage{Type: protocol.MsgSessionCreated, Session: s})
	h.devices.SendTo(deviceID, protocol.SubscribedMessage{Type: protocol.MsgSubscribed, SessionID: s.ID}, true)

	slog.Info("session created",
		"session_id", s.ID, "kind", s.Kind, "working_dir", s.WorkingDir, "device_id", deviceID)
}

func (h *Hub) handleTerminate(deviceID string, m protocol.TerminateSessionMessage) {
	if !h.acceptCommand(deviceID, m.MessageID) {
		return
	}
	if m.SessionID == session.SupervisorID {
		h.sendError(deviceID, protocol.Errorf(protocol.CodeInvalidMessage,
			"the supervisor session cannot be terminated"), m.MessageID)
		return
	}
	s, ok := h.sessions.Terminate(m.SessionID)
	if !ok {
		// already gone; terminating twice is a no-op
		return
	}

	if cancelJob, pending := h.voiceJobs[s.ID]; pending {
		cancelJob()
		delete(h.voiceJobs, s.ID)
	}
	h.backendFor(s.Kind).Close(s.ID)
	h.streams.Discard(s.ID)
	h.devices.DropSession(s.ID)
	if s.Kind == session.KindAgent && h.store != nil {
		if err := h.store.DeactivateAgentSession(s.ID); err != nil {
			slog.Error("could not deactivate agent session", "session_id", s.ID, "error", err)
		}
	}
	h.devices.BroadcastAll(protocol.SessionTerminatedMessage{Type: protocol.MsgSessionTerminated, SessionID: s.ID})
	slog.Info("session terminated", "session_id", s.ID, "kind", s.Kind, "device_id", deviceID)
}

func (h *Hub) handleExecute(deviceID, messageID, key, text string) {
	if !h.acceptCommand(deviceID, messageID) {
		return
	}
	s, perr := h.resolveSession(key)
	if perr != nil {
		h.sendError(deviceID, perr, messageID)
		return
	}
	h.runUserMessage(s, deviceID, messageID, []block.ContentBlock{block.Text(text)}, text, false)
}

// handleCancel aborts whatever is in flight for key: a pending
// transcription, a streaming turn, or both. Cancel on an idle session is a
// no-op and must not latch suppression against the next turn.
func (h *Hub) handleCancel(key string) {
	if cancelJob, pending := h.voiceJobs[key]; pending {
		cancelJob()
	}
	s, ok := h.sessions.Get(key)
	if !ok {
		return
	}
	be := h.backendFor(s.Kind)
	if !be.IsExecuting(key) && !h.sessions.IsExecuting(key) && !h.streams.Streaming(key) {
		return
	}

	be.Cancel(key)
	h.streams.Cancel(key)

	cancelled := []block.ContentBlock{block.Cancel()}
	h.broadcastOutput(key, cancelled, true)
	h.saveMessage(history.SaveParams{SessionID: key, Role: history.RoleAssistant, Blocks: cancelled})
	h.sessions.SetExecuting(key, false)
	slog.Info("turn cancelled", "session_id", key)
}

// acceptCommand acks messageID immediately and reports whether it should be
// executed. A recently seen id means the device retried after losing our ack:
// re-ack, do not re-run.
func (h *Hub) acceptCommand(deviceID, messageID string) bool {
	ack := protocol.AckMessage{Type: protocol.MsgAck, MessageID: messageID}
	if h.seen.Has(messageID) {
		slog.Info("duplicate message re-acked", "device_id", deviceID, "message_id", messageID)
		h.devices.SendTo(deviceID, ack, true)
		return false
	}
	h.seen.Add(messageID)
	h.devices.SendTo(deviceID, ack, true)
	return true
}

// runUserMessage is the shared tail of text and voice commands: persist the
// user message, rebroadcast it, arm delivery tracking, and start the turn.
func (h *Hub) runUserMessage(s session.Session, deviceID, messageID string, blocks []block.ContentBlock, text string, voice bool) {
	be := h.backendFor(s.Kind)
	if be.IsExecuting(s.ID) {
		h.sendError(deviceID, protocol.Errorf(protocol.CodeSessionBusy,
			"session %s is already executing a command", s.ID), messageID)
		return
	}

	h.saveMessage(history.SaveParams{ID: messageID, SessionID: s.ID, Role: history.RoleUser, Blocks: blocks})
	h.broadcastToKey(s.ID, protocol.UserMessageBroadcast{
		Type:         protocol.MsgUserMessage,
		SessionID:    s.ID,
		MessageID:    messageID,
		FromDeviceID: deviceID,
		Blocks:       blocks,
	})
	h.trackAck(s.ID, deviceID, messageID)

	h.streams.Begin(s.ID, voice)
	if err := be.Execute(h.ctx, s.ID, text); err != nil {
		h.streams.Discard(s.ID)
		slog.Error("command start failed", "session_id", s.ID, "error", err)
		h.sendError(deviceID, protocol.Errorf(protocol.CodeInternal, "could not start command"), messageID)
		return
	}
	h.sessions.SetExecuting(s.ID, true)
}

// trackAck arms the delivery-confirmation timer for a rebroadcast user
// message. Nothing is tracked when no other device received the broadcast.
func (h *Hub) trackAck(key, fromDeviceID, messageID string) {
	if !h.othersListening(key, fromDeviceID) {
		return
	}
	timer := time.AfterFunc(h.cfg.AckTimeout, func() {
		h.post(cmdAckTimeout{messageID: messageID})
	})
	h.pendingAcks[messageID] = &pendingAck{sessionID: key, fromDeviceID: fromDeviceID, timer: timer}
}

func (h *Hub) othersListening(key, fromDeviceID string) bool {
	var ids []string
	if key == session.SupervisorID {
		ids = h.devices.DeviceIDs()
	} else {
		ids = h.devices.SubscriberIDs(key)
	}
	for _, id := range ids {
		if id != fromDeviceID {
			return true
		}
	}
	return false
}

func (h *Hub) handleAck(messageID string) {
	p, ok := h.pendingAcks[messageID]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(h.pendingAcks, messageID)
}

// handleAckTimeout fires when no device confirmed a rebroadcast in time. The
// message is already persisted, so the loss is logged, not retried.
func (h *Hub) handleAckTimeout(messageID string) {
	p, ok := h.pendingAcks[messageID]
	if !ok {
		return
	}
	delete(h.pendingAcks, messageID)
	slog.Warn("user message delivery unconfirmed",
		"message_id", messageID, "session_id", p.sessionID, "from_device_id", p.fromDeviceID)
}

// resolveSession returns the session for key, lazily restoring a persisted
// agent session the registry has not seen since the last restart.
func (h *Hub) resolveSession(key string) (session.Session, *protocol.Error) {
	if s, ok := h.sessions.Get(key); ok {
		return s, nil
	}
	if h.store != nil {
		as, err := h.store.GetAgentSession(key)
		if err != nil {
			slog.Error("agent session lookup failed", "session_id", key, "error", err)
			return session.Session{}, protocol.Errorf(protocol.CodeInternal, "could not resolve session")
		}
		if as != nil {
			s, rerr := h.restoreAgentSession(*as)
			if rerr != nil {
				slog.Error("agent session restore failed", "session_id", key, "error", rerr)
				return session.Session{}, protocol.Errorf(protocol.CodeAgentNotFound,
					"agent for session %s is not configured", key)
			}
			return s, nil
		}
	}
	return session.Session{}, protocol.Errorf(protocol.CodeUnknownSession, "unknown session %s", key)
}

func (h *Hub) restoreAgentSession(as history.AgentSession) (session.Session, error) {
	def, ok := h.catalog.Agent(as.AgentType)
	if !ok {
		return session.Session{}, fmt.Errorf("agent %q is not in the catalog", as.AgentType)
	}
	s, err := h.sessions.Create(session.CreateParams{
		ID:         as.SessionID,
		Kind:       session.KindAgent,
		AgentType:  as.AgentType,
		Alias:      as.Alias,
		Workspace:  as.Workspace,
		Project:    as.Project,
		Worktree:   as.Worktree,
		WorkingDir: as.WorkingDir,
	})
	if err != nil {
		return session.Session{}, err
	}
	h.agents.Open(s.ID, def, as.WorkingDir, as.ACPSessionID)
	slog.Info("restored agent session", "session_id", s.ID, "agent", as.AgentType)
	return s, nil
}

// handleBackendEvent folds one fragment batch into the session's accumulator
// and fans out whatever the fold decides.
func (h *Hub) handleBackendEvent(ev backend.Event) {
	key := ev.SessionID
	if !h.sessions.Has(key) {
		// completion of a command whose session was terminated mid-run
		return
	}
	res := h.streams.Fragment(key, ev.Blocks, ev.IsComplete)
	switch res.Action {
	case stream.ActionBroadcast:
		h.broadcastOutput(key, res.Snapshot, false)
	case stream.ActionComplete:
		h.broadcastOutput(key, res.Snapshot, true)
		// A turn of nothing but ephemeral blocks broadcasts its completion
		// but leaves no history entry.
		if len(res.Persist) > 0 {
			role := history.RoleAssistant
			if block.HasError(res.Persist) {
				role = history.RoleSystem
			}
			h.saveMessage(history.SaveParams{SessionID: key, Role: role, Blocks: res.Persist})
		}
		h.sessions.SetExecuting(key, false)
		if res.Voice {
			h.startSynthesis(key, block.PlainText(res.Snapshot))
		}
	case stream.ActionCompleteEmpty:
		slog.Warn("turn completed with no accumulated blocks", "session_id", key)
		h.broadcastOutput(key, nil, true)
		h.sessions.SetExecuting(key, false)
	}
}

// broadcastToKey fans payload out on the key's channel: supervisor traffic
// reaches every device, session traffic only subscribers.
func (h *Hub) broadcastToKey(key string, payload any) {
	if key == session.SupervisorID {
		h.devices.BroadcastAll(payload)
		return
	}
	h.devices.BroadcastSubscribers(key, payload)
}

func (h *Hub) broadcastOutput(key string, blocks []block.ContentBlock, complete bool) {
	if blocks == nil {
		blocks = []block.ContentBlock{}
	}
	h.broadcastToKey(key, protocol.NewOutput(key, blocks, complete))
}

func (h *Hub) sendError(deviceID string, perr *protocol.Error, messageID string) {
	h.devices.SendTo(deviceID, protocol.NewErrorMessage(perr, messageID), true)
}

func (h *Hub) saveMessage(params history.SaveParams) {
	if h.store == nil {
		return
	}
	if _, err := h.store.SaveMessage(params); err != nil {
		slog.Error("could not persist message", "session_id", params.SessionID, "error", err)
	}
}
