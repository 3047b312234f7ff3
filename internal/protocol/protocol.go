// Package protocol defines the WebSocket message surface between devices and
// the hub: a closed set of type-tagged JSON messages, decoded and validated
// at the boundary before anything reaches the hub loop. Field names are
// snake_case on the wire.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tiflis-io/tiflis-hub/internal/block"
	"github.com/tiflis-io/tiflis-hub/internal/history"
	"github.com/tiflis-io/tiflis-hub/internal/session"
)

// MsgType tags every wire message.
type MsgType string

const (
	// Device -> hub.

	// MsgAuth must be the first message on a fresh connection.
	MsgAuth MsgType = "auth"
	// MsgSync requests the full resumable state snapshot.
	MsgSync MsgType = "sync"
	// MsgHistoryRequest asks for one page of persisted messages.
	MsgHistoryRequest MsgType = "history.request"
	// MsgSubscribe attaches the device to a session's output stream.
	MsgSubscribe MsgType = "session.subscribe"
	// MsgUnsubscribe detaches the device from a session.
	MsgUnsubscribe MsgType = "session.unsubscribe"
	// MsgCreateSession opens a new agent or terminal session.
	MsgCreateSession MsgType = "session.create"
	// MsgTerminateSession closes a session for every device.
	MsgTerminateSession MsgType = "session.terminate"
	// MsgExecute runs a text command in a session.
	MsgExecute MsgType = "session.execute"
	// MsgCancel cancels the session's in-flight turn.
	MsgCancel MsgType = "session.cancel"
	// MsgVoice runs a voice command in a session: transcribe, then execute.
	MsgVoice MsgType = "session.voice"
	// MsgSupervisorCommand runs a text command in the shared supervisor
	// session.
	MsgSupervisorCommand MsgType = "supervisor.command"
	// MsgSupervisorCancel cancels the supervisor's in-flight turn.
	MsgSupervisorCancel MsgType = "supervisor.cancel"
	// MsgSupervisorVoice runs a voice command in the supervisor session.
	MsgSupervisorVoice MsgType = "supervisor.voice"
	// MsgPing is the keepalive probe.
	MsgPing MsgType = "ping"

	// Both directions.

	// MsgAck acknowledges a message id: hub -> device immediately after a
	// command is accepted, device -> hub after a rebroadcast user message
	// was applied.
	MsgAck MsgType = "message.ack"

	// Hub -> device.

	// MsgAuthSuccess confirms authentication.
	MsgAuthSuccess MsgType = "auth.success"
	// MsgSyncResponse carries the resumable state snapshot.
	MsgSyncResponse MsgType = "sync.response"
	// MsgHistoryResponse carries one history page.
	MsgHistoryResponse MsgType = "history.response"
	// MsgSubscribed confirms a subscription and snapshots any in-flight
	// turn so the device can render immediately.
	MsgSubscribed MsgType = "session.subscribed"
	// MsgSessionOutput streams merged accumulator snapshots for a session.
	MsgSessionOutput MsgType = "session.output"
	// MsgSupervisorOutput streams supervisor snapshots to all devices.
	MsgSupervisorOutput MsgType = "supervisor.output"
	// MsgUserMessage rebroadcasts a user message to the session's other
	// devices, stamped with the originating device id.
	MsgUserMessage MsgType = "session.user_message"
	// MsgSessionCreated announces a new session to all devices.
	MsgSessionCreated MsgType = "session.created"
	// MsgSessionTerminated announces a removed session to all devices.
	MsgSessionTerminated MsgType = "session.terminated"
	// MsgError carries a structured {code, message} error.
	MsgError MsgType = "error"
	// MsgPong answers a ping.
	MsgPong MsgType = "pong"
)

// Stable error codes surfaced to devices.
const (
	CodeAuthFailed          = "AUTH_FAILED"
	CodeNotAuthenticated    = "NOT_AUTHENTICATED"
	CodeInvalidMessage      = "INVALID_MESSAGE"
	CodeUnknownSession      = "UNKNOWN_SESSION"
	CodeWorkspaceNotFound   = "WORKSPACE_NOT_FOUND"
	CodeAgentNotFound       = "AGENT_NOT_FOUND"
	CodeSessionBusy         = "SESSION_BUSY"
	CodeTranscriptionFailed = "TRANSCRIPTION_FAILED"
	CodeInternal            = "INTERNAL"
)

// Error is the structured error crossing the wire and the error type domain
// handlers return; handlers never leak raw Go errors to devices.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a coded error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a wire-safe *Error, defaulting unknown
// errors to CodeInternal so internals never leak.
func AsError(err error) *Error {
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// ClientMessage is implemented by every decoded device -> hub message.
type ClientMessage interface {
	clientMessage()
}

// AuthMessage authenticates the connection. DeviceID is the stable
// per-installation identifier every later broadcast is attributed to.
type AuthMessage struct {
	Type     MsgType `json:"type"`
	Token    string  `json:"token"`
	DeviceID string  `json:"device_id"`
}

// SyncRequest asks for the resumable snapshot.
type SyncRequest struct {
	Type MsgType `json:"type"`
}

// HistoryRequest asks for messages strictly older than BeforeSequence
// (0 = newest page). An empty SessionID addresses supervisor history.
type HistoryRequest struct {
	Type           MsgType `json:"type"`
	SessionID      string  `json:"session_id,omitempty"`
	BeforeSequence int64   `json:"before_sequence,omitempty"`
	Limit          int     `json:"limit,omitempty"`
}

// SubscribeMessage attaches the device to a session.
type SubscribeMessage struct {
	Type      MsgType `json:"type"`
	SessionID string  `json:"session_id"`
}

// UnsubscribeMessage detaches the device from a session.
type UnsubscribeMessage struct {
	Type      MsgType `json:"type"`
	SessionID string  `json:"session_id"`
}

// CreateSessionMessage opens a new session.
type CreateSessionMessage struct {
	Type       MsgType `json:"type"`
	MessageID  string  `json:"message_id"`
	Kind       string  `json:"kind"`
	AgentType  string  `json:"agent_type,omitempty"`
	Alias      string  `json:"alias,omitempty"`
	Workspace  string  `json:"workspace,omitempty"`
	Project    string  `json:"project,omitempty"`
	Worktree   string  `json:"worktree,omitempty"`
	WorkingDir string  `json:"working_dir,omitempty"`
}

// TerminateSessionMessage closes a session.
type TerminateSessionMessage struct {
	Type      MsgType `json:"type"`
	MessageID string  `json:"message_id"`
	SessionID string  `json:"session_id"`
}

// ExecuteMessage runs a text command in a session.
type ExecuteMessage struct {
	Type      MsgType `json:"type"`
	MessageID string  `json:"message_id"`
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
}

// CancelMessage cancels the in-flight turn of a session.
type CancelMessage struct {
	Type      MsgType `json:"type"`
	SessionID string  `json:"session_id"`
}

// VoiceCommandMessage carries recorded audio to transcribe and execute.
type VoiceCommandMessage struct {
	Type      MsgType `json:"type"`
	MessageID string  `json:"message_id"`
	SessionID string  `json:"session_id,omitempty"`
	Audio     string  `json:"audio"`
	Format    string  `json:"format"`
}

// SupervisorCommandMessage runs a text command in the supervisor session.
type SupervisorCommandMessage struct {
	Type      MsgType `json:"type"`
	MessageID string  `json:"message_id"`
	Text      string  `json:"text"`
}

// SupervisorCancelMessage cancels the supervisor's in-flight turn.
type SupervisorCancelMessage struct {
	Type MsgType `json:"type"`
}

// AckMessage acknowledges MessageID; see MsgAck for the two directions.
type AckMessage struct {
	Type      MsgType `json:"type"`
	MessageID string  `json:"message_id"`
	SessionID string  `json:"session_id,omitempty"`
}

// PingMessage is the keepalive probe.
type PingMessage struct {
	Type MsgType `json:"type"`
}

func (AuthMessage) clientMessage()              {}
func (SyncRequest) clientMessage()              {}
func (HistoryRequest) clientMessage()           {}
func (SubscribeMessage) clientMessage()         {}
func (UnsubscribeMessage) clientMessage()       {}
func (CreateSessionMessage) clientMessage()     {}
func (TerminateSessionMessage) clientMessage()  {}
func (ExecuteMessage) clientMessage()           {}
func (CancelMessage) clientMessage()            {}
func (VoiceCommandMessage) clientMessage()      {}
func (SupervisorCommandMessage) clientMessage() {}
func (SupervisorCancelMessage) clientMessage()  {}
func (AckMessage) clientMessage()               {}
func (PingMessage) clientMessage()              {}

// AgentInfo is the catalog entry shape devices see in sync responses.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WorkspaceInfo is the workspace shape devices see in sync responses.
type WorkspaceInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// AuthSuccessMessage confirms authentication.
type AuthSuccessMessage struct {
	Type     MsgType `json:"type"`
	DeviceID string  `json:"device_id"`
}

// SyncResponseMessage is the resumable snapshot: the authoritative session
// list, the requesting device's subscriptions, catalogs, the executing map,
// and live accumulator snapshots for sessions that are mid-turn.
type SyncResponseMessage struct {
	Type          MsgType                         `json:"type"`
	Sessions      []session.Session               `json:"sessions"`
	Subscriptions []string                        `json:"subscriptions"`
	Agents        []AgentInfo                     `json:"agents"`
	Workspaces    []WorkspaceInfo                 `json:"workspaces"`
	Executing     map[string]bool                 `json:"executing"`
	Live          map[string][]block.ContentBlock `json:"live,omitempty"`
}

// HistoryResponseMessage carries one page. When the session is mid-turn the
// final entry is a synthetic unfinished message flagged live=true.
type HistoryResponseMessage struct {
	Type           MsgType           `json:"type"`
	SessionID      string            `json:"session_id,omitempty"`
	Messages       []history.Message `json:"messages"`
	HasMore        bool              `json:"has_more"`
	OldestSequence int64             `json:"oldest_sequence"`
	NewestSequence int64             `json:"newest_sequence"`
}

// SubscribedMessage confirms a subscription. Blocks snapshots the in-flight
// turn when one exists so the device renders it without waiting for the next
// fragment.
type SubscribedMessage struct {
	Type      MsgType              `json:"type"`
	SessionID string               `json:"session_id"`
	Executing bool                 `json:"executing"`
	Blocks    []block.ContentBlock `json:"content_blocks,omitempty"`
}

// OutputMessage streams a merged accumulator snapshot. SessionID is empty for
// supervisor output (the type already addresses the supervisor channel).
type OutputMessage struct {
	Type       MsgType              `json:"type"`
	SessionID  string               `json:"session_id,omitempty"`
	Blocks     []block.ContentBlock `json:"content_blocks"`
	IsComplete bool                 `json:"is_complete"`
}

// UserMessageBroadcast rebroadcasts an accepted user message. The originating
// device recognizes its own MessageID (or FromDeviceID) and skips the echo.
type UserMessageBroadcast struct {
	Type         MsgType              `json:"type"`
	SessionID    string               `json:"session_id"`
	MessageID    string               `json:"message_id"`
	FromDeviceID string               `json:"from_device_id"`
	Blocks       []block.ContentBlock `json:"content_blocks"`
}

// SessionCreatedMessage announces a new session to every device.
type SessionCreatedMessage struct {
	Type    MsgType         `json:"type"`
	Session session.Session `json:"session"`
}

// SessionTerminatedMessage announces a removed session to every device.
type SessionTerminatedMessage struct {
	Type      MsgType `json:"type"`
	SessionID string  `json:"session_id"`
}

// ErrorMessage is the wire form of a structured error. MessageID is set when
// the error answers a specific client message.
type ErrorMessage struct {
	Type      MsgType `json:"type"`
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	MessageID string  `json:"message_id,omitempty"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type MsgType `json:"type"`
}

// NewErrorMessage builds the wire form of err in reply to messageID.
func NewErrorMessage(err *Error, messageID string) ErrorMessage {
	return ErrorMessage{Type: MsgError, Code: err.Code, Message: err.Message, MessageID: messageID}
}

// NewOutput builds a session.output or supervisor.output snapshot for key.
func NewOutput(key string, blocks []block.ContentBlock, isComplete bool) OutputMessage {
	if key == session.SupervisorID {
		return OutputMessage{Type: MsgSupervisorOutput, Blocks: blocks, IsComplete: isComplete}
	}
	return OutputMessage{Type: MsgSessionOutput, SessionID: key, Blocks: blocks, IsComplete: isComplete}
}

// Decode parses and validates one device -> hub message. The returned error
// is always a *Error with CodeInvalidMessage; the connection stays open.
func Decode(data []byte) (ClientMessage, error) {
	var probe struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, Errorf(CodeInvalidMessage, "malformed json")
	}

	switch probe.Type {
	case MsgAuth:
		var m AuthMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, Errorf(CodeInvalidMessage, "malformed auth message")
		}
		if m.Token == "" || m.DeviceID == "" {
			return nil, Errorf(CodeInvalidMessage, "auth requires token and device_id")
		}
		return m, nil

	case MsgSync:
		return SyncRequest{Type: MsgSync}, nil

	case MsgHistoryRequest:
		var m HistoryRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, Errorf(CodeInvalidMessage, "malformed history request")
		}
		if m.BeforeSequence < 0 {
			return nil, Errorf(CodeInvalidMessage, "before_sequence must be positive")
		}
		if m.Limit < 0 {
			return nil, Errorf(CodeInvalidMessage, "limit must be positive")
		}
		return m, nil

	case MsgSubscribe:
		var m SubscribeMessage
		if err := json.Unmarshal(data, &m); err != nil || m.SessionID == "" {
			return nil, Errorf(CodeInvalidMessage, "session.subscribe requires session_id")
		}
		return m, nil

	case MsgUnsubscribe:
		var m UnsubscribeMessage
		if err := json.Unmarshal(data, &m); err != nil || m.SessionID == "" {
			return nil, Errorf(CodeInvalidMessage, "session.unsubscribe requires session_id")
		}
		return m, nil

	case MsgCreateSession:
		var m CreateSessionMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, Errorf(CodeInvalidMessage, "malformed session.create")
		}
		if m.MessageID == "" {
			return nil, Errorf(CodeInvalidMessage, "session.create requires message_id")
		}
		if m.Kind != string(session.KindAgent) && m.Kind != string(session.KindTerminal) {
			return nil, Errorf(CodeInvalidMessage, "session.create kind must be agent or terminal")
		}
		if m.Kind == string(session.KindAgent) && m.AgentType == "" {
			return nil, Errorf(CodeInvalidMessage, "agent sessions require agent_type")
		}
		return m, nil

	case MsgTerminateSession:
		var m TerminateSessionMessage
		if err := json.Unmarshal(data, &m); err != nil || m.SessionID == "" {
			return nil, Errorf(CodeInvalidMessage, "session.terminate requires session_id")
		}
		return m, nil

	case MsgExecute:
		var m ExecuteMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, Errorf(CodeInvalidMessage, "malformed session.execute")
		}
		if m.SessionID == "" || m.Text == "" || m.MessageID == "" {
			return nil, Errorf(CodeInvalidMessage, "session.execute requires session_id, text, and message_id")
		}
		return m, nil

	case MsgCancel:
		var m CancelMessage
		if err := json.Unmarshal(data, &m); err != nil || m.SessionID == "" {
			return nil, Errorf(CodeInvalidMessage, "session.cancel requires session_id")
		}
		return m, nil

	case MsgVoice, MsgSupervisorVoice:
		var m VoiceCommandMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, Errorf(CodeInvalidMessage, "malformed voice message")
		}
		if m.Audio == "" || m.MessageID == "" {
			return nil, Errorf(CodeInvalidMessage, "voice messages require audio and message_id")
		}
		if probe.Type == MsgVoice && m.SessionID == "" {
			return nil, Errorf(CodeInvalidMessage, "session.voice requires session_id")
		}
		return m, nil

	case MsgSupervisorCommand:
		var m SupervisorCommandMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, Errorf(CodeInvalidMessage, "malformed supervisor.command")
		}
		if m.Text == "" || m.MessageID == "" {
			return nil, Errorf(CodeInvalidMessage, "supervisor.command requires text and message_id")
		}
		return m, nil

	case MsgSupervisorCancel:
		return SupervisorCancelMessage{Type: MsgSupervisorCancel}, nil

	case MsgAck:
		var m AckMessage
		if err := json.Unmarshal(data, &m); err != nil || m.MessageID == "" {
			return nil, Errorf(CodeInvalidMessage, "message.ack requires message_id")
		}
		return m, nil

	case MsgPing:
		return PingMessage{Type: MsgPing}, nil

	default:
		return nil, Errorf(CodeInvalidMessage, "unknown message type %q", probe.Type)
	}
}
