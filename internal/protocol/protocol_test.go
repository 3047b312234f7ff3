package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/tiflis-io/tiflis-hub/internal/block"
	"github.com/tiflis-io/tiflis-hub/internal/session"
)

func decodeOK(t *testing.T, raw string) ClientMessage {
	t.Helper()
	msg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode(%s): %v", raw, err)
	}
	return msg
}

func decodeFail(t *testing.T, raw string) *Error {
	t.Helper()
	_, err := Decode([]byte(raw))
	if err == nil {
		t.Fatalf("Decode(%s) accepted invalid message", raw)
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("Decode(%s) returned non-protocol error %T", raw, err)
	}
	if pe.Code != CodeInvalidMessage {
		t.Fatalf("Decode(%s) code = %q, want %q", raw, pe.Code, CodeInvalidMessage)
	}
	return pe
}

func TestDecodeAuth(t *testing.T) {
	msg := decodeOK(t, `{"type":"auth","token":"tok","device_id":"dev-1"}`)
	auth, ok := msg.(AuthMessage)
	if !ok {
		t.Fatalf("expected AuthMessage, got %T", msg)
	}
	if auth.Token != "tok" || auth.DeviceID != "dev-1" {
		t.Fatalf("fields lost: %+v", auth)
	}

	decodeFail(t, `{"type":"auth","token":"tok"}`)
	decodeFail(t, `{"type":"auth","device_id":"dev-1"}`)
}

func TestDecodeExecute(t *testing.T) {
	msg := decodeOK(t, `{"type":"session.execute","message_id":"m1","session_id":"s1","text":"ls"}`)
	exec, ok := msg.(ExecuteMessage)
	if !ok {
		t.Fatalf("expected ExecuteMessage, got %T", msg)
	}
	if exec.SessionID != "s1" || exec.Text != "ls" || exec.MessageID != "m1" {
		t.Fatalf("fields lost: %+v", exec)
	}

	decodeFail(t, `{"type":"session.execute","session_id":"s1","text":"ls"}`)
	decodeFail(t, `{"type":"session.execute","message_id":"m1","text":"ls"}`)
	decodeFail(t, `{"type":"session.execute","message_id":"m1","session_id":"s1"}`)
}

func TestDecodeCreateSession(t *testing.T) {
	msg := decodeOK(t, `{"type":"session.create","message_id":"m1","kind":"agent","agent_type":"claude","workspace":"web"}`)
	create := msg.(CreateSessionMessage)
	if create.AgentType != "claude" || create.Workspace != "web" {
		t.Fatalf("fields lost: %+v", create)
	}

	decodeFail(t, `{"type":"session.create","message_id":"m1","kind":"supervisor"}`)
	decodeFail(t, `{"type":"session.create","message_id":"m1","kind":"agent"}`)
	decodeFail(t, `{"type":"session.create","kind":"terminal"}`)
}

func TestDecodeVoiceVariants(t *testing.T) {
	msg := decodeOK(t, `{"type":"session.voice","message_id":"m1","session_id":"s1","audio":"aGk=","format":"webm"}`)
	voice := msg.(VoiceCommandMessage)
	if voice.Type != MsgVoice || voice.SessionID != "s1" {
		t.Fatalf("fields lost: %+v", voice)
	}

	sup := decodeOK(t, `{"type":"supervisor.voice","message_id":"m2","audio":"aGk=","format":"webm"}`).(VoiceCommandMessage)
	if sup.Type != MsgSupervisorVoice {
		t.Fatalf("supervisor voice type lost: %+v", sup)
	}

	// session.voice must name a session; supervisor.voice must not need one.
	decodeFail(t, `{"type":"session.voice","message_id":"m1","audio":"aGk=","format":"webm"}`)
	decodeFail(t, `{"type":"supervisor.voice","message_id":"m2","format":"webm"}`)
}

func TestDecodeBareTypes(t *testing.T) {
	if _, ok := decodeOK(t, `{"type":"sync"}`).(SyncRequest); !ok {
		t.Fatal("sync not decoded")
	}
	if _, ok := decodeOK(t, `{"type":"supervisor.cancel"}`).(SupervisorCancelMessage); !ok {
		t.Fatal("supervisor.cancel not decoded")
	}
	if _, ok := decodeOK(t, `{"type":"ping"}`).(PingMessage); !ok {
		t.Fatal("ping not decoded")
	}
}

func TestDecodeHistoryRequest(t *testing.T) {
	msg := decodeOK(t, `{"type":"history.request","session_id":"s1","before_sequence":40,"limit":20}`)
	req := msg.(HistoryRequest)
	if req.BeforeSequence != 40 || req.Limit != 20 {
		t.Fatalf("fields lost: %+v", req)
	}

	// Supervisor history omits session_id entirely.
	if got := decodeOK(t, `{"type":"history.request"}`).(HistoryRequest); got.SessionID != "" {
		t.Fatalf("expected empty session id, got %q", got.SessionID)
	}

	decodeFail(t, `{"type":"history.request","before_sequence":-1}`)
	decodeFail(t, `{"type":"history.request","limit":-5}`)
}

func TestDecodeAck(t *testing.T) {
	ack := decodeOK(t, `{"type":"message.ack","message_id":"m9"}`).(AckMessage)
	if ack.MessageID != "m9" {
		t.Fatalf("fields lost: %+v", ack)
	}
	decodeFail(t, `{"type":"message.ack"}`)
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	decodeFail(t, `{"type":"made.up"}`)
	decodeFail(t, `{`)
	decodeFail(t, `{"type":"session.subscribe"}`)
}

func TestNewOutputRoutesSupervisor(t *testing.T) {
	out := NewOutput(session.SupervisorID, []block.ContentBlock{block.Text("hi")}, false)
	if out.Type != MsgSupervisorOutput || out.SessionID != "" {
		t.Fatalf("supervisor output misrouted: %+v", out)
	}

	out = NewOutput("s1", nil, true)
	if out.Type != MsgSessionOutput || out.SessionID != "s1" || !out.IsComplete {
		t.Fatalf("session output misrouted: %+v", out)
	}
}

func TestOutputWireShape(t *testing.T) {
	raw, err := json.Marshal(NewOutput("s1", []block.ContentBlock{block.Text("x")}, true))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != "session.output" {
		t.Fatalf("wrong type tag: %v", m["type"])
	}
	if _, ok := m["content_blocks"]; !ok {
		t.Fatalf("missing content_blocks: %s", raw)
	}
	if m["is_complete"] != true {
		t.Fatalf("missing is_complete: %s", raw)
	}
}

func TestAsError(t *testing.T) {
	pe := Errorf(CodeUnknownSession, "no session %s", "s9")
	if got := AsError(pe); got != pe {
		t.Fatal("AsError rewrapped a protocol error")
	}

	got := AsError(errors.New("sql: database is locked"))
	if got.Code != CodeInternal {
		t.Fatalf("expected INTERNAL, got %q", got.Code)
	}
	if got.Message == "sql: database is locked" {
		t.Fatal("internal error text leaked to the wire")
	}
}

func TestErrorMessageShape(t *testing.T) {
	raw, err := json.Marshal(NewErrorMessage(Errorf(CodeWorkspaceNotFound, "workspace %q not found", "web"), "m1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != "error" || m["code"] != CodeWorkspaceNotFound || m["message_id"] != "m1" {
		t.Fatalf("bad error shape: %s", raw)
	}
}
