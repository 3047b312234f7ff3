package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-hub/internal/backend"
	"github.com/tiflis-io/tiflis-hub/internal/block"
	"github.com/tiflis-io/tiflis-hub/internal/catalog"
	"github.com/tiflis-io/tiflis-hub/internal/history"
)

const (
	initTimeout = 30 * time.Second
	// maxFileSize bounds agent-requested file reads and writes.
	maxFileSize = 1 << 20
)

// binding is the per-session agent state: the catalog definition it was
// created from, the subprocess once started, and the in-flight turn.
type binding struct {
	sessionID  string
	def        catalog.Agent
	workingDir string
	restoreID  string // conversation id to restore on next spawn

	proc      *agentProcess
	conn      *acpsdk.ClientSideConnection
	acpID     acpsdk.SessionId
	executing bool
	cancelled bool
	cancelFn  context.CancelFunc
}

// Backend runs agent subprocesses for agent and supervisor sessions. It
// implements the hub's backend contract; fragments are emitted on the channel
// passed to NewBackend. Subprocesses start lazily on the first Execute so
// that restored sessions cost nothing until they are actually used.
type Backend struct {
	events chan<- backend.Event
	store  *history.Store

	mu       sync.Mutex
	bindings map[string]*binding
}

// NewBackend creates an agent backend. store may be nil; when present, the
// agent-side conversation id is persisted there so sessions can resume their
// conversations after a hub restart.
func NewBackend(events chan<- backend.Event, store *history.Store) *Backend {
	return &Backend{
		events:   events,
		store:    store,
		bindings: make(map[string]*binding),
	}
}

// Open binds a session id to an agent definition and working directory.
// restoreACPSessionID, when non-empty, is a previously persisted conversation
// id the agent will be asked to resume. Opening an already open session is a
// no-op.
func (b *Backend) Open(sessionID string, def catalog.Agent, workingDir, restoreACPSessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bindings[sessionID]; ok {
		return
	}
	b.bindings[sessionID] = &binding{
		sessionID:  sessionID,
		def:        def,
		workingDir: workingDir,
		restoreID:  restoreACPSessionID,
	}
}

// IsOpen reports whether sessionID has a binding.
func (b *Backend) IsOpen(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindings[sessionID] != nil
}

// Execute starts one turn. It returns once the turn is accepted; the agent
// process is spawned on first use, and fragments follow asynchronously on
// the event channel. A session runs at most one turn at a time.
func (b *Backend) Execute(ctx context.Context, sessionID, text string) error {
	b.mu.Lock()
	s := b.bindings[sessionID]
	if s == nil {
		b.mu.Unlock()
		return fmt.Errorf("agent session %s not open", sessionID)
	}
	if s.executing {
		b.mu.Unlock()
		return fmt.Errorf("agent session %s already executing", sessionID)
	}
	s.executing = true
	s.cancelled = false
	b.mu.Unlock()

	go b.runTurn(ctx, s, text)
	return nil
}

func (b *Backend) runTurn(ctx context.Context, s *binding, text string) {
	conn, acpID, err := b.ensureStarted(ctx, s)
	if err != nil {
		b.finishTurn(s, err)
		return
	}

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if s.cancelled {
		// Cancel raced the accept; never even prompt.
		b.mu.Unlock()
		b.finishTurn(s, nil)
		return
	}
	s.cancelFn = cancel
	b.mu.Unlock()

	resp, err := conn.Prompt(promptCtx, acpsdk.PromptRequest{
		SessionId: acpID,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
	})
	if err == nil {
		slog.Info("agent turn completed", "session_id", s.sessionID, "stop_reason", string(resp.StopReason))
	}
	b.finishTurn(s, err)
}

// finishTurn clears the turn state and emits the completion event. Errors
// from a turn the user did not cancel are surfaced in-band as an error block
// so they are visible and persisted like any other content.
func (b *Backend) finishTurn(s *binding, err error) {
	b.mu.Lock()
	s.executing = false
	s.cancelFn = nil
	cancelled := s.cancelled
	b.mu.Unlock()

	var final []block.ContentBlock
	if err != nil && !cancelled {
		slog.Error("agent turn failed", "session_id", s.sessionID, "error", err)
		final = append(final, block.ContentBlock{
			ID:        uuid.NewString(),
			BlockType: block.TypeError,
			Content:   fmt.Sprintf("agent error: %v", err),
		})
	}
	b.events <- backend.Event{SessionID: s.sessionID, Blocks: final, IsComplete: true}
}

// ensureStarted spawns the agent subprocess and performs the protocol
// handshake if the binding has no live connection yet. When the agent
// supports it and a previous conversation id is on record, the conversation
// is restored; otherwise a fresh one is created.
func (b *Backend) ensureStarted(ctx context.Context, s *binding) (*acpsdk.ClientSideConnection, acpsdk.SessionId, error) {
	b.mu.Lock()
	if s.conn != nil {
		conn, acpID := s.conn, s.acpID
		b.mu.Unlock()
		return conn, acpID, nil
	}
	def, dir, restore := s.def, s.workingDir, s.restoreID
	b.mu.Unlock()

	proc, err := startProcess(def.Command, def.Args, def.Env, dir)
	if err != nil {
		return nil, "", err
	}
	go proc.logStderr()
	// The monitor starts before the handshake so the process is reaped even
	// when initialization fails and we kill it below.
	go b.monitorExit(s, proc)

	client := &acpClient{backend: b, session: s}
	conn := acpsdk.NewClientSideConnection(client, proc.Stdin(), proc.Stdout())

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	initResp, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		proc.stop()
		return nil, "", fmt.Errorf("agent initialize failed: %w", err)
	}

	var acpID acpsdk.SessionId
	if restore != "" && initResp.AgentCapabilities.LoadSession {
		_, loadErr := conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(restore),
			Cwd:        dir,
			McpServers: []acpsdk.McpServer{},
		})
		if loadErr == nil {
			acpID = acpsdk.SessionId(restore)
			slog.Info("agent conversation restored", "session_id", s.sessionID, "acp_session_id", restore)
		} else {
			slog.Warn("agent conversation restore failed, starting fresh",
				"session_id", s.sessionID, "error", loadErr)
		}
	}
	if acpID == "" {
		sessResp, err := conn.NewSession(initCtx, acpsdk.NewSessionRequest{
			Cwd:        dir,
			McpServers: []acpsdk.McpServer{},
		})
		if err != nil {
			proc.stop()
			return nil, "", fmt.Errorf("agent session setup failed: %w", err)
		}
		acpID = sessResp.SessionId
	}

	b.mu.Lock()
	if b.bindings[s.sessionID] != s {
		// Session was closed while we were starting up.
		b.mu.Unlock()
		proc.stop()
		return nil, "", fmt.Errorf("agent session %s closed", s.sessionID)
	}
	s.proc = proc
	s.conn = conn
	s.acpID = acpID
	s.restoreID = string(acpID)
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.SetACPSessionID(s.sessionID, string(acpID)); err != nil {
			slog.Warn("failed to persist agent conversation id", "session_id", s.sessionID, "error", err)
		}
	}
	return conn, acpID, nil
}

// monitorExit reaps the subprocess and clears the binding's connection so the
// next Execute respawns it. The recorded restoreID lets the respawned agent
// pick the conversation back up where it supports that.
func (b *Backend) monitorExit(s *binding, p *agentProcess) {
	err := p.wait()

	b.mu.Lock()
	if cur := b.bindings[s.sessionID]; cur == s && s.proc == p {
		s.proc = nil
		s.conn = nil
		s.acpID = ""
	}
	b.mu.Unlock()

	slog.Warn("agent process exited", "session_id", s.sessionID, "error", err)
}

// Cancel aborts the in-flight turn, if any. The agent is told to stop via the
// protocol's cancel notification and the prompt context is cancelled; the
// completion event still follows once the prompt call unwinds.
func (b *Backend) Cancel(sessionID string) {
	b.mu.Lock()
	s := b.bindings[sessionID]
	if s == nil || !s.executing {
		b.mu.Unlock()
		return
	}
	s.cancelled = true
	fn := s.cancelFn
	conn, acpID := s.conn, s.acpID
	b.mu.Unlock()

	if conn != nil && acpID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Cancel(ctx, acpsdk.CancelNotification{SessionId: acpID}); err != nil {
			slog.Warn("agent cancel notification failed", "session_id", sessionID, "error", err)
		}
	}
	if fn != nil {
		fn()
	}
}

// IsExecuting reports whether sessionID has a turn in flight.
func (b *Backend) IsExecuting(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.bindings[sessionID]
	return s != nil && s.executing
}

// WasCancelled reports whether the session's last turn was cancelled. The
// flag clears on the next Execute.
func (b *Backend) WasCancelled(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.bindings[sessionID]
	return s != nil && s.cancelled
}

// Close kills the session's subprocess and forgets the binding.
func (b *Backend) Close(sessionID string) {
	b.mu.Lock()
	s := b.bindings[sessionID]
	delete(b.bindings, sessionID)
	var proc *agentProcess
	var fn context.CancelFunc
	if s != nil {
		proc = s.proc
		fn = s.cancelFn
	}
	b.mu.Unlock()

	if fn != nil {
		fn()
	}
	if proc != nil {
		proc.stop()
	}
}

// Shutdown kills every agent subprocess.
func (b *Backend) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.bindings))
	for id := range b.bindings {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.Close(id)
	}
}

// --- acpClient: the client side of the agent protocol connection ---

// acpClient receives callbacks from the agent subprocess. Session updates
// become fragment events; permission requests are auto-approved with the
// first offered option since no human sits on this side of the connection.
type acpClient struct {
	backend *Backend
	session *binding
}

func (c *acpClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	blocks := BlocksFromUpdate(params.Update)
	if len(blocks) == 0 {
		return nil
	}

	c.backend.mu.Lock()
	live := c.session.executing && !c.session.cancelled
	c.backend.mu.Unlock()
	if !live {
		// Updates outside a turn (conversation-restore replay, stragglers
		// after cancel) belong to no in-flight turn.
		return nil
	}

	c.backend.events <- backend.Event{SessionID: c.session.sessionID, Blocks: blocks}
	return nil
}

func (c *acpClient) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	slog.Info("agent permission request auto-approved",
		"session_id", c.session.sessionID, "options", len(params.Options))
	if len(params.Options) > 0 {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
	}, nil
}

func (c *acpClient) ReadTextFile(_ context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file path is required")
	}
	info, err := os.Stat(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("failed to read file %q: %w", params.Path, err)
	}
	if info.Size() > maxFileSize {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file %q exceeds maximum size of %d bytes", params.Path, maxFileSize)
	}
	content, err := os.ReadFile(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("failed to read file %q: %w", params.Path, err)
	}
	return acpsdk.ReadTextFileResponse{Content: string(content)}, nil
}

func (c *acpClient) WriteTextFile(_ context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	if params.Path == "" {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("file path is required")
	}
	if len(params.Content) > maxFileSize {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("content exceeds maximum size of %d bytes", maxFileSize)
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to write file %q: %w", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *acpClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *acpClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *acpClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *acpClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *acpClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}
