// Package hub is the coordination core: a single goroutine that owns the
// session registry, the device registry, the stream accumulators, and the
// pending-ack table. Connections and backends never touch that state
// directly; they post commands and events onto channels the hub loop drains.
// One writer means session ordering, ack bookkeeping, and broadcast fan-out
// need no locking discipline beyond the loop itself.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tiflis-io/tiflis-hub/internal/backend"
	"github.com/tiflis-io/tiflis-hub/internal/catalog"
	"github.com/tiflis-io/tiflis-hub/internal/device"
	"github.com/tiflis-io/tiflis-hub/internal/history"
	"github.com/tiflis-io/tiflis-hub/internal/protocol"
	"github.com/tiflis-io/tiflis-hub/internal/session"
	"github.com/tiflis-io/tiflis-hub/internal/speech"
	"github.com/tiflis-io/tiflis-hub/internal/stream"
)

const (
	defaultAckTimeout = 5 * time.Second
	defaultInboxSize  = 256

	// recentLimit bounds the duplicate-suppression window. Retries arrive
	// within seconds of the original, so a few hundred ids is plenty.
	recentLimit = 512
)

// AgentBackend is the hub's view of the agent runner.
type AgentBackend interface {
	backend.Backend
	Open(sessionID string, def catalog.Agent, workingDir, restoreACPSessionID string)
	Shutdown()
}

// TerminalBackend is the hub's view of the terminal runner.
type TerminalBackend interface {
	backend.Backend
	Open(sessionID, workingDir string)
	Shutdown()
}

// Config carries the hub's tunables.
type Config struct {
	// SupervisorAgent is the catalog id of the agent that powers the
	// supervisor session. It must exist in the catalog.
	SupervisorAgent string
	// SupervisorDir is the working directory the supervisor agent runs in.
	SupervisorDir string
	// AckTimeout is how long the hub waits for a device to confirm a
	// rebroadcast user message before logging the loss.
	AckTimeout time.Duration
	// Synthesize turns voice-initiated turn replies into audio when the
	// speech service is configured.
	Synthesize bool
	// InboxSize is the command channel depth.
	InboxSize int
}

// Deps wires the hub to its collaborators. Catalog, Agents, Terminals, and
// Events are required; Store, Speech, and Audio may be nil and the matching
// features degrade.
type Deps struct {
	Catalog   *catalog.Catalog
	Store     *history.Store
	Speech    *speech.Client
	Audio     *speech.Cache
	Agents    AgentBackend
	Terminals TerminalBackend
	Events    <-chan backend.Event
}

// Stats is a point-in-time view for the health endpoint.
type Stats struct {
	Devices  int `json:"devices"`
	Sessions int `json:"sessions"`
}

// Hub routes device traffic to sessions and session output back to devices.
// All fields below the channel block are owned by the Run goroutine.
type Hub struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	inbox  chan command
	events <-chan backend.Event
	done   chan struct{}

	deviceCount atomic.Int64

	sessions  *session.Registry
	devices   *device.Registry
	streams   *stream.Table
	catalog   *catalog.Catalog
	store     *history.Store
	speech    *speech.Client
	audio     *speech.Cache
	agents    AgentBackend
	terminals TerminalBackend

	// pendingAcks tracks rebroadcast user messages awaiting device
	// confirmation, keyed by message id.
	pendingAcks map[string]*pendingAck
	// voiceJobs holds the cancel func of the in-flight transcription per
	// session key.
	voiceJobs map[string]context.CancelFunc
	// seen remembers recently accepted message ids so retried commands are
	// re-acked instead of re-executed.
	seen *recentSet
}

type pendingAck struct {
	sessionID    string
	fromDeviceID string
	timer        *time.Timer
}

// command is the closed set of envelopes the hub loop processes.
type command interface{ hubCommand() }

type cmdConnect struct {
	deviceID  string
	transport device.Transport
}

type cmdDisconnect struct {
	deviceID  string
	transport device.Transport
}

type cmdClient struct {
	deviceID  string
	transport device.Transport
	msg       protocol.ClientMessage
}

type cmdAckTimeout struct {
	messageID string
}

type cmdTranscribed struct {
	key        string
	deviceID   string
	messageID  string
	text       string
	durationMS int64
	audioID    string
	aborted    bool
	err        error
}

type cmdSynthesized struct {
	key        string
	audioID    string
	durationMS int64
	err        error
}

type cmdStop struct{}

func (cmdConnect) hubCommand()     {}
func (cmdDisconnect) hubCommand()  {}
func (cmdClient) hubCommand()      {}
func (cmdAckTimeout) hubCommand()  {}
func (cmdTranscribed) hubCommand() {}
func (cmdSynthesized) hubCommand() {}
func (cmdStop) hubCommand()        {}

// New builds a hub, opens the supervisor agent, and restores persisted agent
// sessions. Call Run to start processing.
func New(cfg Config, deps Deps) (*Hub, error) {
	if deps.Catalog == nil {
		return nil, fmt.Errorf("hub requires an agent catalog")
	}
	if deps.Agents == nil || deps.Terminals == nil || deps.Events == nil {
		return nil, fmt.Errorf("hub requires both backends and their event channel")
	}
	supervisorDef, ok := deps.Catalog.Agent(cfg.SupervisorAgent)
	if !ok {
		return nil, fmt.Errorf("supervisor agent %q is not in the catalog", cfg.SupervisorAgent)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		inbox:       make(chan command, cfg.InboxSize),
		events:      deps.Events,
		done:        make(chan struct{}),
		sessions:    session.NewRegistry(cfg.SupervisorDir),
		devices:     device.NewRegistry(),
		streams:     stream.NewTable(),
		catalog:     deps.Catalog,
		store:       deps.Store,
		speech:      deps.Speech,
		audio:       deps.Audio,
		agents:      deps.Agents,
		terminals:   deps.Terminals,
		pendingAcks: make(map[string]*pendingAck),
		voiceJobs:   make(map[string]context.CancelFunc),
		seen:        newRecentSet(recentLimit),
	}

	h.openSupervisor(supervisorDef)
	h.restorePersistedSessions()
	return h, nil
}

// Run drains the command inbox and the backend event channel until Shutdown.
// It must run on its own goroutine; everything it calls assumes single
// ownership of hub state.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case cmd := <-h.inbox:
			if _, stop := cmd.(cmdStop); stop {
				return
			}
			h.dispatch(cmd)
		case ev := <-h.events:
			h.handleBackendEvent(ev)
		}
	}
}

// Shutdown aborts in-flight work, tears down the backends, and stops the
// loop. It blocks until the loop has exited.
func (h *Hub) Shutdown() {
	h.cancel()
	h.terminals.Shutdown()
	h.agents.Shutdown()
	h.post(cmdStop{})
	<-h.done
}

// Connect registers an authenticated device connection. The hub answers with
// auth.success on the transport.
func (h *Hub) Connect(deviceID string, t device.Transport) {
	h.post(cmdConnect{deviceID: deviceID, transport: t})
}

// Disconnect reports a closed device connection. The transport identifies
// which connection went away so a reconnect that already replaced it is not
// torn down by the old connection's teardown.
func (h *Hub) Disconnect(deviceID string, t device.Transport) {
	h.post(cmdDisconnect{deviceID: deviceID, transport: t})
}

// Deliver hands one decoded client message to the hub loop. Frames read from
// a connection that has since been replaced are dropped.
func (h *Hub) Deliver(deviceID string, t device.Transport, msg protocol.ClientMessage) {
	h.post(cmdClient{deviceID: deviceID, transport: t, msg: msg})
}

// Stats reports connection and session counts. Safe from any goroutine.
func (h *Hub) Stats() Stats {
	return Stats{
		Devices:  int(h.deviceCount.Load()),
		Sessions: h.sessions.Count(),
	}
}

// post enqueues a command unless the loop has already exited.
func (h *Hub) post(cmd command) {
	select {
	case h.inbox <- cmd:
	case <-h.done:
	}
}

func (h *Hub) dispatch(cmd command) {
	switch c := cmd.(type) {
	case cmdConnect:
		h.handleConnect(c)
	case cmdDisconnect:
		h.handleDisconnect(c)
	case cmdClient:
		h.handleClient(c)
	case cmdAckTimeout:
		h.handleAckTimeout(c.messageID)
	case cmdTranscribed:
		h.handleTranscribed(c)
	case cmdSynthesized:
		h.handleSynthesized(c)
	}
}

func (h *Hub) handleConnect(c cmdConnect) {
	h.devices.Register(c.deviceID, c.transport)
	h.deviceCount.Store(int64(h.devices.Count()))
	h.devices.SendTo(c.deviceID, protocol.AuthSuccessMessage{Type: protocol.MsgAuthSuccess, DeviceID: c.deviceID}, true)
	slog.Info("device connected", "device_id", c.deviceID, "devices", h.devices.Count())
}

func (h *Hub) handleDisconnect(c cmdDisconnect) {
	h.devices.Unregister(c.deviceID, c.transport)
	h.deviceCount.Store(int64(h.devices.Count()))
	slog.Info("device disconnected", "device_id", c.deviceID, "devices", h.devices.Count())
}

func (h *Hub) handleClient(c cmdClient) {
	client := h.devices.Get(c.deviceID)
	if client == nil || client.Transport() != c.transport {
		// frame from a connection that was replaced or already unregistered
		return
	}
	h.handleMessage(c.deviceID, c.msg)
}

// openSupervisor binds the supervisor session to its agent, resuming the
// persisted ACP session when one exists.
func (h *Hub) openSupervisor(def catalog.Agent) {
	restoreID := ""
	if h.store != nil {
		if as, err := h.store.GetAgentSession(session.SupervisorID); err != nil {
			slog.Warn("could not load supervisor session record", "error", err)
		} else if as != nil {
			restoreID = as.ACPSessionID
		}
		if err := h.store.UpsertAgentSession(history.AgentSession{
			SessionID:  session.SupervisorID,
			AgentType:  def.ID,
			WorkingDir: h.cfg.SupervisorDir,
		}); err != nil {
			slog.Warn("could not persist supervisor session record", "error", err)
		}
	}
	h.agents.Open(session.SupervisorID, def, h.cfg.SupervisorDir, restoreID)
}

// restorePersistedSessions re-registers agent sessions that survived a
// restart so devices can resume them without recreating.
func (h *Hub) restorePersistedSessions() {
	if h.store == nil {
		return
	}
	persisted, err := h.store.ActiveAgentSessions()
	if err != nil {
		slog.Error("could not list persisted agent sessions", "error", err)
		return
	}
	restored := 0
	for _, as := range persisted {
		if as.SessionID == session.SupervisorID {
			continue
		}
		if _, err := h.restoreAgentSession(as); err != nil {
			slog.Warn("could not restore agent session",
				"session_id", as.SessionID, "agent", as.AgentType, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		slog.Info("restored agent sessions", "count", restored)
	}
}

func (h *Hub) backendFor(kind session.Kind) backend.Backend {
	if kind == session.KindTerminal {
		return h.terminals
	}
	return h.agents
}

// recentSet is a bounded FIFO set of message ids.
type recentSet struct {
	limit int
	ids   map[string]struct{}
	order []string
}

func newRecentSet(limit int) *recentSet {
	return &recentSet{limit: limit, ids: make(map[string]struct{}, limit)}
}

func (r *recentSet) Has(id string) bool {
	_, ok := r.ids[id]
	return ok
}

func (r *recentSet) Add(id string) {
	if _, ok := r.ids[id]; ok {
		return
	}
	if len(r.order) >= r.limit {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
}
