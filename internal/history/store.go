// Package history is the SQLite-backed conversation store. Completed turns
// and user utterances land here as immutable messages with per-session
// sequence numbers; agent session metadata is persisted alongside so agent
// sessions survive a hub restart.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tiflis-io/tiflis-hub/internal/block"
)

// Role identifies who a persisted message belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem marks assistant turns that contained an error block and
	// standalone notices, so clients can render failures distinctly.
	RoleSystem Role = "system"
)

// Message is one persisted history entry. Sequence numbers increase
// monotonically per session with no gaps; pagination leans on that. Live is
// never stored: history responses set it on the one synthetic entry that
// snapshots an in-flight turn.
type Message struct {
	ID        string               `json:"id"`
	SessionID string               `json:"session_id"`
	Role      Role                 `json:"role"`
	Sequence  int64                `json:"sequence"`
	Blocks    []block.ContentBlock `json:"content_blocks"`
	CreatedAt string               `json:"created_at"`
	Live      bool                 `json:"live,omitempty"`
}

// Page is one history.request result.
type Page struct {
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
	OldestSequence int64     `json:"oldest_sequence"`
	NewestSequence int64     `json:"newest_sequence"`
}

// AgentSession is the persisted metadata needed to restore an agent session
// after a restart. ACPSessionID is the agent-side conversation id, recorded
// once the agent hands one out so a restored session can resume its
// conversation instead of starting cold.
type AgentSession struct {
	SessionID    string `json:"session_id"`
	AgentType    string `json:"agent_type"`
	Alias        string `json:"alias"`
	Workspace    string `json:"workspace"`
	Project      string `json:"project"`
	Worktree     string `json:"worktree"`
	WorkingDir   string `json:"working_dir"`
	ACPSessionID string `json:"acp_session_id,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// SaveParams names the inputs to SaveMessage. ID is optional; client-supplied
// message ids are kept so the broadcast echo carries the id the originating
// device already knows.
type SaveParams struct {
	ID        string
	SessionID string
	Role      Role
	Blocks    []block.ContentBlock
}

// Store provides persistent conversation history backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if needed) the history database at dbPath and brings
// its schema up to date.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	// WAL keeps readers unblocked while turns are being written; the busy
	// timeout covers the brief writer lock handoffs.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrations run in order; schema_version records how far a database has come.
var migrations = []func(*sql.DB) error{
	migrateV1,
	migrateV2,
	migrateV3,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying history migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("apply migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("mark migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the messages table. The (session_id, seq) unique index is
// what makes gapless pagination trustworthy.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			seq INTEGER NOT NULL,
			blocks TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			UNIQUE (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	`)
	return err
}

// migrateV2 creates the agent_sessions table for restart recovery.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_sessions (
			session_id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL,
			alias TEXT NOT NULL DEFAULT '',
			workspace TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			worktree TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV3 adds the agent-side conversation id used to resume a restored
// session's conversation.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE agent_sessions ADD COLUMN acp_session_id TEXT NOT NULL DEFAULT ''`)
	return err
}

// SaveMessage persists one message, allocating the next sequence number for
// its session inside the insert transaction.
func (s *Store) SaveMessage(params SaveParams) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := params.ID
	if id == "" {
		id = uuid.New().String()
	}

	blocksJSON, err := json.Marshal(params.Blocks)
	if err != nil {
		return Message{}, fmt.Errorf("marshal blocks: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?",
		params.SessionID,
	).Scan(&seq)
	if err != nil {
		return Message{}, fmt.Errorf("allocate sequence: %w", err)
	}

	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		"INSERT INTO messages (id, session_id, role, seq, blocks, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, params.SessionID, string(params.Role), seq, string(blocksJSON), createdAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit save: %w", err)
	}

	return Message{
		ID:        id,
		SessionID: params.SessionID,
		Role:      params.Role,
		Sequence:  seq,
		Blocks:    params.Blocks,
		CreatedAt: createdAt,
	}, nil
}

// HistoryPage returns up to limit messages strictly older than beforeSeq
// (beforeSeq <= 0 means "from the newest"), ordered by ascending sequence.
// NewestSequence always reflects the session's latest persisted sequence so a
// paging client can tell whether it is behind.
func (s *Store) HistoryPage(sessionID string, beforeSeq int64, limit int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if beforeSeq > 0 {
		rows, err = s.db.Query(
			"SELECT id, session_id, role, seq, blocks, created_at FROM messages WHERE session_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?",
			sessionID, beforeSeq, limit,
		)
	} else {
		rows, err = s.db.Query(
			"SELECT id, session_id, role, seq, blocks, created_at FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?",
			sessionID, limit,
		)
	}
	if err != nil {
		return Page{}, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var descending []Message
	for rows.Next() {
		var (
			m         Message
			role      string
			blocksRaw string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Sequence, &blocksRaw, &m.CreatedAt); err != nil {
			return Page{}, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		if err := json.Unmarshal([]byte(blocksRaw), &m.Blocks); err != nil {
			return Page{}, fmt.Errorf("unmarshal blocks for %s: %w", m.ID, err)
		}
		descending = append(descending, m)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate history: %w", err)
	}

	page := Page{Messages: make([]Message, 0, len(descending))}
	for i := len(descending) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, descending[i])
	}

	if err := s.db.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?",
		sessionID,
	).Scan(&page.NewestSequence); err != nil {
		return Page{}, fmt.Errorf("newest sequence: %w", err)
	}

	if len(page.Messages) > 0 {
		page.OldestSequence = page.Messages[0].Sequence
		var older int
		if err := s.db.QueryRow(
			"SELECT COUNT(1) FROM messages WHERE session_id = ? AND seq < ? LIMIT 1",
			sessionID, page.OldestSequence,
		).Scan(&older); err != nil {
			return Page{}, fmt.Errorf("probe older messages: %w", err)
		}
		page.HasMore = older > 0
	}

	return page, nil
}

// MessageCount returns the number of persisted messages for a session.
func (s *Store) MessageCount(sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// UpsertAgentSession records or refreshes the metadata for an active agent
// session. Called on session creation and whenever the binding changes.
func (s *Store) UpsertAgentSession(as AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if as.CreatedAt == "" {
		as.CreatedAt = now
	}
	as.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO agent_sessions
			(session_id, agent_type, alias, workspace, project, worktree, working_dir, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_type = excluded.agent_type,
			alias = excluded.alias,
			workspace = excluded.workspace,
			project = excluded.project,
			worktree = excluded.worktree,
			working_dir = excluded.working_dir,
			active = 1,
			updated_at = excluded.updated_at`,
		as.SessionID, as.AgentType, as.Alias, as.Workspace, as.Project, as.Worktree,
		as.WorkingDir, as.CreatedAt, as.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

// SetACPSessionID records the agent-side conversation id for a session. Kept
// separate from UpsertAgentSession so refreshing metadata never wipes a
// previously recorded conversation id.
func (s *Store) SetACPSessionID(sessionID, acpSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE agent_sessions SET acp_session_id = ?, updated_at = ? WHERE session_id = ?",
		acpSessionID, time.Now().UTC().Format(time.RFC3339), sessionID,
	)
	if err != nil {
		return fmt.Errorf("set acp session id: %w", err)
	}
	return nil
}

// DeactivateAgentSession marks a persisted agent session terminated so it is
// no longer offered for restore. The row stays for history attribution.
func (s *Store) DeactivateAgentSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE agent_sessions SET active = 0, updated_at = ? WHERE session_id = ?",
		time.Now().UTC().Format(time.RFC3339), sessionID,
	)
	if err != nil {
		return fmt.Errorf("deactivate agent session: %w", err)
	}
	return nil
}

// ActiveAgentSessions returns the agent sessions eligible for restore.
func (s *Store) ActiveAgentSessions() ([]AgentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT session_id, agent_type, alias, workspace, project, worktree, working_dir, acp_session_id, created_at, updated_at FROM agent_sessions WHERE active = 1 ORDER BY created_at ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		var as AgentSession
		if err := rows.Scan(&as.SessionID, &as.AgentType, &as.Alias, &as.Workspace, &as.Project,
			&as.Worktree, &as.WorkingDir, &as.ACPSessionID, &as.CreatedAt, &as.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		out = append(out, as)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent sessions: %w", err)
	}

	if out == nil {
		out = []AgentSession{}
	}
	return out, nil
}

// GetAgentSession returns persisted metadata for one agent session id.
// Returns nil, nil when no active row exists.
func (s *Store) GetAgentSession(sessionID string) (*AgentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var as AgentSession
	err := s.db.QueryRow(
		"SELECT session_id, agent_type, alias, workspace, project, worktree, working_dir, acp_session_id, created_at, updated_at FROM agent_sessions WHERE session_id = ? AND active = 1",
		sessionID,
	).Scan(&as.SessionID, &as.AgentType, &as.Alias, &as.Workspace, &as.Project,
		&as.Worktree, &as.WorkingDir, &as.ACPSessionID, &as.CreatedAt, &as.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent session: %w", err)
	}
	return &as, nil
}
