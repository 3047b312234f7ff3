// Package session tracks the hub's active sessions: the singleton supervisor
// conversation plus any number of agent and terminal sessions the devices
// have opened.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind discriminates the three session flavors.
type Kind string

const (
	// KindSupervisor is the singleton shared conversation every
	// authenticated device observes. It exists from startup and cannot be
	// terminated by a client.
	KindSupervisor Kind = "supervisor"
	KindAgent      Kind = "agent"
	KindTerminal   Kind = "terminal"
)

// SupervisorID is the fixed id of the supervisor session, also used as the
// accumulator key and the history sentinel for supervisor turns.
const SupervisorID = "supervisor"

// Session is one addressable conversation or terminal. The JSON shape is the
// wire shape used in sync responses and session.created broadcasts.
type Session struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	AgentType  string    `json:"agent_type,omitempty"`
	Alias      string    `json:"alias,omitempty"`
	Workspace  string    `json:"workspace,omitempty"`
	Project    string    `json:"project,omitempty"`
	Worktree   string    `json:"worktree,omitempty"`
	WorkingDir string    `json:"working_dir,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Executing  bool      `json:"executing"`
}

// CreateParams carries everything needed to register a session. ID is set
// only when restoring a persisted agent session; otherwise a fresh id is
// generated.
type CreateParams struct {
	ID         string
	Kind       Kind
	AgentType  string
	Alias      string
	Workspace  string
	Project    string
	Worktree   string
	WorkingDir string
}

// Registry is the in-memory session table. The hub goroutine is the only
// writer; the read lock exists for ancillary readers like the health
// endpoint.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewRegistry returns a registry pre-seeded with the supervisor session
// rooted at workingDir.
func NewRegistry(workingDir string) *Registry {
	r := &Registry{sessions: make(map[string]Session)}
	r.sessions[SupervisorID] = Session{
		ID:         SupervisorID,
		Kind:       KindSupervisor,
		WorkingDir: workingDir,
		CreatedAt:  time.Now().UTC(),
	}
	return r
}

// NewID returns a 32-char hex session id.
func NewID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to a timestamp id rather than crashing session
		// creation.
		return fmt.Sprintf("s%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Create registers a new session and returns it. Restoring passes the
// persisted id through params.ID; everything else gets a generated one.
func (r *Registry) Create(params CreateParams) (Session, error) {
	if params.Kind == KindSupervisor {
		return Session{}, fmt.Errorf("supervisor session is implicit")
	}
	if params.Kind != KindAgent && params.Kind != KindTerminal {
		return Session{}, fmt.Errorf("unknown session kind %q", params.Kind)
	}
	if params.Kind == KindAgent && params.AgentType == "" {
		return Session{}, fmt.Errorf("agent session requires an agent type")
	}

	id := params.ID
	if id == "" {
		id = NewID()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return Session{}, fmt.Errorf("session %s already exists", id)
	}
	s := Session{
		ID:         id,
		Kind:       params.Kind,
		AgentType:  params.AgentType,
		Alias:      params.Alias,
		Workspace:  params.Workspace,
		Project:    params.Project,
		Worktree:   params.Worktree,
		WorkingDir: params.WorkingDir,
		CreatedAt:  time.Now().UTC(),
	}
	r.sessions[id] = s
	return s, nil
}

// Terminate removes a session and returns it. Unknown ids and the supervisor
// return ok=false; callers treat unknown ids as a no-op success.
func (r *Registry) Terminate(id string) (Session, bool) {
	if id == SupervisorID {
		return Session{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, id)
	return s, true
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Has reports whether a session id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// List returns all sessions, supervisor first, the rest by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Kind == KindSupervisor) != (out[j].Kind == KindSupervisor) {
			return out[i].Kind == KindSupervisor
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Count returns the number of registered sessions, supervisor included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SetExecuting flips a session's executing flag. Returns false for unknown
// ids.
func (r *Registry) SetExecuting(id string, executing bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.Executing = executing
	r.sessions[id] = s
	return true
}

// IsExecuting reports whether the session is mid-turn. Unknown ids report
// false.
func (r *Registry) IsExecuting(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id].Executing
}

// ExecutingMap returns a session id → executing snapshot for sync responses.
func (r *Registry) ExecutingMap() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.sessions))
	for id, s := range r.sessions {
		out[id] = s.Executing
	}
	return out
}
