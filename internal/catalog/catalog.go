// Package catalog holds what devices can ask for: the agent definitions the
// hub can launch and the workspaces commands may run in. Agents come from a
// YAML file; workspaces from configuration. Git-level discovery stays outside
// the hub.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Agent is one launchable agent definition. Command and Args describe the
// subprocess; only ID and Name travel to devices.
type Agent struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Command string   `yaml:"command" json:"-"`
	Args    []string `yaml:"args" json:"-"`
	Env     []string `yaml:"env" json:"-"`
}

// Workspace is one directory tree commands may target.
type Workspace struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Catalog is immutable after load; the hub reads it concurrently without
// locking.
type Catalog struct {
	agents     map[string]Agent
	order      []string
	workspaces []Workspace
}

type agentsFile struct {
	Agents []Agent `yaml:"agents"`
}

// Load reads the agents file and combines it with the configured workspaces.
func Load(agentsPath string, workspaces []Workspace) (*Catalog, error) {
	raw, err := os.ReadFile(agentsPath)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}

	c := &Catalog{agents: make(map[string]Agent), workspaces: workspaces}
	for _, a := range file.Agents {
		if a.ID == "" || a.Command == "" {
			return nil, fmt.Errorf("agent entry needs id and command: %+v", a)
		}
		if _, dup := c.agents[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		c.agents[a.ID] = a
		c.order = append(c.order, a.ID)
	}
	return c, nil
}

// NewStatic builds a catalog from in-memory definitions, for tests and
// embedded defaults.
func NewStatic(agents []Agent, workspaces []Workspace) *Catalog {
	c := &Catalog{agents: make(map[string]Agent), workspaces: workspaces}
	for _, a := range agents {
		if a.Name == "" {
			a.Name = a.ID
		}
		c.agents[a.ID] = a
		c.order = append(c.order, a.ID)
	}
	return c
}

// Agent returns the definition for an agent id.
func (c *Catalog) Agent(id string) (Agent, bool) {
	a, ok := c.agents[id]
	return a, ok
}

// Agents returns all definitions in file order.
func (c *Catalog) Agents() []Agent {
	out := make([]Agent, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.agents[id])
	}
	return out
}

// Workspaces returns the configured workspaces.
func (c *Catalog) Workspaces() []Workspace {
	return c.workspaces
}

// Workspace returns the workspace with the given name.
func (c *Catalog) Workspace(name string) (Workspace, bool) {
	for _, w := range c.workspaces {
		if w.Name == name {
			return w, true
		}
	}
	return Workspace{}, false
}

// ResolveDir maps workspace/project/worktree to an existing directory. Every
// component is optional below the workspace; a missing directory at any level
// is the caller's WORKSPACE_NOT_FOUND error.
func (c *Catalog) ResolveDir(workspace, project, worktree string) (string, error) {
	w, ok := c.Workspace(workspace)
	if !ok {
		return "", fmt.Errorf("workspace %q not configured", workspace)
	}
	dir := w.Path
	if project != "" {
		dir = filepath.Join(dir, project)
	}
	if worktree != "" {
		dir = filepath.Join(dir, worktree)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("resolve %s: not a directory", dir)
	}
	return dir, nil
}
