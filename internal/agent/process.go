// Package agent runs assistant subprocesses speaking the Agent Client
// Protocol over stdio and turns their session updates into content block
// fragments for the hub. One subprocess serves one session; the process
// outlives individual turns and is respawned lazily if it dies.
package agent

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// agentProcess is one running agent subprocess with NDJSON stdio pipes.
type agentProcess struct {
	command   string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startTime time.Time
	mu        sync.Mutex
	stopped   bool
}

// startProcess spawns command with args in workingDir. env entries are
// appended to the parent environment.
func startProcess(command string, args, env []string, workingDir string) (*agentProcess, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), env...)
	if workingDir != "" {
		cmd.Dir = workingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}

	slog.Info("agent process started", "command", command, "pid", cmd.Process.Pid)

	return &agentProcess{
		command:   command,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
	}, nil
}

func (p *agentProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *agentProcess) Stdout() io.ReadCloser { return p.stdout }

// wait blocks until the process exits. Exactly one caller (the backend's
// exit monitor) owns this.
func (p *agentProcess) wait() error { return p.cmd.Wait() }

// stop closes stdin to let the agent exit gracefully, then kills it. The
// process is reaped by the exit monitor's Wait, not here.
func (p *agentProcess) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true

	slog.Info("stopping agent process", "command", p.command)
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// logStderr drains the agent's stderr so diagnostics end up in our log
// instead of blocking the child.
func (p *agentProcess) logStderr() {
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		slog.Warn("agent stderr", "command", p.command, "line", scanner.Text())
	}
}
