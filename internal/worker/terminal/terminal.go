// Package terminal implements the per-session virtual terminal registry that
// backs the terminal operations an agent can invoke. Each terminal is a real
// OS subprocess whose combined stdout and stderr land in a bounded buffer.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/kandev/acprunner/internal/worker/process"
	"go.uber.org/zap"
)

// DefaultOutputByteLimit applies when a create request carries no limit.
const DefaultOutputByteLimit = 1 << 20

// ErrTerminalNotFound is returned for operations on unknown terminal ids.
var ErrTerminalNotFound = errors.New("terminal not found")

// Spec describes a terminal to create.
type Spec struct {
	Command string
	Args    []string
	// Cwd is resolved against the registry's work dir when relative.
	Cwd string
	Env map[string]string
	// OutputByteLimit <= 0 selects the registry default.
	OutputByteLimit int
}

// Output is a point-in-time view of a terminal.
type Output struct {
	Output     string
	Truncated  bool
	ExitStatus *process.Status
}

// Terminal is a single agent-visible terminal.
type Terminal struct {
	ID        string
	Command   string
	Args      []string
	StartedAt time.Time

	cmd    *exec.Cmd
	buffer *Buffer

	mu       sync.Mutex
	status   *process.Status
	exitOnce sync.Once
	done     chan struct{}
}

// finish records the exit status and closes done. Only the first call has effect.
func (t *Terminal) finish(status *process.Status) {
	t.exitOnce.Do(func() {
		t.mu.Lock()
		t.status = status.Clone()
		t.mu.Unlock()
		close(t.done)
	})
}

// Done is closed once the backing process has exited or failed to start.
func (t *Terminal) Done() <-chan struct{} {
	return t.done
}

// ExitStatus returns nil while the process is still running.
func (t *Terminal) ExitStatus() *process.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Clone()
}

// Snapshot returns the current buffer and exit status.
func (t *Terminal) Snapshot() Output {
	out, truncated := t.buffer.Snapshot()
	return Output{
		Output:     out,
		Truncated:  truncated,
		ExitStatus: t.ExitStatus(),
	}
}

func (t *Terminal) terminate(grace time.Duration) {
	if t.cmd == nil || t.cmd.Process == nil {
		return
	}
	process.Terminate(t.cmd.Process, t.done, grace)
}

func (t *Terminal) kill() {
	if t.cmd == nil || t.cmd.Process == nil {
		return
	}
	select {
	case <-t.done:
	default:
		_ = process.Kill(t.cmd.Process)
	}
}

// Config configures a Registry.
type Config struct {
	WorkDir         string
	OutputByteLimit int
	KillGrace       time.Duration
	// ClearEnv lists host variables removed from terminal environments.
	ClearEnv []string
}

// Registry is the per-session table of live terminals. It is never shared
// across sessions.
type Registry struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.Mutex
	terminals map[string]*Terminal
	nextID    int
	closed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, log *logger.Logger) *Registry {
	if cfg.OutputByteLimit <= 0 {
		cfg.OutputByteLimit = DefaultOutputByteLimit
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = process.DefaultKillGrace
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		cfg:       cfg,
		logger:    log,
		terminals: make(map[string]*Terminal),
	}
}

// Create spawns the command and registers it without waiting for it to
// finish. A command that cannot be started still yields a terminal: its
// output holds the error and its exit status is the -1 sentinel.
func (r *Registry) Create(spec Spec) (string, error) {
	if spec.Command == "" {
		return "", fmt.Errorf("command is required")
	}

	limit := spec.OutputByteLimit
	if limit <= 0 {
		limit = r.cfg.OutputByteLimit
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", fmt.Errorf("terminal registry is closed")
	}
	r.nextID++
	id := fmt.Sprintf("term-%d", r.nextID)
	r.mu.Unlock()

	t := &Terminal{
		ID:        id,
		Command:   spec.Command,
		Args:      spec.Args,
		StartedAt: time.Now().UTC(),
		buffer:    NewBuffer(limit),
		done:      make(chan struct{}),
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = r.resolveCwd(spec.Cwd)
	cmd.Env = process.MergeEnv(os.Environ(), spec.Env, r.cfg.ClearEnv)
	cmd.Stdout = t.buffer
	cmd.Stderr = t.buffer
	// Grandchildren holding the pipe open must not block Wait forever.
	cmd.WaitDelay = r.cfg.KillGrace
	process.Configure(cmd, false)

	log := r.logger.WithTerminalID(id)

	startErr := cmd.Start()
	if startErr == nil {
		t.cmd = cmd
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if startErr == nil {
			_ = process.Kill(cmd.Process)
			_ = cmd.Wait()
		}
		return "", fmt.Errorf("terminal registry is closed")
	}
	r.terminals[id] = t
	r.mu.Unlock()

	if startErr != nil {
		log.Warn("terminal command failed to start",
			zap.String("command", spec.Command),
			zap.Error(startErr))
		_, _ = t.buffer.Write([]byte(startErr.Error()))
		t.finish(process.FailedStatus())
		return id, nil
	}

	log.Debug("terminal started",
		zap.String("command", spec.Command),
		zap.Strings("args", spec.Args),
		zap.String("cwd", cmd.Dir),
		zap.Int("pid", cmd.Process.Pid))

	go func() {
		_ = cmd.Wait()
		status := process.ExitStatus(cmd.ProcessState)
		if status == nil {
			status = process.FailedStatus()
		}
		t.finish(status)
		log.Debug("terminal exited", zap.Any("exit_status", status))
	}()

	return id, nil
}

func (r *Registry) resolveCwd(cwd string) string {
	switch {
	case cwd == "":
		return r.cfg.WorkDir
	case filepath.IsAbs(cwd) || r.cfg.WorkDir == "":
		return filepath.Clean(cwd)
	default:
		return filepath.Join(r.cfg.WorkDir, cwd)
	}
}

// Get looks up a terminal by id.
func (r *Registry) Get(id string) (*Terminal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.terminals[id]
	return t, ok
}

// Output returns the current buffer snapshot for id.
func (r *Registry) Output(id string) (Output, error) {
	t, ok := r.Get(id)
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	return t.Snapshot(), nil
}

// Wait blocks until the terminal's process exits or ctx is done. Unknown ids
// resolve immediately with the -1 sentinel status.
func (r *Registry) Wait(ctx context.Context, id string) (*process.Status, error) {
	t, ok := r.Get(id)
	if !ok {
		return process.FailedStatus(), nil
	}
	select {
	case <-t.done:
		return t.ExitStatus(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait interrupted: %w", ctx.Err())
	}
}

// Kill stops the terminal's process in the background: graceful signal
// first, forced after the kill grace. The terminal stays registered so its
// output and exit status remain readable.
func (r *Registry) Kill(id string) error {
	t, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	go t.terminate(r.cfg.KillGrace)
	return nil
}

// Release stops the terminal if still running and forgets it. Releasing an
// unknown id is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	t, ok := r.terminals[id]
	delete(r.terminals, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	go t.terminate(r.cfg.KillGrace)
}

// CloseAll force-kills every live terminal, waits briefly for each to be
// reaped, and clears the registry. It returns how many terminals were
// registered. Later Create calls fail.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	r.closed = true
	terms := make([]*Terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		terms = append(terms, t)
	}
	r.terminals = make(map[string]*Terminal)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range terms {
		t.kill()
		wg.Add(1)
		go func(t *Terminal) {
			defer wg.Done()
			select {
			case <-t.done:
			case <-time.After(r.cfg.KillGrace):
				r.logger.Warn("terminal not reaped after kill", zap.String("terminal_id", t.ID))
			}
		}(t)
	}
	wg.Wait()
	return len(terms)
}

// Len returns the number of registered terminals.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.terminals)
}
