// Package lifecycle runs agent worker sessions: it spawns the agent process,
// drives the ACP handshake and prompt, races completion against timeout,
// stall, early exit and cancellation, and tears everything down exactly once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/acprunner/internal/common/config"
	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/kandev/acprunner/internal/events/bus"
	"github.com/kandev/acprunner/internal/task"
	"github.com/kandev/acprunner/internal/worker/health"
	"github.com/kandev/acprunner/internal/worker/process"
	"github.com/kandev/acprunner/internal/worker/resolver"
	"github.com/kandev/acprunner/internal/worker/transport"
)

var (
	// ErrWorkerNotFound is returned for an unknown or finished worker id.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrManagerClosed is returned by Start after Shutdown.
	ErrManagerClosed = errors.New("worker manager is shut down")
)

// Version is reported to agents as the client version.
var Version = "dev"

// ExecutableResolver locates the agent binary.
type ExecutableResolver interface {
	Resolve() string
}

// Config holds everything a manager needs to run sessions.
type Config struct {
	Agent        config.AgentConfig
	Health       health.Config
	Terminal     config.TerminalConfig
	AllowedKinds []string
	ClientInfo   transport.ClientInfo
}

// NewConfig derives a manager config from the application config.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Agent: cfg.Agent,
		Health: health.Config{
			Interval:   cfg.Health.Interval,
			WarnAfter:  cfg.Health.WarnAfter,
			StallAfter: cfg.Health.StallAfter,
		},
		Terminal:     cfg.Terminal,
		AllowedKinds: cfg.Permissions.AllowedKinds,
		ClientInfo:   transport.ClientInfo{Name: "acprunner", Version: Version},
	}
}

// Manager owns the set of live worker sessions.
type Manager struct {
	cfg       Config
	resolver  ExecutableResolver
	publisher *EventPublisher
	logger    *logger.Logger

	store *SessionStore

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithResolver overrides executable lookup.
func WithResolver(r ExecutableResolver) Option {
	return func(m *Manager) {
		m.resolver = r
	}
}

// WithEventBus publishes session events to b.
func WithEventBus(b bus.EventBus) Option {
	return func(m *Manager) {
		m.publisher = NewEventPublisher(b, m.logger)
	}
}

// NewManager creates a manager with no live sessions.
func NewManager(cfg Config, log *logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Agent.KillGrace <= 0 {
		cfg.Agent.KillGrace = process.DefaultKillGrace
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = transport.ClientInfo{Name: "acprunner", Version: Version}
	}
	m := &Manager{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "worker-manager")),
		store:  NewSessionStore(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		m.resolver = resolver.New(cfg.Agent.Command, cfg.Agent.PathEnv, m.logger)
	}
	if m.publisher == nil {
		m.publisher = NewEventPublisher(nil, m.logger)
	}
	return m
}

// Start launches a session in the background and returns it immediately.
// Cancelling ctx kills the worker. A zero timeout uses the configured default.
func (m *Manager) Start(ctx context.Context, t task.Task, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = t.TimeoutOr(m.cfg.Agent.DefaultTimeout)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	s := newSession(m, uuid.New().String(), t, timeout)
	m.store.Add(s)
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("starting worker",
		zap.String("worker_id", s.ID),
		zap.String("task_id", s.TaskID),
		zap.String("model", s.Model),
		zap.Duration("timeout", timeout))

	go func() {
		defer m.wg.Done()
		s.run(ctx)
	}()
	return s, nil
}

// Run executes one task to completion and returns its result. It never
// returns nil.
func (m *Manager) Run(ctx context.Context, t task.Task, timeout time.Duration) *Result {
	s, err := m.Start(ctx, t, timeout)
	if err != nil {
		return &Result{
			TaskID:  t.ID,
			Status:  StatusFailed,
			Failure: FailureSpawn,
			Error:   err.Error(),
		}
	}
	<-s.Done()
	return s.Result()
}

// Get returns a live session.
func (m *Manager) Get(workerID string) (*Session, bool) {
	return m.store.Get(workerID)
}

// GetByRemoteID returns the live session the agent knows as remoteID.
func (m *Manager) GetByRemoteID(remoteID string) (*Session, bool) {
	return m.store.GetByRemoteID(remoteID)
}

// Snapshot returns a view of one live session.
func (m *Manager) Snapshot(workerID string) (Snapshot, error) {
	s, ok := m.store.Get(workerID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return s.Snapshot(), nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Snapshot {
	sessions := m.store.List()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// KillWorker cancels one session. It returns false when the id is unknown
// or the session was already asked to stop.
func (m *Manager) KillWorker(workerID string) bool {
	s, ok := m.store.Get(workerID)
	if !ok {
		return false
	}
	return s.Kill()
}

// KillAll cancels every live session and returns how many were signalled.
func (m *Manager) KillAll() int {
	n := 0
	for _, s := range m.store.List() {
		if s.Kill() {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("killed all workers", zap.Int("count", n))
	}
	return n
}

// Shutdown refuses new sessions, kills every live one and waits for their
// teardown to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) (int, error) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	sessions := m.store.List()
	g, gctx := errgroup.WithContext(ctx)
	killed := make([]bool, len(sessions))
	for i, s := range sessions {
		g.Go(func() error {
			killed[i] = s.Kill()
			select {
			case <-s.Done():
				return nil
			case <-gctx.Done():
				return fmt.Errorf("worker %s: %w", s.ID, gctx.Err())
			}
		})
	}
	err := g.Wait()

	n := 0
	for _, k := range killed {
		if k {
			n++
		}
	}
	if err != nil {
		return n, err
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return n, nil
	case <-ctx.Done():
		return n, ctx.Err()
	}
}

func (m *Manager) remove(s *Session) {
	m.store.Remove(s.ID)
}
