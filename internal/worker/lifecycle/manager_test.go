//go:build unix

package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acprunner/internal/common/config"
	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/kandev/acprunner/internal/events/bus"
	"github.com/kandev/acprunner/internal/task"
	"github.com/kandev/acprunner/internal/worker/acptest"
	"github.com/kandev/acprunner/internal/worker/health"
)

type staticResolver string

func (r staticResolver) Resolve() string { return string(r) }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func testConfig(mode string) Config {
	return Config{
		Agent: config.AgentConfig{
			Command:        "fake-agent",
			Args:           []string{"-test.run=^$"},
			Env:            map[string]string{acptest.ModeEnv: mode},
			ClearEnv:       []string{"ELECTRON_RUN_AS_NODE"},
			DefaultTimeout: 20 * time.Second,
			KillGrace:      500 * time.Millisecond,
		},
		Health: health.Config{
			Interval:   time.Second,
			WarnAfter:  10 * time.Second,
			StallAfter: 30 * time.Second,
		},
		Terminal:     config.TerminalConfig{OutputByteLimit: 4096, KillGrace: 200 * time.Millisecond},
		AllowedKinds: config.DefaultAllowedKinds,
	}
}

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithResolver(staticResolver(os.Args[0]))}, opts...)
	m := NewManager(cfg, newTestLogger(t), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = m.Shutdown(ctx)
	})
	return m
}

func waitResult(t *testing.T, s *Session) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := s.Wait(ctx)
	require.NoError(t, err, "session did not finish")
	return res
}

func waitStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want }, 10*time.Second, 10*time.Millisecond)
}

func TestRun_Success(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeOK))

	res := m.Run(context.Background(), task.Task{ID: "t1", Prompt: "say hello", Cwd: t.TempDir()}, 0)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, FailureNone, res.Failure)
	assert.Equal(t, "end_turn", res.StopReason)
	assert.Equal(t, "hello world", res.Output)
	assert.Equal(t, 1, res.ToolCallCount)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "sess-1", res.RemoteSessionID)
	assert.Empty(t, m.List())
}

func TestRun_ToolsAndEvents(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(nil)
	var mu sync.Mutex
	var types []string
	var statuses []string
	_, err := eventBus.Subscribe(bus.AllWorkers, func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
		if e.Type == bus.EventWorkerStatus {
			statuses = append(statuses, e.Data.(map[string]any)["status"].(string))
		}
		return nil
	})
	require.NoError(t, err)

	m := newTestManager(t, testConfig(acptest.ModeTools), WithEventBus(eventBus))
	dir := t.TempDir()
	res := m.Run(context.Background(), task.Task{Prompt: "write notes", Cwd: dir}, 0)

	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Working. Done.", res.Output)
	assert.Equal(t, 1, res.ToolCallCount)

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(data))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, bus.EventWorkerUpdate)
	assert.Contains(t, types, bus.EventWorkerPermission)
	assert.Equal(t, bus.EventWorkerResult, types[len(types)-1])
	assert.Equal(t, []string{"handshaking", "connected", "running", "completed"}, statuses)
}

func TestRun_SpawnFailure(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeOK), WithResolver(staticResolver(filepath.Join(t.TempDir(), "missing-agent"))))

	res := m.Run(context.Background(), task.Task{Prompt: "p"}, time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, FailureSpawn, res.Failure)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "missing-agent")
	assert.False(t, res.ProcessKilled)
	assert.Empty(t, m.List())
}

func TestRun_EarlyExitReportsCodeAndStderr(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeExit1))

	res := m.Run(context.Background(), task.Task{Prompt: "p"}, 10*time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, FailureEarlyExit, res.Failure)
	assert.Equal(t, StatusFailed, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 1, *res.ExitCode)
	assert.Contains(t, res.Stderr, "boom: missing credentials")
	assert.Contains(t, res.Error, "exit code 1")
	assert.Contains(t, res.Error, "boom: missing credentials")
	assert.False(t, res.ProcessKilled)
}

func TestRun_CrashMidPrompt(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeCrash))

	res := m.Run(context.Background(), task.Task{Prompt: "p"}, 10*time.Second)

	assert.Equal(t, FailureEarlyExit, res.Failure)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Equal(t, "sess-1", res.RemoteSessionID)
}

func TestRun_PromptErrorIsProtocolError(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeRPCError))

	start := time.Now()
	res := m.Run(context.Background(), task.Task{Prompt: "p"}, 10*time.Second)

	assert.False(t, res.Success)
	assert.Equal(t, FailureProtocolError, res.Failure)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "model overloaded")
	assert.True(t, res.ProcessKilled)
	// The agent is still alive, so there is no exit to wait for.
	assert.Less(t, time.Since(start), exitSettleWindow+750*time.Millisecond)
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeHang))

	start := time.Now()
	res := m.Run(context.Background(), task.Task{Prompt: "p"}, 500*time.Millisecond)

	assert.False(t, res.Success)
	assert.Equal(t, FailureTimedOut, res.Failure)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Contains(t, res.Error, "timed out after 500ms")
	assert.True(t, res.ProcessKilled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, m.List())
}

func TestRun_StallIsDistinctFromTimeout(t *testing.T) {
	cfg := testConfig(acptest.ModeHang)
	cfg.Health = health.Config{Interval: 20 * time.Millisecond, WarnAfter: 50 * time.Millisecond, StallAfter: 200 * time.Millisecond}
	m := newTestManager(t, cfg)

	res := m.Run(context.Background(), task.Task{Prompt: "p"}, 15*time.Second)

	assert.Equal(t, FailureStalled, res.Failure)
	assert.Equal(t, StatusStalled, res.Status)
	assert.Contains(t, res.Error, "stalled")
	assert.True(t, res.ProcessKilled)
}

func TestSession_IdleStatus(t *testing.T) {
	cfg := testConfig(acptest.ModeHang)
	cfg.Health = health.Config{Interval: 20 * time.Millisecond, WarnAfter: 50 * time.Millisecond, StallAfter: time.Minute}
	m := newTestManager(t, cfg)

	s, err := m.Start(context.Background(), task.Task{Prompt: "p"}, 15*time.Second)
	require.NoError(t, err)
	waitStatus(t, s, StatusIdle)

	require.True(t, m.KillWorker(s.ID))
	assert.Equal(t, StatusCancelled, waitResult(t, s).Status)
}

func TestRun_ContextCancelKillsImmediately(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeHang))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := m.Start(ctx, task.Task{Prompt: "p"}, 15*time.Second)
	require.NoError(t, err)
	waitStatus(t, s, StatusRunning)
	cancel()

	res := waitResult(t, s)
	assert.Equal(t, FailureCancelled, res.Failure)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.True(t, res.ProcessKilled)
	require.NotNil(t, res.Signal)
	assert.Equal(t, "SIGKILL", *res.Signal)
}

func TestKillWorker(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeHang))

	s, err := m.Start(context.Background(), task.Task{Prompt: "p"}, 15*time.Second)
	require.NoError(t, err)
	waitStatus(t, s, StatusRunning)

	snap, err := m.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Positive(t, snap.PID)
	assert.Equal(t, "sess-1", snap.RemoteSessionID)
	got, ok := m.GetByRemoteID("sess-1")
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)

	assert.True(t, m.KillWorker(s.ID))
	assert.False(t, m.KillWorker(s.ID), "second kill must be a no-op")

	res := waitResult(t, s)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Contains(t, res.Error, "killed")
	assert.False(t, m.KillWorker(s.ID))
	assert.False(t, m.KillWorker("unknown"))

	_, ok = m.Get(s.ID)
	assert.False(t, ok)
	_, ok = m.GetByRemoteID("sess-1")
	assert.False(t, ok)
	_, err = m.Snapshot(s.ID)
	assert.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestTeardown_KillsTerminals(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeTerminal))

	s, err := m.Start(context.Background(), task.Task{Prompt: "p", Cwd: t.TempDir()}, 15*time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.client.Terminals().Len() == 1 }, 10*time.Second, 10*time.Millisecond)
	term, ok := s.client.Terminals().Get("term-1")
	require.True(t, ok)
	assert.Equal(t, 1, s.Snapshot().Terminals)

	require.True(t, m.KillWorker(s.ID))
	waitResult(t, s)

	select {
	case <-term.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("terminal outlived its session")
	}
	assert.Zero(t, s.client.Terminals().Len())
}

func TestRun_TimeoutKillsTerminals(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeTerminal))

	s, err := m.Start(context.Background(), task.Task{Prompt: "p", Cwd: t.TempDir()}, 800*time.Millisecond)
	require.NoError(t, err)

	res := waitResult(t, s)
	assert.Equal(t, FailureTimedOut, res.Failure)
	assert.True(t, res.ProcessKilled)
	assert.Zero(t, s.client.Terminals().Len())
}

func TestShutdown(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeHang))

	for i := 0; i < 2; i++ {
		s, err := m.Start(context.Background(), task.Task{Prompt: "p"}, 15*time.Second)
		require.NoError(t, err)
		waitStatus(t, s, StatusRunning)
	}
	require.Len(t, m.List(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := m.Shutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, m.List())

	_, err = m.Start(context.Background(), task.Task{Prompt: "p"}, time.Second)
	assert.ErrorIs(t, err, ErrManagerClosed)

	res := m.Run(context.Background(), task.Task{Prompt: "p"}, time.Second)
	assert.Equal(t, FailureSpawn, res.Failure)
	assert.True(t, strings.Contains(res.Error, "shut down"))
}

func TestKillAll(t *testing.T) {
	m := newTestManager(t, testConfig(acptest.ModeHang))

	var sessions []*Session
	for i := 0; i < 3; i++ {
		s, err := m.Start(context.Background(), task.Task{Prompt: "p"}, 15*time.Second)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	assert.Equal(t, 3, m.KillAll())
	for _, s := range sessions {
		assert.Equal(t, FailureCancelled, waitResult(t, s).Failure)
	}
	assert.Zero(t, m.KillAll())
}

func TestStart_UsesDefaultTimeout(t *testing.T) {
	cfg := testConfig(acptest.ModeHang)
	cfg.Agent.DefaultTimeout = 300 * time.Millisecond
	m := newTestManager(t, cfg)

	res := m.Run(context.Background(), task.Task{Prompt: "p"}, 0)
	assert.Equal(t, FailureTimedOut, res.Failure)

	res = m.Run(context.Background(), task.Task{Prompt: "p", Timeout: task.Duration(200 * time.Millisecond)}, 0)
	assert.Contains(t, res.Error, "200ms")
}
