package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/kandev/acprunner/internal/task"
	"github.com/kandev/acprunner/internal/tracing"
	"github.com/kandev/acprunner/internal/worker/acpclient"
	"github.com/kandev/acprunner/internal/worker/health"
	"github.com/kandev/acprunner/internal/worker/process"
	"github.com/kandev/acprunner/internal/worker/terminal"
	"github.com/kandev/acprunner/internal/worker/transport"
)

const (
	stderrLines = 50

	// exitSettleWindow bounds how long an exited process's final protocol
	// messages are awaited before the exit is classified.
	exitSettleWindow = time.Second

	// reapWindow bounds the wait for the process to be reaped after the
	// forced signal.
	reapWindow = 2 * time.Second
)

// Session is one agent process running one task.
type Session struct {
	ID        string
	TaskID    string
	Model     string
	StartedAt time.Time

	manager *Manager
	task    task.Task
	timeout time.Duration
	logger  *logger.Logger

	client *acpclient.Client
	stderr *process.LineBuffer

	mu              sync.RWMutex
	status          Status
	pid             int
	remoteSessionID string
	finishedAt      *time.Time

	// Set before exited is closed; read only after.
	cmd     *exec.Cmd
	waitErr error
	exited  chan struct{}

	killCh   chan struct{}
	killOnce sync.Once

	done   chan struct{}
	result *Result
}

func newSession(m *Manager, id string, t task.Task, timeout time.Duration) *Session {
	model := t.Model
	if model == "" {
		model = m.cfg.Agent.DefaultModel
	}
	log := m.logger.WithWorkerID(id)
	s := &Session{
		ID:        id,
		TaskID:    t.ID,
		Model:     model,
		StartedAt: time.Now(),
		manager:   m,
		task:      t,
		timeout:   timeout,
		logger:    log,
		status:    StatusSpawning,
		exited:    make(chan struct{}),
		killCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.stderr = process.NewLineBuffer(stderrLines, func(line string) {
		s.logger.Debug("agent stderr", zap.String("line", line))
		m.publisher.PublishStderr(id, line)
	})

	terminals := terminal.NewRegistry(terminal.Config{
		WorkDir:         t.Cwd,
		OutputByteLimit: m.cfg.Terminal.OutputByteLimit,
		KillGrace:       m.cfg.Terminal.KillGrace,
		ClearEnv:        m.cfg.Agent.ClearEnv,
	}, log)
	s.client = acpclient.NewClient(
		acpclient.WithLogger(log),
		acpclient.WithWorkspaceRoot(t.Cwd),
		acpclient.WithPermissionPolicy(acpclient.NewPermissionPolicy(m.cfg.AllowedKinds)),
		acpclient.WithTerminalRegistry(terminals),
		acpclient.WithUpdateHandler(func(n acp.SessionNotification) {
			m.publisher.PublishUpdate(id, n, s.client.Progress())
		}),
		acpclient.WithDecisionHandler(func(d acpclient.Decision) {
			m.publisher.PublishPermission(id, d)
		}),
	)
	return s
}

// Done is closed once teardown has finished and Result is available.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the final result, or nil while the session is running.
func (s *Session) Result() *Result {
	select {
	case <-s.done:
		return s.result
	default:
		return nil
	}
}

// Wait blocks until the session finishes or ctx ends.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Kill asks the session to stop immediately. Only the first call has an
// effect; it returns false for later calls and for finished sessions.
func (s *Session) Kill() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	killed := false
	s.killOnce.Do(func() {
		close(s.killCh)
		killed = true
	})
	return killed
}

// Status returns the current status. A running session that has been quiet
// for longer than the warning threshold reports idle.
func (s *Session) Status() Status {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()

	warn := s.manager.cfg.Health.WarnAfter
	if status == StatusRunning && warn > 0 && time.Since(s.client.LastActivity()) > warn {
		return StatusIdle
	}
	return status
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Snapshot {
	status := s.Status()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:              s.ID,
		TaskID:          s.TaskID,
		Model:           s.Model,
		PID:             s.pid,
		RemoteSessionID: s.remoteSessionID,
		Status:          status,
		Progress:        s.client.Progress(),
		Output:          s.client.Output(),
		Stderr:          s.stderr.Lines(),
		ToolCallCount:   s.client.ToolCallCount(),
		Terminals:       s.client.Terminals().Len(),
		StartedAt:       s.StartedAt,
		LastActivity:    s.client.LastActivity(),
		FinishedAt:      s.finishedAt,
	}
}

// setStatus moves the session forward. Final states are sticky.
func (s *Session) setStatus(status Status, span trace.Span) {
	s.mu.Lock()
	if s.status.IsFinal() || s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	s.logger.Debug("worker status", zap.String("status", string(status)))
	tracing.TraceWorkerStatus(span, string(status))
	s.manager.publisher.PublishStatus(s.ID, status, s.client.Progress())
}

func (s *Session) setRemoteSessionID(id string) {
	s.mu.Lock()
	s.remoteSessionID = id
	s.mu.Unlock()
	s.manager.store.IndexRemote(s.ID, id)
}

func (s *Session) hasExited() bool {
	select {
	case <-s.exited:
		return true
	default:
		return false
	}
}

// settlement is the single outcome that ends a session.
type settlement struct {
	failure    FailureKind
	stopReason acp.StopReason
	err        error
}

type protocolOutcome struct {
	stopReason acp.StopReason
	err        error
}

// agentProcess holds the OS resources of a started agent.
type agentProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
}

func (s *Session) run(ctx context.Context) {
	ctx, span := tracing.TraceWorkerRun(ctx, s.ID, s.TaskID, s.Model)
	defer span.End()

	proc, err := s.spawn(ctx)
	if err != nil {
		s.finish(settlement{failure: FailureSpawn, err: err}, nil, false, span)
		return
	}

	out, killed := s.supervise(ctx, proc, span)
	s.finish(out, proc, killed, span)
}

// spawn starts the agent process with its stdio wired for ACP.
func (s *Session) spawn(ctx context.Context) (*agentProcess, error) {
	_, span := tracing.TraceWorkerPhase(ctx, "spawn")
	cfg := s.manager.cfg.Agent

	binary := s.manager.resolver.Resolve()
	args := append([]string(nil), cfg.Args...)
	if cfg.ModelFlag != "" && s.Model != "" {
		args = append(args, cfg.ModelFlag, s.Model)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = s.task.Cwd
	cmd.Env = process.MergeEnv(os.Environ(), upperKeys(cfg.Env), cfg.ClearEnv)
	cmd.Stderr = s.stderr
	cmd.WaitDelay = cfg.KillGrace
	process.Configure(cmd, cfg.Detached)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		err = fmt.Errorf("failed to create stdin pipe: %w", err)
		tracing.EndPhase(span, err)
		return nil, err
	}
	// The read end stays ours so cmd.Wait cannot close it under the
	// connection's reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		err = fmt.Errorf("failed to create stdout pipe: %w", err)
		tracing.EndPhase(span, err)
		return nil, err
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		err = fmt.Errorf("failed to start agent %q: %w", binary, err)
		tracing.EndPhase(span, err)
		return nil, err
	}
	_ = stdoutW.Close()

	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.mu.Unlock()
	s.cmd = cmd
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	s.logger.Info("agent process started",
		zap.String("binary", binary),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid))
	tracing.EndPhase(span, nil)
	return &agentProcess{cmd: cmd, stdin: stdin, stdout: stdoutR}, nil
}

// supervise runs the protocol exchange and returns whichever of completion,
// early exit, stall, timeout or cancellation settles first.
func (s *Session) supervise(ctx context.Context, proc *agentProcess, span trace.Span) (settlement, bool) {
	protoCtx, cancelProto := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProto()

	conn := transport.NewConnection(s.client, proc.stdin, proc.stdout, s.logger)
	protoDone := make(chan protocolOutcome, 1)
	go func() {
		stop, err := s.converse(protoCtx, conn, span)
		protoDone <- protocolOutcome{stopReason: stop, err: err}
	}()

	stallCh := make(chan health.Stall, 1)
	monitor := health.NewMonitor(s.manager.cfg.Health, s.client.LastActivity, func(st health.Stall) {
		select {
		case stallCh <- st:
		default:
		}
	}, s.logger)
	monitor.Start()

	timer := time.NewTimer(s.timeout)

	var out settlement
	select {
	case <-ctx.Done():
		out = settlement{failure: FailureCancelled, err: fmt.Errorf("worker cancelled: %w", context.Cause(ctx))}
	case <-s.killCh:
		out = settlement{failure: FailureCancelled, err: errors.New("worker killed")}
	case p := <-protoDone:
		out = s.classifyProtocol(ctx, p, conn)
	case <-s.exited:
		out = s.classifyExit(protoDone, conn)
	case st := <-stallCh:
		out = settlement{failure: FailureStalled, err: st}
	case <-timer.C:
		out = settlement{failure: FailureTimedOut, err: fmt.Errorf("worker timed out after %s", s.timeout)}
	}

	// Cancellation wins over anything that became ready at the same time.
	if out.failure != FailureCancelled {
		select {
		case <-ctx.Done():
			out = settlement{failure: FailureCancelled, err: fmt.Errorf("worker cancelled: %w", context.Cause(ctx))}
		case <-s.killCh:
			out = settlement{failure: FailureCancelled, err: errors.New("worker killed")}
		default:
		}
	}

	// Single teardown path: disarm every watcher before touching processes.
	monitor.Stop()
	timer.Stop()
	cancelProto()

	return out, s.teardown(out, proc)
}

// converse runs initialize, session/new and session/prompt in order.
func (s *Session) converse(ctx context.Context, conn *transport.Connection, span trace.Span) (acp.StopReason, error) {
	s.setStatus(StatusHandshaking, span)
	phaseCtx, phase := tracing.TraceWorkerPhase(ctx, "initialize")
	info, err := conn.Initialize(phaseCtx, s.manager.cfg.ClientInfo)
	tracing.EndPhase(phase, err)
	if err != nil {
		return "", err
	}
	s.logger.Debug("agent connected",
		zap.String("agent_name", info.Name),
		zap.Int("protocol_version", info.ProtocolVersion))
	s.setStatus(StatusConnected, span)

	phaseCtx, phase = tracing.TraceWorkerPhase(ctx, "session_new")
	remoteID, err := conn.NewSession(phaseCtx, s.task.Cwd, s.task.McpServers)
	tracing.EndPhase(phase, err)
	if err != nil {
		return "", err
	}
	s.setRemoteSessionID(remoteID)

	s.setStatus(StatusRunning, span)
	phaseCtx, phase = tracing.TraceWorkerPhase(ctx, "prompt")
	stop, err := conn.Prompt(phaseCtx, remoteID, s.task.Prompt)
	tracing.EndPhase(phase, err)
	return stop, err
}

// classifyProtocol turns a finished protocol exchange into a settlement.
// An error caused by the process going away is reported as an early exit.
// While the agent's output stream is still open the error came from the
// agent itself and is reported at once; otherwise the exit gets a short
// window to land, cut short by cancellation.
func (s *Session) classifyProtocol(ctx context.Context, p protocolOutcome, conn *transport.Connection) settlement {
	if p.err == nil {
		return settlement{stopReason: p.stopReason}
	}
	protocolErr := settlement{failure: FailureProtocolError, err: p.err}
	if s.hasExited() {
		return s.earlyExit()
	}
	select {
	case <-conn.Done():
	default:
		return protocolErr
	}

	window := time.NewTimer(exitSettleWindow)
	defer window.Stop()
	select {
	case <-s.exited:
		return s.earlyExit()
	case <-ctx.Done():
	case <-s.killCh:
	case <-window.C:
	}
	return protocolErr
}

// classifyExit handles the process exiting first. The agent may have
// answered the prompt just before exiting, so its last messages get a
// short window to arrive.
func (s *Session) classifyExit(protoDone <-chan protocolOutcome, conn *transport.Connection) settlement {
	window := time.NewTimer(exitSettleWindow)
	defer window.Stop()
	select {
	case p := <-protoDone:
		if p.err == nil {
			return settlement{stopReason: p.stopReason}
		}
	case <-conn.Done():
		select {
		case p := <-protoDone:
			if p.err == nil {
				return settlement{stopReason: p.stopReason}
			}
		default:
		}
	case <-window.C:
	}
	return s.earlyExit()
}

// earlyExit describes an agent that exited before finishing. Call only
// after exited is closed.
func (s *Session) earlyExit() settlement {
	var b strings.Builder
	b.WriteString("agent process exited before completing")
	if st := process.ExitStatus(s.cmd.ProcessState); st != nil {
		switch {
		case st.Code != nil:
			fmt.Fprintf(&b, " (exit code %d)", *st.Code)
		case st.Signal != nil:
			fmt.Fprintf(&b, " (signal %s)", *st.Signal)
		}
	} else if s.waitErr != nil {
		fmt.Fprintf(&b, " (%v)", s.waitErr)
	}
	if lines := s.stderr.Lines(); len(lines) > 0 {
		b.WriteString(": ")
		b.WriteString(lines[len(lines)-1])
	}
	return settlement{failure: FailureEarlyExit, err: errors.New(b.String())}
}

// teardown kills terminals and the agent process. It reports whether the
// agent had to be signalled.
func (s *Session) teardown(out settlement, proc *agentProcess) bool {
	if n := s.client.Terminals().CloseAll(); n > 0 {
		s.logger.Info("closed terminals", zap.Int("count", n))
	}

	killed := false
	if !s.hasExited() {
		killed = true
		if out.failure == FailureCancelled {
			if err := process.Kill(proc.cmd.Process); err != nil {
				s.logger.Debug("kill failed", zap.Error(err))
			}
		} else {
			_ = proc.stdin.Close()
			if process.Terminate(proc.cmd.Process, s.exited, s.manager.cfg.Agent.KillGrace) {
				s.logger.Warn("agent ignored SIGTERM, killed")
			}
		}
	}

	select {
	case <-s.exited:
	case <-time.After(reapWindow):
		s.logger.Error("agent process not reaped after kill", zap.Int("pid", proc.cmd.Process.Pid))
	}
	_ = proc.stdin.Close()
	_ = proc.stdout.Close()
	return killed
}

// finish builds the result, deregisters the session and publishes it.
func (s *Session) finish(out settlement, proc *agentProcess, killed bool, span trace.Span) {
	status := out.failure.finalStatus()
	if out.failure == FailureNone {
		s.client.Complete()
	}

	now := time.Now()
	s.mu.Lock()
	s.status = status
	s.finishedAt = &now
	remoteID := s.remoteSessionID
	s.mu.Unlock()

	res := &Result{
		WorkerID:        s.ID,
		TaskID:          s.TaskID,
		Success:         out.failure == FailureNone,
		Status:          status,
		Output:          s.client.Output(),
		ToolCallCount:   s.client.ToolCallCount(),
		StopReason:      string(out.stopReason),
		Failure:         out.failure,
		Stderr:          s.stderr.Lines(),
		RemoteSessionID: remoteID,
		ProcessKilled:   killed,
		Duration:        now.Sub(s.StartedAt),
	}
	if out.err != nil {
		res.Error = out.err.Error()
	}
	if proc != nil && s.hasExited() {
		if st := process.ExitStatus(proc.cmd.ProcessState); st != nil {
			res.ExitCode = st.Code
			res.Signal = st.Signal
		}
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("tool_calls", res.ToolCallCount),
		zap.Duration("duration", res.Duration),
		zap.Bool("process_killed", killed),
	}
	if res.Success {
		s.logger.Info("worker completed", append(fields, zap.String("stop_reason", res.StopReason))...)
	} else {
		s.logger.Warn("worker failed", append(fields,
			zap.String("failure", string(res.Failure)),
			zap.String("error", res.Error))...)
	}
	tracing.TraceWorkerResult(span, string(status), string(res.Failure), res.ToolCallCount, out.err)

	s.result = res
	s.manager.remove(s)
	s.manager.publisher.PublishStatus(s.ID, status, s.client.Progress())
	s.manager.publisher.PublishResult(res)
	close(s.done)
}

func upperKeys(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[strings.ToUpper(k)] = v
	}
	return out
}
