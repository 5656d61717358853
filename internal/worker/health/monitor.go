// Package health watches a worker's last-activity time and reports stalls.
package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/kandev/acprunner/internal/common/logger"
	"go.uber.org/zap"
)

// Config holds the monitor thresholds.
type Config struct {
	Interval   time.Duration
	WarnAfter  time.Duration
	StallAfter time.Duration
}

// DefaultConfig returns the standard thresholds: check every 30s, warn after
// 60s idle, stall after 180s idle.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		WarnAfter:  60 * time.Second,
		StallAfter: 180 * time.Second,
	}
}

// Stall describes a detected stall. It doubles as the error reported for it.
type Stall struct {
	Idle         time.Duration
	LastActivity time.Time
}

func (s Stall) Error() string {
	return fmt.Sprintf("worker stalled: no activity for %s (last activity %s)",
		s.Idle.Round(time.Second), s.LastActivity.UTC().Format(time.RFC3339))
}

// Monitor polls an activity source on a fixed interval. Once idle time
// passes StallAfter it calls onStall exactly once and stops.
type Monitor struct {
	cfg      Config
	logger   *logger.Logger
	activity func() time.Time
	onStall  func(Stall)
	now      func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg Config, activity func() time.Time, onStall func(Stall), log *logger.Logger, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = def.StallAfter
	}
	if log == nil {
		log = logger.NewNop()
	}
	m := &Monitor{
		cfg:      cfg,
		logger:   log,
		activity: activity,
		onStall:  onStall,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the polling loop. Calling it more than once has no effect.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.loop()
	})
}

// Stop disarms the monitor. It is safe to call repeatedly, before Start, and
// from within the stall callback.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	// A monitor that never started has no loop to close done.
	m.startOnce.Do(func() {
		close(m.done)
	})
}

// Done is closed once the polling loop has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if stall, ok := m.Check(); ok {
				// Stop may have raced the tick; a stopped monitor never reports.
				select {
				case <-m.stopCh:
					return
				default:
				}
				m.onStall(stall)
				return
			}
		}
	}
}

// Check evaluates idle time once. It logs a warning above WarnAfter and
// reports a stall above StallAfter.
func (m *Monitor) Check() (Stall, bool) {
	last := m.activity()
	idle := m.now().Sub(last)

	switch {
	case idle > m.cfg.StallAfter:
		m.logger.Error("worker stalled",
			zap.Duration("idle", idle),
			zap.Time("last_activity", last))
		return Stall{Idle: idle, LastActivity: last}, true
	case m.cfg.WarnAfter > 0 && idle > m.cfg.WarnAfter:
		m.logger.Warn("worker idle",
			zap.Duration("idle", idle),
			zap.Time("last_activity", last),
			zap.Duration("stall_after", m.cfg.StallAfter))
	}
	return Stall{}, false
}
