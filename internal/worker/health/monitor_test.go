package health

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/acprunner/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestCheck_Thresholds(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	last := clock.Now()
	m := NewMonitor(DefaultConfig(), func() time.Time { return last }, func(Stall) {}, newTestLogger(t), WithClock(clock.Now))

	tests := []struct {
		advance time.Duration
		stalled bool
	}{
		{10 * time.Second, false},
		{60 * time.Second, false}, // 70s idle: warning only
		{111 * time.Second, true}, // 181s idle
	}
	for _, tt := range tests {
		clock.Advance(tt.advance)
		stall, ok := m.Check()
		assert.Equal(t, tt.stalled, ok)
		if ok {
			assert.Equal(t, 181*time.Second, stall.Idle)
			assert.Equal(t, last, stall.LastActivity)
			assert.Contains(t, stall.Error(), "no activity for 3m1s")
		}
	}
}

func TestMonitor_FiresOnceAndStops(t *testing.T) {
	var calls atomic.Int32
	fired := make(chan Stall, 4)
	last := time.Now().Add(-time.Hour)

	m := NewMonitor(Config{Interval: 10 * time.Millisecond, StallAfter: time.Minute},
		func() time.Time { return last },
		func(s Stall) {
			calls.Add(1)
			fired <- s
		},
		newTestLogger(t))
	m.Start()

	select {
	case s := <-fired:
		assert.GreaterOrEqual(t, s.Idle, time.Hour)
	case <-time.After(5 * time.Second):
		t.Fatal("stall not reported")
	}
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit after stall")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	m.Stop()
}

func TestMonitor_ActivityPreventsStall(t *testing.T) {
	var stalled atomic.Bool
	m := NewMonitor(Config{Interval: 5 * time.Millisecond, StallAfter: time.Second},
		time.Now,
		func(Stall) { stalled.Store(true) },
		newTestLogger(t))
	m.Start()
	time.Sleep(100 * time.Millisecond)
	m.Stop()
	<-m.Done()
	assert.False(t, stalled.Load())
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	m := NewMonitor(Config{Interval: time.Millisecond}, time.Now, func(Stall) {}, nil)
	m.Stop()
	m.Stop()
	m.Start()
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("stopped monitor not done")
	}

	started := NewMonitor(Config{Interval: time.Millisecond}, time.Now, func(Stall) {}, nil)
	started.Start()
	started.Stop()
	started.Stop()
	select {
	case <-started.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor loop did not exit")
	}
}
