package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer gets a non-positive interval.
const DefaultInterval = 5 * time.Minute

// Timer runs a reconciliation pass at startup and then on every tick.
// Scheduled and on-demand passes never overlap.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	pass    sync.Mutex // held for the duration of a pass
	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// NewTimer creates a reconciliation timer.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last pass finished and its error, if any.
// The zero time means no pass has completed.
func (t *Timer) LastRun() (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun, t.lastErr
}

// Start runs the reconciliation loop until ctx is done or Stop is called.
// Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	// Heal anything left behind by a previous process first.
	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// RunOnce runs a pass immediately, outside the schedule. It waits for a
// scheduled pass in progress to finish first.
func (t *Timer) RunOnce(ctx context.Context) (*Report, error) {
	return t.run(ctx)
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) run(ctx context.Context) (*Report, error) {
	t.pass.Lock()
	defer t.pass.Unlock()

	report, err := t.runner.RunAll(ctx)

	t.mu.Lock()
	t.lastRun = time.Now()
	t.lastErr = err
	t.mu.Unlock()
	return report, err
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.run(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
