package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/sim-engine/internal/simconfig"
)

// TickRunner runs one simulation tick.
type TickRunner interface {
	RunTick(ctx context.Context) (TickResult, error)
}

// Status is a snapshot of the controller state.
type Status struct {
	IsRunning  bool       `json:"isRunning"`
	IntervalMs int64      `json:"intervalMs,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	LastTickAt *time.Time `json:"lastTickAt,omitempty"`
	TickCount  int64      `json:"tickCount"`
	LastError  string     `json:"lastError,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Controller owns the background tick loop. At most one loop runs at a time;
// a single mutex guards the running flag, the cancel handle and the counters.
type Controller struct {
	runner TickRunner

	mu         sync.Mutex
	running    bool
	interval   time.Duration
	cancel     context.CancelFunc
	reset      chan time.Duration
	done       chan struct{}
	startedAt  time.Time
	lastTickAt time.Time
	tickCount  int64
	lastErr    string
}

// NewController creates a stopped controller.
func NewController(runner TickRunner) *Controller {
	return &Controller{runner: runner}
}

// Start begins ticking every interval, with the first tick run immediately.
// It is a no-op when the loop is already running. A non-positive interval
// uses the default simulation interval.
func (c *Controller) Start(interval time.Duration) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return c.statusLocked()
	}
	if interval <= 0 {
		interval = simconfig.Default().Interval()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.interval = interval
	c.cancel = cancel
	c.reset = make(chan time.Duration, 1)
	c.done = make(chan struct{})
	c.startedAt = time.Now().UTC()

	go c.loop(ctx, interval, c.reset, c.done)

	slog.Info("simulation started", "interval_ms", interval.Milliseconds())
	return c.statusLocked()
}

// Stop prevents further scheduled ticks. A tick already in progress runs to
// completion. It is a no-op when the loop is not running.
func (c *Controller) Stop() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return c.statusLocked()
	}
	c.cancel()
	c.cancel = nil
	c.running = false

	slog.Info("simulation stopped", "ticks", c.tickCount)
	return c.statusLocked()
}

// IsRunning reports whether the loop is scheduled.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// Reschedule changes the tick interval of a running loop without restarting
// it. When stopped, the interval is only recorded.
func (c *Controller) Reschedule(interval time.Duration) {
	if interval <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interval == interval {
		return
	}
	c.interval = interval
	if !c.running {
		return
	}
	select {
	case <-c.reset:
	default:
	}
	c.reset <- interval
	slog.Info("simulation rescheduled", "interval_ms", interval.Milliseconds())
}

// Shutdown stops the loop and waits for it to exit, including any tick in
// progress, or for ctx to be done.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.cancel()
		c.cancel = nil
		c.running = false
	}
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) loop(ctx context.Context, interval time.Duration, reset <-chan time.Duration, done chan<- struct{}) {
	defer close(done)

	c.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-reset:
			ticker.Reset(d)
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick runs one tick on a context detached from the loop's cancellation,
// so Stop never interrupts a tick midway.
func (c *Controller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	err := c.runSafely(context.WithoutCancel(ctx))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickCount++
	c.lastTickAt = time.Now().UTC()
	if err != nil {
		c.lastErr = err.Error()
		return
	}
	c.lastErr = ""
}

func (c *Controller) runSafely(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("simulation tick panicked", "panic", r)
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	_, err = c.runner.RunTick(ctx)
	return err
}

// statusLocked must be called with c.mu held.
func (c *Controller) statusLocked() Status {
	s := Status{
		IsRunning: c.running,
		TickCount: c.tickCount,
		LastError: c.lastErr,
		Timestamp: time.Now().UTC(),
	}
	if c.running {
		s.IntervalMs = c.interval.Milliseconds()
		started := c.startedAt
		s.StartedAt = &started
	}
	if !c.lastTickAt.IsZero() {
		last := c.lastTickAt
		s.LastTickAt = &last
	}
	return s
}
