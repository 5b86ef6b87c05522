package simulation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/simulation"
)

// countingRunner counts ticks and can block each one until released.
type countingRunner struct {
	ticks   atomic.Int64
	err     error
	block   chan struct{}
	started chan struct{}

	mu      sync.Mutex
	ctxErrs []error
}

func (r *countingRunner) RunTick(ctx context.Context) (simulation.TickResult, error) {
	r.ticks.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	r.mu.Unlock()
	return simulation.TickResult{}, r.err
}

func TestController_StartRunsImmediatelyThenOnInterval(t *testing.T) {
	r := &countingRunner{}
	c := simulation.NewController(r)
	defer c.Shutdown(context.Background())

	st := c.Start(20 * time.Millisecond)
	assert.True(t, st.IsRunning)
	assert.Equal(t, int64(20), st.IntervalMs)
	assert.True(t, c.IsRunning())

	require.Eventually(t, func() bool { return r.ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, c.Status().TickCount, int64(2))
}

func TestController_StartIsIdempotent(t *testing.T) {
	r := &countingRunner{}
	c := simulation.NewController(r)
	defer c.Shutdown(context.Background())

	c.Start(time.Hour)
	c.Start(time.Hour)
	c.Start(time.Millisecond)

	require.Eventually(t, func() bool { return r.ticks.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), r.ticks.Load(), "only one loop may run")
	assert.Equal(t, int64(time.Hour/time.Millisecond), c.Status().IntervalMs)
}

func TestController_ConcurrentStartsCreateOneLoop(t *testing.T) {
	r := &countingRunner{}
	c := simulation.NewController(r)
	defer c.Shutdown(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start(time.Hour)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return r.ticks.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), r.ticks.Load())
}

func TestController_StopHaltsFutureTicks(t *testing.T) {
	r := &countingRunner{}
	c := simulation.NewController(r)

	c.Start(10 * time.Millisecond)
	require.Eventually(t, func() bool { return r.ticks.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	st := c.Stop()
	assert.False(t, st.IsRunning)
	assert.False(t, c.IsRunning())
	require.NoError(t, c.Shutdown(context.Background()))

	after := r.ticks.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, r.ticks.Load(), "no tick may run after stop")
}

func TestController_StopIsIdempotent(t *testing.T) {
	c := simulation.NewController(&countingRunner{})

	assert.False(t, c.Stop().IsRunning)
	c.Start(time.Hour)
	assert.False(t, c.Stop().IsRunning)
	assert.False(t, c.Stop().IsRunning)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestController_StopLetsInFlightTickFinish(t *testing.T) {
	r := &countingRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c := simulation.NewController(r)

	c.Start(time.Hour)
	<-r.started
	c.Stop()
	close(r.block)

	require.NoError(t, c.Shutdown(context.Background()))
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.ctxErrs, 1)
	assert.NoError(t, r.ctxErrs[0], "in-flight tick must not see cancellation")
	assert.Equal(t, int64(1), c.Status().TickCount)
}

func TestController_ShutdownHonorsContext(t *testing.T) {
	r := &countingRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c := simulation.NewController(r)

	c.Start(time.Hour)
	<-r.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Shutdown(ctx), context.DeadlineExceeded)

	close(r.block)
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestController_ErrorsDoNotStopLoop(t *testing.T) {
	r := &countingRunner{err: errors.New("store unavailable")}
	c := simulation.NewController(r)
	defer c.Shutdown(context.Background())

	c.Start(10 * time.Millisecond)
	require.Eventually(t, func() bool { return r.ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	st := c.Status()
	assert.True(t, st.IsRunning)
	assert.Equal(t, "store unavailable", st.LastError)
	assert.NotNil(t, st.LastTickAt)
}

func TestController_RescheduleChangesInterval(t *testing.T) {
	r := &countingRunner{}
	c := simulation.NewController(r)
	defer c.Shutdown(context.Background())

	c.Start(time.Hour)
	require.Eventually(t, func() bool { return r.ticks.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.Reschedule(10 * time.Millisecond)
	assert.Equal(t, int64(10), c.Status().IntervalMs)
	require.Eventually(t, func() bool { return r.ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestController_StatusWhenStopped(t *testing.T) {
	c := simulation.NewController(&countingRunner{})
	st := c.Status()
	assert.False(t, st.IsRunning)
	assert.Zero(t, st.IntervalMs)
	assert.Nil(t, st.StartedAt)
	assert.Nil(t, st.LastTickAt)
	assert.False(t, st.Timestamp.IsZero())
}
