package simulation

import "context"

// TickObserver is notified after every tick, successful or not. Observers run
// while the tick lock is held and must not block.
type TickObserver interface {
	TickCompleted(ctx context.Context, res TickResult, err error)
}

// ObserverFunc adapts a function to TickObserver.
type ObserverFunc func(ctx context.Context, res TickResult, err error)

// TickCompleted calls f.
func (f ObserverFunc) TickCompleted(ctx context.Context, res TickResult, err error) {
	f(ctx, res, err)
}
