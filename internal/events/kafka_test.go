package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/simulation"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func sampleResult() simulation.TickResult {
	return simulation.TickResult{
		UpdatedCount: 2,
		StartedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Products: []simulation.ProductDelta{
			{ID: "p1", Name: "Bond", OldPrice: decimal.NewFromInt(100), NewPrice: decimal.NewFromFloat(100.5)},
			{ID: "p2", Name: "Equity", OldPrice: decimal.NewFromInt(50), NewPrice: decimal.NewFromInt(49)},
		},
	}
}

func TestBuildMessages(t *testing.T) {
	msgs, err := buildMessages(sampleResult(), nil)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, "p1", string(msgs[0].Key))
	assert.Equal(t, TypePriceUpdated, string(msgs[0].Headers[0].Value))

	var ev PriceUpdated
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.True(t, ev.NewPrice.Equal(decimal.NewFromFloat(100.5)))

	last := msgs[2]
	assert.Equal(t, "tick", string(last.Key))
	var tick TickEvent
	require.NoError(t, json.Unmarshal(last.Value, &tick))
	assert.Equal(t, 2, tick.UpdatedCount)
	assert.Empty(t, tick.Error)
}

func TestNewTickEvent_CarriesError(t *testing.T) {
	ev := NewTickEvent(simulation.TickResult{}, errors.New("list active products: timeout"))
	assert.Equal(t, "list active products: timeout", ev.Error)
	assert.NotNil(t, ev.Products)
}

func TestKafkaPublisher_RunWritesQueuedTicks(t *testing.T) {
	w := &recordingWriter{}
	p := NewPublisherWithWriter(w, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	p.TickCompleted(ctx, sampleResult(), nil)
	require.Eventually(t, func() bool { return w.count() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_DropsWhenQueueFull(t *testing.T) {
	w := &recordingWriter{}
	p := NewPublisherWithWriter(w, 1)

	p.TickCompleted(context.Background(), sampleResult(), nil)
	p.TickCompleted(context.Background(), sampleResult(), nil) // dropped, never blocks

	assert.Len(t, p.queue, 1)
}
