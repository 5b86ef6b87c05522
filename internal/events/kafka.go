package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/sim-engine/internal/simulation"
)

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes tick summaries and per-product price updates.
// TickCompleted only enqueues; Run performs the writes so a slow broker
// never holds up a tick.
type KafkaPublisher struct {
	writer MessageWriter
	queue  chan []kafka.Message
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
// Price updates are keyed by product ID so each product's moves stay ordered
// within one partition.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		MaxAttempts:            3,
	}
	slog.Info("kafka publisher created", "brokers", brokers, "topic", topic)
	return NewPublisherWithWriter(w, 64)
}

// NewPublisherWithWriter creates a publisher over an existing writer with a
// queue of buffer ticks.
func NewPublisherWithWriter(w MessageWriter, buffer int) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		queue:  make(chan []kafka.Message, buffer),
	}
}

// TickCompleted implements simulation.TickObserver.
func (p *KafkaPublisher) TickCompleted(_ context.Context, res simulation.TickResult, err error) {
	msgs, encErr := buildMessages(res, err)
	if encErr != nil {
		slog.Error("encode tick events", "err", encErr)
		return
	}
	select {
	case p.queue <- msgs:
	default:
		// Drop if the queue is full rather than block the tick.
		slog.Warn("kafka queue full, dropping tick events", "messages", len(msgs))
	}
}

// Run writes queued messages until ctx is done.
func (p *KafkaPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msgs := <-p.queue:
			if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
				slog.Error("kafka publish failed", "messages", len(msgs), "err", err)
			}
		}
	}
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func buildMessages(res simulation.TickResult, err error) ([]kafka.Message, error) {
	summary, encErr := json.Marshal(NewTickEvent(res, err))
	if encErr != nil {
		return nil, encErr
	}

	msgs := make([]kafka.Message, 0, len(res.Products)+1)
	for _, ev := range NewPriceUpdates(res) {
		data, encErr := json.Marshal(ev)
		if encErr != nil {
			return nil, encErr
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(ev.ProductID),
			Value:   data,
			Headers: []kafka.Header{{Key: "event", Value: []byte(TypePriceUpdated)}},
			Time:    res.StartedAt,
		})
	}
	msgs = append(msgs, kafka.Message{
		Key:     []byte("tick"),
		Value:   summary,
		Headers: []kafka.Header{{Key: "event", Value: []byte(TypeTick)}},
		Time:    res.StartedAt,
	})
	return msgs, nil
}
