// Package events defines the messages emitted after each simulation tick and
// publishes them to Kafka.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/simulation"
)

// Event type names, used as the Kafka "event" header and the WebSocket "type" field.
const (
	TypeTick         = "simulation.tick"
	TypePriceUpdated = "product.price_updated"
)

// TickEvent summarizes one tick.
type TickEvent struct {
	Type         string                    `json:"type"`
	UpdatedCount int                       `json:"updatedCount"`
	FailedCount  int                       `json:"failedCount"`
	Products     []simulation.ProductDelta `json:"products"`
	DurationMs   int64                     `json:"durationMs"`
	Error        string                    `json:"error,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// PriceUpdated reports one product's new price.
type PriceUpdated struct {
	Type          string          `json:"type"`
	ProductID     string          `json:"productId"`
	Name          string          `json:"name"`
	OldPrice      decimal.Decimal `json:"oldPrice"`
	NewPrice      decimal.Decimal `json:"newPrice"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewTickEvent builds the summary event for a tick result.
func NewTickEvent(res simulation.TickResult, err error) TickEvent {
	ev := TickEvent{
		Type:         TypeTick,
		UpdatedCount: res.UpdatedCount,
		FailedCount:  res.Failed,
		Products:     res.Products,
		DurationMs:   res.Duration.Milliseconds(),
		Timestamp:    res.StartedAt,
	}
	if ev.Products == nil {
		ev.Products = []simulation.ProductDelta{}
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// NewPriceUpdates builds one event per moved product.
func NewPriceUpdates(res simulation.TickResult) []PriceUpdated {
	out := make([]PriceUpdated, 0, len(res.Products))
	for _, p := range res.Products {
		out = append(out, PriceUpdated{
			Type:          TypePriceUpdated,
			ProductID:     p.ID,
			Name:          p.Name,
			OldPrice:      p.OldPrice,
			NewPrice:      p.NewPrice,
			Change:        p.Change,
			ChangePercent: p.ChangePercent,
			Timestamp:     res.StartedAt,
		})
	}
	return out
}
