// Package pricing implements the per-tick price model of the market simulation:
// an annualized trend, a volatility-scaled random shock, and mean reversion
// for conservative products, bounded below by a per-tick floor.
//
// The model works in float64 internally; callers convert the result to
// decimal before it is persisted. Product state and configuration are passed
// as arguments; the only state a Model holds is its deviate source.
package pricing

import (
	"math"

	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/simconfig"
)

const (
	// DefaultRiskVolatility applies when the config has no entry for a risk level.
	DefaultRiskVolatility = 0.001

	// DefaultTypeMultiplier applies when the config has no entry for a category.
	DefaultTypeMultiplier = 1.0

	// AbsoluteFloorFraction bounds a move when the configured floor is 0,
	// so a price can never reach zero.
	AbsoluteFloorFraction = 1e-6

	// RandomScale widens the standard normal shock.
	RandomScale = 2.0

	msPerYear = 365 * 24 * 3600 * 1000
)

// Deviate yields standard normal deviates.
type Deviate interface {
	Next() float64
}

// Move is the breakdown of one price step.
type Move struct {
	Current       float64 `json:"current"`
	Trend         float64 `json:"trend"`
	Random        float64 `json:"random"`
	MeanReversion float64 `json:"mean_reversion"`
	Raw           float64 `json:"raw"`   // current + trend + random + mean reversion
	Floor         float64 `json:"floor"` // current * minPriceFloor
	Next          float64 `json:"next"`
	Floored       bool    `json:"floored"`
}

// Model computes the next price of a product for one tick.
type Model struct {
	gen Deviate
}

// NewModel creates a price model drawing its shocks from gen.
func NewModel(gen Deviate) *Model {
	return &Model{gen: gen}
}

// NextPrice returns the product's price after one tick.
func (m *Model) NextPrice(p model.Product, cfg simconfig.Config) float64 {
	return m.Step(p, cfg).Next
}

// IntervalsPerYear returns how many ticks of the configured interval fit in
// a 365-day year. Non-positive intervals fall back to the default interval.
func IntervalsPerYear(cfg simconfig.Config) float64 {
	ms := cfg.SimulationIntervalMs
	if ms <= 0 {
		ms = simconfig.Default().SimulationIntervalMs
	}
	return msPerYear / float64(ms)
}

// Step computes one tick for p and returns every component of the move.
// A product without a positive price is returned unchanged.
func (m *Model) Step(p model.Product, cfg simconfig.Config) Move {
	current := p.CurrentPrice.InexactFloat64()
	if !(current > 0) || math.IsInf(current, 0) {
		return Move{Current: current, Raw: current, Next: current}
	}

	expectedReturn := p.ExpectedReturn / 100

	baseVolatility, ok := cfg.RiskVolatility[p.RiskLevel]
	if !ok {
		baseVolatility = DefaultRiskVolatility
	}
	typeMultiplier, ok := cfg.TypeVolatility[p.Category]
	if !ok {
		typeMultiplier = DefaultTypeMultiplier
	}
	adjustedVolatility := baseVolatility * typeMultiplier

	trendPerInterval := expectedReturn / IntervalsPerYear(cfg)
	randomFactor := m.gen.Next() * RandomScale

	mv := Move{Current: current}
	mv.Trend = current * trendPerInterval * cfg.MarketTrendFactor
	mv.Random = current * adjustedVolatility * randomFactor * cfg.RandomFactor

	if p.RiskLevel == model.RiskConservative {
		expectedPrice := current * (1 + expectedReturn/100)
		deviation := (current - expectedPrice) / expectedPrice
		mv.MeanReversion = -current * deviation * cfg.MeanReversionFactor
	}

	mv.Raw = current + mv.Trend + mv.Random + mv.MeanReversion
	mv.Floor = current * cfg.MinPriceFloor
	mv.Next = mv.Raw
	if math.IsNaN(mv.Next) || mv.Next < mv.Floor {
		mv.Next = mv.Floor
		mv.Floored = true
	}
	if !(mv.Next > 0) {
		mv.Next = current * AbsoluteFloorFraction
		mv.Floored = true
	}
	return mv
}
