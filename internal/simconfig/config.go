// Package simconfig resolves the tunable parameters of the market simulation:
// compiled-in defaults merged with overrides persisted in the config store.
package simconfig

import (
	"maps"
	"time"

	"github.com/atmx/sim-engine/internal/model"
)

// Interval bounds, in milliseconds.
const (
	MinIntervalMs int64 = 1000
	MaxIntervalMs int64 = 300000
)

// Persisted override keys, one per top-level field.
const (
	KeyRiskVolatility       = "riskVolatility"
	KeyTypeVolatility       = "typeVolatility"
	KeyMarketTrendFactor    = "marketTrendFactor"
	KeyRandomFactor         = "randomFactor"
	KeyMeanReversionFactor  = "meanReversionFactor"
	KeyMinPriceFloor        = "minPriceFloor"
	KeySimulationIntervalMs = "simulationIntervalMs"
)

// Config holds the effective simulation parameters.
type Config struct {
	RiskVolatility       map[model.RiskLevel]float64 `json:"riskVolatility"`
	TypeVolatility       map[model.Category]float64  `json:"typeVolatility"`
	MarketTrendFactor    float64                     `json:"marketTrendFactor"`
	RandomFactor         float64                     `json:"randomFactor"`
	MeanReversionFactor  float64                     `json:"meanReversionFactor"`
	MinPriceFloor        float64                     `json:"minPriceFloor"`
	SimulationIntervalMs int64                       `json:"simulationIntervalMs"`
}

// Default returns the compiled-in defaults. Each call returns fresh maps.
func Default() Config {
	return Config{
		RiskVolatility: map[model.RiskLevel]float64{
			model.RiskConservative: 0.001,
			model.RiskModerate:     0.003,
			model.RiskAggressive:   0.006,
		},
		TypeVolatility: map[model.Category]float64{
			model.CategoryMoneyMarket: 0.2,
			model.CategoryBond:        0.5,
			model.CategoryMixed:       1.0,
			model.CategoryEquity:      1.5,
		},
		MarketTrendFactor:    0.7,
		RandomFactor:         0.5,
		MeanReversionFactor:  0.1,
		MinPriceFloor:        0.05,
		SimulationIntervalMs: 10000,
	}
}

// Interval returns the tick interval as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.SimulationIntervalMs) * time.Millisecond
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	out.RiskVolatility = maps.Clone(c.RiskVolatility)
	out.TypeVolatility = maps.Clone(c.TypeVolatility)
	return out
}

// Apply returns a copy of c with every field present in p overlaid.
// Map fields merge key-wise.
func (c Config) Apply(p Patch) Config {
	out := c.Clone()
	if out.RiskVolatility == nil {
		out.RiskVolatility = make(map[model.RiskLevel]float64)
	}
	if out.TypeVolatility == nil {
		out.TypeVolatility = make(map[model.Category]float64)
	}
	for k, v := range p.RiskVolatility {
		out.RiskVolatility[k] = v
	}
	for k, v := range p.TypeVolatility {
		out.TypeVolatility[k] = v
	}
	if p.MarketTrendFactor != nil {
		out.MarketTrendFactor = *p.MarketTrendFactor
	}
	if p.RandomFactor != nil {
		out.RandomFactor = *p.RandomFactor
	}
	if p.MeanReversionFactor != nil {
		out.MeanReversionFactor = *p.MeanReversionFactor
	}
	if p.MinPriceFloor != nil {
		out.MinPriceFloor = *p.MinPriceFloor
	}
	if p.SimulationIntervalMs != nil {
		out.SimulationIntervalMs = *p.SimulationIntervalMs
	}
	return out
}

// ValidInterval reports whether ms lies within the allowed tick interval range.
func ValidInterval(ms int64) bool {
	return ms >= MinIntervalMs && ms <= MaxIntervalMs
}
