package simconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/atmx/sim-engine/internal/model"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("simconfig: invalid configuration")

// ValidationError identifies the offending field of a rejected update.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("simconfig: %s %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Patch is a partial configuration update. Nil pointers and absent map
// keys leave the current value untouched.
type Patch struct {
	RiskVolatility       map[model.RiskLevel]float64 `json:"riskVolatility,omitempty"`
	TypeVolatility       map[model.Category]float64  `json:"typeVolatility,omitempty"`
	MarketTrendFactor    *float64                    `json:"marketTrendFactor,omitempty"`
	RandomFactor         *float64                    `json:"randomFactor,omitempty"`
	MeanReversionFactor  *float64                    `json:"meanReversionFactor,omitempty"`
	MinPriceFloor        *float64                    `json:"minPriceFloor,omitempty"`
	SimulationIntervalMs *int64                      `json:"simulationIntervalMs,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.RiskVolatility) == 0 && len(p.TypeVolatility) == 0 &&
		p.MarketTrendFactor == nil && p.RandomFactor == nil &&
		p.MeanReversionFactor == nil && p.MinPriceFloor == nil &&
		p.SimulationIntervalMs == nil
}

// Keys returns the persisted override keys touched by the patch.
func (p Patch) Keys() []string {
	var keys []string
	if len(p.RiskVolatility) > 0 {
		keys = append(keys, KeyRiskVolatility)
	}
	if len(p.TypeVolatility) > 0 {
		keys = append(keys, KeyTypeVolatility)
	}
	if p.MarketTrendFactor != nil {
		keys = append(keys, KeyMarketTrendFactor)
	}
	if p.RandomFactor != nil {
		keys = append(keys, KeyRandomFactor)
	}
	if p.MeanReversionFactor != nil {
		keys = append(keys, KeyMeanReversionFactor)
	}
	if p.MinPriceFloor != nil {
		keys = append(keys, KeyMinPriceFloor)
	}
	if p.SimulationIntervalMs != nil {
		keys = append(keys, KeySimulationIntervalMs)
	}
	return keys
}

// Validate checks every field present in the patch against its allowed range.
// The first violation found is returned; fields are checked in a fixed order.
func (p Patch) Validate() error {
	for _, r := range model.RiskLevels() {
		if v, ok := p.RiskVolatility[r]; ok {
			if err := checkRange(KeyRiskVolatility+"."+string(r), v, 0, 1); err != nil {
				return err
			}
		}
	}
	for r := range p.RiskVolatility {
		if !r.Valid() {
			return invalid(KeyRiskVolatility+"."+string(r), "is not a known risk level")
		}
	}
	for _, c := range model.Categories() {
		if v, ok := p.TypeVolatility[c]; ok {
			if err := checkRange(KeyTypeVolatility+"."+string(c), v, 0, 5); err != nil {
				return err
			}
		}
	}
	for c := range p.TypeVolatility {
		if !c.Valid() {
			return invalid(KeyTypeVolatility+"."+string(c), "is not a known category")
		}
	}

	scalars := []struct {
		field string
		v     *float64
	}{
		{KeyMarketTrendFactor, p.MarketTrendFactor},
		{KeyRandomFactor, p.RandomFactor},
		{KeyMeanReversionFactor, p.MeanReversionFactor},
		{KeyMinPriceFloor, p.MinPriceFloor},
	}
	for _, s := range scalars {
		if s.v == nil {
			continue
		}
		if err := checkRange(s.field, *s.v, 0, 1); err != nil {
			return err
		}
	}

	if p.SimulationIntervalMs != nil && !ValidInterval(*p.SimulationIntervalMs) {
		return invalid(KeySimulationIntervalMs, "must be between %d and %d, got %d",
			MinIntervalMs, MaxIntervalMs, *p.SimulationIntervalMs)
	}
	return nil
}

func checkRange(field string, v, lo, hi float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return invalid(field, "must be a finite number")
	}
	if v < lo || v > hi {
		return invalid(field, "must be between %g and %g, got %g", lo, hi, v)
	}
	return nil
}

// ParsePatch decodes a JSON object into a Patch field by field, so a value
// of the wrong type is reported against the field that carried it. Unknown
// fields and unknown enum keys are rejected.
func ParsePatch(data []byte) (Patch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Patch{}, invalid("body", "must be a JSON object")
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var p Patch
	for _, key := range keys {
		if err := parseField(&p, key, raw[key]); err != nil {
			return Patch{}, err
		}
	}
	return p, nil
}

func parseField(p *Patch, key string, val json.RawMessage) error {
	switch key {
	case KeyRiskVolatility:
		m, err := parseNumberMap(key, val)
		if err != nil {
			return err
		}
		p.RiskVolatility = make(map[model.RiskLevel]float64, len(m))
		for k, v := range m {
			r, err := model.ParseRiskLevel(k)
			if err != nil {
				return invalid(key+"."+k, "is not a known risk level")
			}
			p.RiskVolatility[r] = v
		}
	case KeyTypeVolatility:
		m, err := parseNumberMap(key, val)
		if err != nil {
			return err
		}
		p.TypeVolatility = make(map[model.Category]float64, len(m))
		for k, v := range m {
			c, err := model.ParseCategory(k)
			if err != nil {
				return invalid(key+"."+k, "is not a known category")
			}
			p.TypeVolatility[c] = v
		}
	case KeyMarketTrendFactor:
		return parseNumberInto(key, val, &p.MarketTrendFactor)
	case KeyRandomFactor:
		return parseNumberInto(key, val, &p.RandomFactor)
	case KeyMeanReversionFactor:
		return parseNumberInto(key, val, &p.MeanReversionFactor)
	case KeyMinPriceFloor:
		return parseNumberInto(key, val, &p.MinPriceFloor)
	case KeySimulationIntervalMs:
		f, err := parseNumber(key, val)
		if err != nil {
			return err
		}
		if f != math.Trunc(f) {
			return invalid(key, "must be a whole number of milliseconds")
		}
		ms := int64(f)
		p.SimulationIntervalMs = &ms
	default:
		return invalid(key, "is not a configurable field")
	}
	return nil
}

func parseNumber(field string, val json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(val)
	if len(trimmed) == 0 || trimmed[0] == '"' || bytes.Equal(trimmed, []byte("null")) {
		return 0, invalid(field, "must be numeric")
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return 0, invalid(field, "must be numeric")
	}
	return f, nil
}

func parseNumberInto(field string, val json.RawMessage, dst **float64) error {
	f, err := parseNumber(field, val)
	if err != nil {
		return err
	}
	*dst = &f
	return nil
}

func parseNumberMap(field string, val json.RawMessage) (map[string]float64, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(val, &raw); err != nil || raw == nil {
		return nil, invalid(field, "must be an object of numbers")
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := parseNumber(field+"."+k, v)
		if err != nil {
			return nil, err
		}
		out[k] = f
	}
	return out, nil
}
