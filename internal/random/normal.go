// Package random produces standard-normal deviates for the price model.
package random

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Source yields uniformly distributed values in [0, 1).
type Source interface {
	Float64() float64
}

// Normal generates standard normal deviates with the Box–Muller transform.
// Each call to Next either consumes the cached spare of the previous pair
// or draws two new uniforms and caches the second deviate.
// It is safe for concurrent use.
type Normal struct {
	mu       sync.Mutex
	src      Source
	hasSpare bool
	spare    float64
}

// NewNormal creates a generator backed by src.
func NewNormal(src Source) *Normal {
	return &Normal{src: src}
}

// NewSeeded creates a generator backed by a PCG source. If seed is 0,
// uses current time.
func NewSeeded(seed int64) *Normal {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := uint64(seed)
	return NewNormal(rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15)))
}

// Next returns one standard normal deviate.
func (n *Normal) Next() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.hasSpare {
		n.hasSpare = false
		return n.spare
	}

	// ln(0) is -Inf; redraw.
	u1 := n.src.Float64()
	for u1 <= 0 {
		u1 = n.src.Float64()
	}
	u2 := n.src.Float64()

	mag := math.Sqrt(-2 * math.Log(u1))
	n.spare = mag * math.Cos(2*math.Pi*u2)
	n.hasSpare = true

	return mag * math.Sin(2*math.Pi*u2)
}

// Reset drops any cached spare deviate.
func (n *Normal) Reset() {
	n.mu.Lock()
	n.hasSpare = false
	n.spare = 0
	n.mu.Unlock()
}
