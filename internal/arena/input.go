package arena

import (
	"math/rand/v2"
	"sync"
)

// InputGenerator produces battle test arrays.
type InputGenerator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	length int
	bound  int
}

// NewInputGenerator returns a generator of length values in [0, bound).
// A zero seed picks a random one.
func NewInputGenerator(length, bound int, seed uint64) *InputGenerator {
	if seed == 0 {
		seed = rand.Uint64()
	}
	if bound <= 0 {
		bound = 1000
	}
	return &InputGenerator{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		length: length,
		bound:  bound,
	}
}

// Generate returns a fresh array.
func (g *InputGenerator) Generate() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, g.length)
	for i := range out {
		out[i] = g.rng.IntN(g.bound)
	}
	return out
}
