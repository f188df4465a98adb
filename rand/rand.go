// Package rand provides the per-chain random stream. Each Generator runs a
// Mersenne twister in its own goroutine and hands out pre-generated values,
// so two chains never share generator state.
package rand

import (
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"github.com/seehuhn/mt19937"
)

const prefetch = 1024

// A Generator uses a goroutine to populate batches of random numbers. It
// satisfies math/rand/v2's Source, so it can drive gonum's distributions.
// Close it when done or the goroutine leaks.
type Generator struct {
	ch    chan uint64
	done  chan struct{}
	once  sync.Once
	rng   *rand.Rand
	seeds []uint64
}

// NewGenerator starts a new background PRNG based on the given seed
func NewGenerator(seed int64) (*Generator, error) {
	r := mt19937.New()
	r.Seed(seed)
	return start(r, []uint64{uint64(seed)}), nil
}

// NewGeneratorSlice seeds from a key slice, matching the reference
// init_by_array64 seeding of MT19937-64.
func NewGeneratorSlice(key []uint64) (*Generator, error) {
	if len(key) < 1 {
		return nil, errors.New("Generator seed slice must not be empty")
	}
	r := mt19937.New()
	r.SeedFromSlice(key)
	return start(r, key), nil
}

func start(r *mt19937.MT19937, seeds []uint64) *Generator {
	g := &Generator{
		ch:    make(chan uint64, prefetch),
		done:  make(chan struct{}),
		seeds: append([]uint64(nil), seeds...),
	}
	g.rng = rand.New(g)

	go func() {
		defer close(g.ch)
		for {
			select {
			case g.ch <- r.Uint64():
			case <-g.done:
				return
			}
		}
	}()

	return g
}

// Close stops the background goroutine. Draws after Close return zero.
func (g *Generator) Close() {
	g.once.Do(func() { close(g.done) })
}

// Seeds returns the key the generator was started from
func (g *Generator) Seeds() []uint64 {
	return g.seeds
}

// Uint64 implements rand.Source
func (g *Generator) Uint64() uint64 {
	return <-g.ch
}

// Int63 provides the same interface as Go's math/rand, but with pre-generation.
func (g *Generator) Int63() int64 {
	return int64(g.Uint64() & 0x7fffffffffffffff)
}

// Int63n is a copy of the Go code
func (g *Generator) Int63n(n int64) int64 {
	if n <= 0 {
		panic("invalid argument to Int63n")
	}

	if n&(n-1) == 0 { // n is power of two, can mask
		return g.Int63() & (n - 1)
	}

	max := int64((1 << 63) - 1 - (1<<63)%uint64(n))
	v := g.Int63()
	for v > max {
		v = g.Int63()
	}

	return v % n
}

// Float64 is uniform on [0, 1)
func (g *Generator) Float64() float64 {
	return float64(g.Int63n(1<<53)) / (1 << 53)
}

// Uniform is uniform on [lo, hi)
func (g *Generator) Uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*g.Float64()
}

// NormFloat64 is a standard normal variate
func (g *Generator) NormFloat64() float64 {
	return g.rng.NormFloat64()
}
