package sampler

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CraigKelly/nutsample/density"
	"github.com/CraigKelly/nutsample/rand"
)

func testGen(t testing.TB, seed int64) *rand.Generator {
	gen, err := rand.NewGenerator(seed)
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	t.Cleanup(gen.Close)
	return gen
}

// isoNormal is a standard normal over R^n
func isoNormal(n int) density.Posterior {
	names := make([]string, n)
	for i := range names {
		names[i] = "x" + string(rune('a'+i))
	}
	return density.Plain(names, func(q, grad []float64) float64 {
		lp := 0.0
		for i, v := range q {
			lp -= 0.5 * v * v
			grad[i] = -v
		}
		return lp
	})
}

func testNUTS(t testing.TB, post density.Posterior, kind MetricKind, seed int64) *nuts {
	cfg := DefaultConfig()
	return newNUTS(post.NewEvaluator(), newMetric(kind, post.Dim()), testGen(t, seed), &cfg)
}

func TestLeapfrogConservesEnergy(t *testing.T) {
	assert := assert.New(t)

	s := testNUTS(t, isoNormal(3), DiagMetric, 1)
	s.setPosition([]float64{1, -0.5, 0.3})
	s.metric.sampleMomentum(s.gen, s.z.p)
	h0 := s.hamiltonian(s.z)
	start := newPoint(3)
	start.copyFrom(s.z)

	for i := 0; i < 100; i++ {
		s.leapfrog(s.z, 0.01)
	}
	assert.InDelta(h0, s.hamiltonian(s.z), 1e-4)

	// reversible: flip time and come back
	for i := 0; i < 100; i++ {
		s.leapfrog(s.z, -0.01)
	}
	assert.InDeltaSlice(start.q, s.z.q, 1e-10)
	assert.InDeltaSlice(start.p, s.z.p, 1e-10)
}

func TestInitStepSize(t *testing.T) {
	assert := assert.New(t)

	s := testNUTS(t, isoNormal(2), DiagMetric, 2)
	s.setPosition([]float64{0.2, 0.1})
	s.eps = 1e-4
	assert.NoError(s.initStepSize())
	assert.Greater(s.eps, 1e-4)
	assert.InDeltaSlice([]float64{0.2, 0.1}, s.z.q, 1e-12)

	s.eps = 50
	assert.NoError(s.initStepSize())
	assert.Less(s.eps, 50.0)

	// a flat target never rejects, so the step size runs away
	flat := density.Plain([]string{"x"}, func(q, grad []float64) float64 {
		grad[0] = 0
		return 0
	})
	s = testNUTS(t, flat, DiagMetric, 3)
	s.setPosition([]float64{0})
	assert.Error(s.initStepSize())
}

func TestTransitionStats(t *testing.T) {
	assert := assert.New(t)

	s := testNUTS(t, isoNormal(4), DiagMetric, 4)
	s.setPosition([]float64{0.5, 0.5, -0.5, 0})
	s.eps = 0.5

	const n = 2000
	var acc, sum, sumSq float64
	for i := 0; i < n; i++ {
		tr := s.transition()
		assert.False(tr.divergent)
		assert.True(tr.treeDepth >= 1 && tr.treeDepth <= 10)
		assert.True(tr.leapfrogs >= 1 && tr.leapfrogs < 1<<uint(tr.treeDepth+1))
		acc += tr.accept
		sum += s.z.q[0]
		sumSq += s.z.q[0] * s.z.q[0]
	}
	assert.Greater(acc/n, 0.8)
	assert.InDelta(0, sum/n, 0.1)
	assert.InDelta(1, sumSq/n, 0.15)
}

func TestDivergenceMarked(t *testing.T) {
	assert := assert.New(t)

	s := testNUTS(t, isoNormal(2), DiagMetric, 5)
	s.setPosition([]float64{1, 1})
	s.eps = 10 // wildly unstable on a unit normal

	divergent := 0
	for i := 0; i < 20; i++ {
		if s.transition().divergent {
			divergent++
		}
		assert.False(math.IsNaN(s.z.lp))
	}
	assert.Greater(divergent, 10)
}

func TestUTurnCriterion(t *testing.T) {
	assert := assert.New(t)

	assert.True(uTurnFree([]float64{1, 0}, []float64{1, 0}, []float64{2, 0}))
	assert.False(uTurnFree([]float64{1, 0}, []float64{-1, 0}, []float64{2, 0}))
	assert.False(uTurnFree([]float64{-1, 0}, []float64{1, 0}, []float64{2, 0}))

	assert.InDelta(math.Log(3), logSumExp(math.Log(1), math.Log(2)), 1e-12)
	assert.Equal(2.0, logSumExp(math.Inf(-1), 2))
	assert.Equal(2.0, logSumExp(2, math.Inf(-1)))
}

var benchDepth int

func BenchmarkNUTSTransition(b *testing.B) {
	s := testNUTS(b, isoNormal(10), DiagMetric, 42)
	s.setPosition(make([]float64, 10))
	s.eps = 0.4

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchDepth += s.transition().treeDepth
	}
}
