package diagnostics

import (
	"context"
	"math"
	mrand "math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"gonum.org/v1/gonum/floats"

	"github.com/CraigKelly/nutsample/density"
	"github.com/CraigKelly/nutsample/sampler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func normalChains(seed uint64, m, n int, mean, sd float64) [][]float64 {
	r := mrand.New(mrand.NewPCG(seed, 11))
	out := make([][]float64, m)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			out[i][j] = mean + sd*r.NormFloat64()
		}
	}
	return out
}

func ar1(seed uint64, m, n int, phi float64) [][]float64 {
	r := mrand.New(mrand.NewPCG(seed, 3))
	sd := math.Sqrt(1 - phi*phi)
	out := make([][]float64, m)
	for i := range out {
		out[i] = make([]float64, n)
		x := r.NormFloat64()
		for j := range out[i] {
			x = phi*x + sd*r.NormFloat64()
			out[i][j] = x
		}
	}
	return out
}

func TestRhat(t *testing.T) {
	assert := assert.New(t)

	iid := normalChains(1, 4, 1000, 0, 1)
	assert.InDelta(1, Rhat(iid), 0.01)
	assert.Less(RankRhat(iid), 1.01)

	same := [][]float64{iid[0], iid[0], iid[0], iid[0]}
	assert.InDelta(1, Rhat(same), 0.01)

	apart := append(normalChains(2, 2, 1000, 0, 1), normalChains(3, 2, 1000, 3, 1)...)
	assert.Greater(Rhat(apart), 1.5)
	assert.Greater(RankRhat(apart), 1.5)

	// same location, different scale: only the folded statistic sees it
	wide := append(normalChains(4, 2, 1000, 0, 1), normalChains(5, 2, 1000, 0, 3)...)
	assert.Less(Rhat(wide), 1.01)
	assert.Greater(RankRhat(wide), 1.01)

	assert.True(math.IsNaN(Rhat([][]float64{{1, 2, 3}})))
	assert.True(math.IsNaN(Rhat(nil)))
}

func TestTruncatesUnevenChains(t *testing.T) {
	assert := assert.New(t)

	chains := normalChains(6, 3, 500, 0, 1)
	chains[1] = chains[1][:321]
	s := split(chains)
	assert.Len(s, 6)
	for _, c := range s {
		assert.Len(c, 160)
	}
	assert.False(math.IsNaN(Rhat(chains)))
	assert.False(math.IsNaN(ESS(chains)))
}

func TestAutocovMatchesDirect(t *testing.T) {
	assert := assert.New(t)

	x := []float64{0.3, -1.2, 2.2, 0.7, 0.1, -0.4, 1.9, -2.5, 0.8, 0.05, 1.1}
	ac := autocov(x)
	assert.Len(ac, len(x))

	mean := floats.Sum(x) / float64(len(x))
	for lag := 0; lag < len(x); lag++ {
		want := 0.0
		for i := 0; i+lag < len(x); i++ {
			want += (x[i] - mean) * (x[i+lag] - mean)
		}
		want /= float64(len(x))
		assert.InDelta(want, ac[lag], 1e-10, "lag %d", lag)
	}
}

func TestESS(t *testing.T) {
	assert := assert.New(t)

	iid := normalChains(7, 4, 1000, 0, 1)
	assert.InDelta(4000, ESS(iid), 800)
	assert.InDelta(4000, ESSBulk(iid), 800)
	assert.InDelta(4000, ESSTail(iid), 1500)

	// AR(1) with phi = 0.9 has ESS = N (1 - phi) / (1 + phi)
	slow := ar1(8, 4, 1000, 0.9)
	assert.InDelta(4000*0.1/1.9, ESS(slow), 100)
	assert.Less(ESSBulk(slow), 400.0)

	assert.InDelta(1/math.Sqrt(4000), MCSEMean(iid), 0.004)
	assert.Greater(MCSEMean(slow), MCSEMean(iid))

	assert.True(math.IsNaN(ESS([][]float64{{1, 2}})))
	assert.True(math.IsNaN(ESSBulk(nil)))
}

func TestQuantile(t *testing.T) {
	assert := assert.New(t)

	x := []float64{1, 2, 3, 4}
	assert.Equal(1.0, Quantile(x, 0))
	assert.Equal(4.0, Quantile(x, 1))
	assert.Equal(2.5, Quantile(x, 0.5))
	assert.Equal(1.75, Quantile(x, 0.25))
	assert.Equal(7.0, Quantile([]float64{7}, 0.3))
	assert.True(math.IsNaN(Quantile(nil, 0.5)))
}

func TestRankNormalizeTies(t *testing.T) {
	assert := assert.New(t)

	z := rankNormalize([][]float64{{1, 5}, {5, 9}})
	assert.Equal(z[0][1], z[1][0])
	assert.Less(z[0][0], z[0][1])
	assert.Less(z[1][0], z[1][1])
	assert.InDelta(0, z[0][1], 1e-12) // the middle ranks sit at the median
}

func TestEBFMI(t *testing.T) {
	assert := assert.New(t)

	iid := normalChains(9, 1, 2000, 10, 2)[0]
	assert.InDelta(2, EBFMI(iid), 0.2)

	walk := make([]float64, 2000)
	for i := 1; i < len(walk); i++ {
		walk[i] = walk[i-1] + iid[i] - 10
	}
	assert.Less(EBFMI(walk), 0.3)

	assert.True(math.IsNaN(EBFMI([]float64{3, 3, 3})))
	assert.True(math.IsNaN(EBFMI([]float64{3})))
}

// fakeResult builds a result from per chain columns: cols[chain][col][draw]
func fakeResult(names []string, energy [][]float64, cols ...[][]float64) *sampler.Result {
	cfg := sampler.DefaultConfig()
	res := &sampler.Result{Names: names, Config: cfg}
	for id, cc := range cols {
		n := len(cc[0])
		c := &sampler.Chain{ID: id, Phase: sampler.PhaseDone, Iterations: cfg.Warmup + n}
		for i := 0; i < n; i++ {
			d := sampler.Draw{Iteration: cfg.Warmup + i, Values: make([]float64, len(names))}
			for col := range names {
				d.Values[col] = cc[col][i]
			}
			if energy != nil {
				d.Energy = energy[id][i]
			}
			c.Draws = append(c.Draws, d)
		}
		res.Chains = append(res.Chains, c)
	}
	return res
}

func TestCheck(t *testing.T) {
	assert := assert.New(t)

	good := normalChains(10, 2, 1000, 0, 1)
	bad := append(normalChains(11, 1, 1000, 0, 1), normalChains(12, 1, 1000, 5, 1)...)
	energy := normalChains(13, 3, 1000, 20, 3)
	for i := 1; i < 1000; i++ {
		energy[1][i] = energy[1][i-1] + energy[1][i] - 20
	}

	res := fakeResult([]string{"good", "bad"}, energy,
		[][]float64{good[0], bad[0]},
		[][]float64{good[1], bad[1]},
		[][]float64{good[1], bad[1]},
	)
	res.Chains[1].Divergences = 3
	res.Chains[1].MaxDepthHit = 2
	res.Chains[2].Err = &sampler.SamplerError{Chain: 2, Iteration: -1, Reason: "no finite log density"}
	res.Chains[2].Phase = sampler.PhaseFailed
	res.Chains[0].WarmupDrift = -3.5
	res.Chains[1].WarmupDrift = 1.2

	rep := Check(res, DefaultPolicy())

	assert.Len(rep.Params, 2)
	assert.True(rep.Params[0].Converged)
	assert.Greater(rep.Params[0].ESSBulk, 400.0)
	assert.False(rep.Params[1].Converged)
	assert.False(rep.Converged())
	assert.True(rep.Divergent())

	assert.Len(rep.EBFMI, 2)
	assert.Greater(rep.EBFMI[0], 0.3)
	assert.Less(rep.EBFMI[1], 0.3)

	if assert.Len(rep.Warnings, 6) {
		f, ok := rep.Warnings[0].(FailedChainWarning)
		assert.True(ok)
		assert.Equal(2, f.Chain)

		d, ok := rep.Warnings[1].(DivergenceWarning)
		assert.True(ok)
		assert.Equal(DivergenceWarning{Chain: 1, Count: 3, Draws: 1000}, d)

		td, ok := rep.Warnings[2].(TreeDepthWarning)
		assert.True(ok)
		assert.Equal(10, td.MaxDepth)

		e, ok := rep.Warnings[3].(EnergyWarning)
		assert.True(ok)
		assert.Equal(1, e.Chain)

		dw, ok := rep.Warnings[4].(DriftWarning)
		assert.True(ok)
		assert.Equal(DriftWarning{Chain: 0, Drift: -3.5}, dw)

		cw, ok := rep.Warnings[5].(ConvergenceWarning)
		assert.True(ok)
		assert.Equal("bad", cw.Param)
		assert.Greater(cw.Rhat, 1.01)
	}

	for _, w := range rep.Warnings {
		assert.NotEmpty(w.String())
	}
	assert.Equal("chain 1: 3 of 1000 post warm-up transitions diverged", rep.Warnings[1].String())
}

func TestDivergenceDrawsNeverNegative(t *testing.T) {
	assert := assert.New(t)

	res := fakeResult([]string{"x"}, nil, [][]float64{normalChains(14, 1, 100, 0, 1)[0]})
	c := res.Chains[0]
	c.Iterations = 10 // cancelled early in warm-up
	c.Cancelled = true
	c.Divergences = 1

	rep := Check(res, DefaultPolicy())
	found := false
	for _, w := range rep.Warnings {
		if d, ok := w.(DivergenceWarning); ok {
			found = true
			assert.Equal(0, d.Draws)
		}
	}
	assert.True(found)
}

// two well separated modes; a chain started in one never finds the other
func TestSeparateModesNotConverged(t *testing.T) {
	assert := assert.New(t)

	post := density.Plain([]string{"x"}, func(q, grad []float64) float64 {
		a := -0.5 * (q[0] + 15) * (q[0] + 15)
		b := -0.5 * (q[0] - 15) * (q[0] - 15)
		lp := floats.LogSumExp([]float64{a, b})
		wa, wb := math.Exp(a-lp), math.Exp(b-lp)
		grad[0] = -wa*(q[0]+15) - wb*(q[0]-15)
		return lp
	})

	cfg := sampler.DefaultConfig()
	cfg.Chains = 2
	// no warm-up: early dual averaging can take steps long enough to
	// jump between the modes
	cfg.Iterations = 500
	cfg.Warmup = 0
	cfg.Inits = [][]float64{{-15}, {15}}

	s, err := sampler.New(post, cfg)
	assert.NoError(err)
	res, err := s.Run(context.Background())
	assert.NoError(err)

	table := res.Table(0)
	assert.Greater(Rhat(table), 1.01)
	assert.Greater(RankRhat(table), 1.01)

	rep := Check(res, DefaultPolicy())
	assert.False(rep.Converged())
	found := false
	for _, w := range rep.Warnings {
		if cw, ok := w.(ConvergenceWarning); ok && cw.Param == "x" {
			found = true
		}
	}
	assert.True(found)
}

var benchESS float64

func BenchmarkESSBulk(b *testing.B) {
	chains := ar1(9, 4, 1000, 0.5)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchESS += ESSBulk(chains)
	}
}
