package sampler

import (
	"context"
	"math"
	mrand "math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/CraigKelly/nutsample/density"
	"github.com/CraigKelly/nutsample/dist"
	"github.com/CraigKelly/nutsample/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.Chains = 2
	cfg.Iterations = 600
	cfg.Warmup = 300
	cfg.Seed = 17
	return cfg
}

func mustRun(t *testing.T, post density.Posterior, cfg Config, opts ...Option) *Result {
	s, err := New(post, cfg, opts...)
	if err != nil {
		t.Fatalf("new sampler: %v", err)
	}
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func TestConfigCheck(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	assert.NoError(cfg.Check())
	assert.Equal(1000, cfg.Draws())
	assert.Equal(int64(3), cfg.ChainSeed(2))

	bad := cfg
	bad.TargetAccept = 1
	assert.Error(bad.Check())

	bad = cfg
	bad.Warmup = bad.Iterations
	assert.Error(bad.Check())

	bad = cfg
	bad.Chains = 0
	assert.Error(bad.Check())

	bad = cfg
	bad.Metric = "full"
	assert.Error(bad.Check())

	bad = cfg
	bad.Seeds = []int64{1, 2}
	assert.Error(bad.Check())

	bad = cfg
	bad.Inits = make([][]float64, 5)
	assert.Error(bad.Check())

	ok := cfg
	ok.Seeds = []int64{9, 8, 7, 6}
	assert.NoError(ok.Check())
	assert.Equal(int64(7), ok.ChainSeed(2))

	ok.Thin = 3
	ok.SaveWarmup = true
	assert.Equal(334+1000, ok.Draws())
}

func TestNewChecks(t *testing.T) {
	assert := assert.New(t)

	_, err := New(nil, DefaultConfig())
	assert.Error(err)

	cfg := DefaultConfig()
	cfg.Inits = [][]float64{{1, 2, 3}}
	_, err = New(isoNormal(2), cfg)
	assert.Error(err)

	// a registry can only take one sampler's collectors
	reg := prometheus.NewRegistry()
	_, err = New(isoNormal(2), DefaultConfig(), WithRegisterer(reg))
	assert.NoError(err)
	_, err = New(isoNormal(2), DefaultConfig(), WithRegisterer(reg))
	assert.Error(err)
}

func TestStandardNormal(t *testing.T) {
	assert := assert.New(t)

	for _, kind := range []MetricKind{DiagMetric, DenseMetric} {
		cfg := quickConfig()
		cfg.Metric = kind
		res := mustRun(t, isoNormal(3), cfg)

		assert.Len(res.Chains, 2)
		assert.Empty(res.Failed())
		assert.False(res.Cancelled())
		assert.Equal(0, res.Divergences())
		assert.NotEmpty(res.RunID)

		for col := 0; col < 3; col++ {
			x := res.Pooled(col)
			assert.Len(x, 600)
			mean, std := stat.MeanStdDev(x, nil)
			assert.InDelta(0, mean, 0.2, "%s col %d", kind, col)
			assert.InDelta(1, std, 0.2, "%s col %d", kind, col)
		}

		for _, c := range res.Chains {
			assert.Equal(PhaseDone, c.Phase)
			assert.Equal(600, c.Iterations)
			assert.Greater(c.StepSize, 0.0)
			// settled long before the end of warm-up
			assert.NotZero(c.WarmupDrift)
			assert.Less(math.Abs(c.WarmupDrift), 2.0)
			if kind == DenseMetric {
				assert.Len(c.InvMetric, 9)
			} else {
				assert.Len(c.InvMetric, 3)
			}
		}
	}
}

// mu ~ N(0, 10), y_i ~ N(mu, 1). The posterior moments come within a
// Monte Carlo error that shrinks as the run gets longer.
func TestConjugateNormal(t *testing.T) {
	if testing.Short() {
		t.Skip("long sampler run")
	}
	assert := assert.New(t)

	y := []float64{1.2, 0.4, 2.1, 1.7, 0.9, 1.4, 2.5, 0.2, 1.1, 1.6,
		0.8, 1.9, 1.3, 0.6, 2.2, 1.0, 1.5, 0.7, 1.8, 1.2}
	spec := &model.Spec{
		Data:       []model.DataDecl{{Name: "y", Values: y}},
		Params:     []model.ParamDecl{{Name: "mu"}},
		Priors:     []model.PriorDecl{model.Prior("mu", dist.Normal, model.Lit(0), model.Lit(10))},
		Likelihood: model.Likelihood("y", dist.Normal, model.Par("mu"), model.Lit(1)),
	}
	m, err := model.Build(spec, nil)
	assert.NoError(err)

	n := float64(len(y))
	prec := n + 1.0/100
	wantMean := stat.Mean(y, nil) * n / prec
	wantVar := 1 / prec

	var bounds []float64
	for _, sampling := range []int{250, 1000, 4000} {
		cfg := DefaultConfig()
		cfg.Seed = 99
		cfg.Warmup = 1000
		cfg.Iterations = cfg.Warmup + sampling
		res := mustRun(t, m, cfg)

		draws := float64(cfg.Chains * sampling)
		mean, variance := stat.MeanVariance(res.Pooled(0), nil)

		// five standard errors; the second moment mixes slower, so its
		// error is taken at a quarter of the draws
		meanBound := 5 * math.Sqrt(wantVar/draws)
		varBound := 5 * wantVar * math.Sqrt(2/(draws/4))
		assert.InDelta(wantMean, mean, meanBound, "%d draws", sampling)
		assert.InDelta(wantVar, variance, varBound, "%d draws", sampling)
		bounds = append(bounds, meanBound)

		if sampling == 1000 {
			ll := res.LogLik()
			assert.Len(ll, cfg.Chains*sampling)
			assert.Len(ll[0], 20)
		}
	}
	for i := 1; i < len(bounds); i++ {
		assert.Less(bounds[i], bounds[i-1])
	}
}

// linearModel simulates y = 1 + 3 x + N(0, 7^2) for 100 x in [0, 10)
func linearModel(t *testing.T, seed uint64) (*model.Model, []float64) {
	r := mrand.New(mrand.NewPCG(seed, 7))
	x := make([]float64, 100)
	y := make([]float64, 100)
	for i := range x {
		x[i] = 10 * r.Float64()
		y[i] = 1 + 3*x[i] + 7*r.NormFloat64()
	}

	spec := &model.Spec{
		Data: []model.DataDecl{{Name: "x", Values: x}, {Name: "y", Values: y}},
		Params: []model.ParamDecl{
			{Name: "alpha"}, {Name: "beta"}, {Name: "sigma", Support: model.Positive},
		},
		Priors: []model.PriorDecl{
			model.Prior("alpha", dist.Normal, model.Lit(0), model.Lit(100)),
			model.Prior("beta", dist.Normal, model.Lit(0), model.Lit(100)),
			model.Prior("sigma", dist.HalfCauchy, model.Lit(10)),
		},
		Likelihood: model.Likelihood("y", dist.Normal,
			model.Add(model.Par("alpha"), model.Mul(model.Par("beta"), model.Dat("x"))),
			model.Par("sigma")),
	}
	m, err := model.Build(spec, nil)
	if err != nil {
		t.Fatalf("linear model: %v", err)
	}
	return m, x
}

// y = alpha + 3 x + N(0, 7^2), n = 100
func TestLinearRegression(t *testing.T) {
	if testing.Short() {
		t.Skip("long sampler run")
	}
	assert := assert.New(t)

	m, x := linearModel(t, 2024)
	y := m.Observed()

	cfg := DefaultConfig()
	cfg.Iterations = 4000
	cfg.Warmup = 2000
	res := mustRun(t, m, cfg)
	assert.Empty(res.Failed())

	// flat-ish priors put the posterior mean on the least squares fit
	_, olsBeta := stat.LinearRegression(x, y, nil, false)
	beta := stat.Mean(res.Pooled(m.Column("beta")), nil)
	sigma := stat.Mean(res.Pooled(m.Column("sigma")), nil)

	assert.InDelta(olsBeta, beta, 0.05)
	assert.InDelta(3, beta, 1)
	assert.InDelta(7, sigma, 1.5)
	assert.Len(res.Pooled(0), 8000)
}

// Over repeated datasets the posterior mean of beta lands inside the 95%
// interval 3 +- 1.96 sigma / sqrt(Sxx) about as often as it should.
func TestLinearCoverage(t *testing.T) {
	if testing.Short() {
		t.Skip("long sampler run")
	}
	assert := assert.New(t)

	const (
		seeds = 20
		// P(X < 16) is about 0.003 for X ~ Binomial(20, 0.95)
		minCovered = 16
	)

	covered := 0
	for seed := uint64(1); seed <= seeds; seed++ {
		m, x := linearModel(t, seed)

		cfg := DefaultConfig()
		cfg.Chains = 2
		cfg.Warmup = 2000
		cfg.Iterations = 4000
		cfg.Seed = int64(seed)
		res := mustRun(t, m, cfg)
		assert.Empty(res.Failed())

		xbar := stat.Mean(x, nil)
		sxx := 0.0
		for _, v := range x {
			sxx += (v - xbar) * (v - xbar)
		}
		half := 1.96 * 7 / math.Sqrt(sxx)

		beta := stat.Mean(res.Pooled(m.Column("beta")), nil)
		if math.Abs(beta-3) < half {
			covered++
		}
	}
	assert.GreaterOrEqual(covered, minCovered)
}

// Four groups of thirty coin flips with very different rates. Partial
// pooling pulls every group toward the pooled rate.
func TestHierarchicalShrinkage(t *testing.T) {
	if testing.Short() {
		t.Skip("long sampler run")
	}
	assert := assert.New(t)

	successes := []int{6, 12, 18, 24}
	var y, g []float64
	for j, k := range successes {
		for i := 0; i < 30; i++ {
			v := 0.0
			if i < k {
				v = 1
			}
			y = append(y, v)
			g = append(g, float64(j+1))
		}
	}

	spec := &model.Spec{
		Data: []model.DataDecl{
			{Name: "y", Kind: model.IntegerData, Values: y},
			{Name: "g", Kind: model.GroupingData, Values: g},
		},
		Params: []model.ParamDecl{
			{Name: "mu"}, {Name: "tau", Support: model.Positive}, {Name: "theta", Dim: 4},
		},
		Priors: []model.PriorDecl{
			model.Prior("mu", dist.Normal, model.Lit(0), model.Lit(2)),
			model.Prior("tau", dist.HalfNormal, model.Lit(0.5)),
			model.Prior("theta", dist.Normal, model.Par("mu"), model.Par("tau")),
		},
		Likelihood: model.Likelihood("y", dist.BernoulliLogit, model.Grouped("theta", "g")),
	}
	m, err := model.Build(spec, nil)
	assert.NoError(err)

	cfg := DefaultConfig()
	cfg.TargetAccept = 0.95
	res := mustRun(t, m, cfg)
	assert.Empty(res.Failed())

	total := 0
	for _, k := range successes {
		total += k
	}
	pooled := dist.Logit(float64(total) / float64(30*len(successes)))

	// each group sits strictly between its own fit and the pooled fit
	for j, k := range successes {
		raw := dist.Logit(float64(k) / 30)
		theta := stat.Mean(res.Pooled(m.Column("theta["+string(rune('1'+j))+"]")), nil)
		assert.Greater(theta, math.Min(raw, pooled), "group %d", j+1)
		assert.Less(theta, math.Max(raw, pooled), "group %d", j+1)
	}
}

func funnel(n int) density.Posterior {
	names := make([]string, n+1)
	for i := range names {
		names[i] = "q" + string(rune('0'+i))
	}
	return density.Plain(names, func(q, grad []float64) float64 {
		// v ~ N(0, 3), x_i ~ N(0, exp(v/2))
		v := q[0]
		lp := -v * v / 18
		grad[0] = -v / 9
		ev := math.Exp(-v)
		for i := 1; i <= n; i++ {
			x := q[i]
			lp += -0.5*x*x*ev - 0.5*v
			grad[0] += 0.5*x*x*ev - 0.5
			grad[i] = -x * ev
		}
		return lp
	})
}

func TestDivergences(t *testing.T) {
	assert := assert.New(t)

	cfg := quickConfig()
	cfg.Chains = 4
	cfg.Iterations = 1000
	cfg.Warmup = 500

	res := mustRun(t, funnel(9), cfg)
	assert.Greater(res.Divergences(), 0)

	// recorded on the draws too, never dropped
	marked := 0
	for _, c := range res.Good() {
		for _, d := range c.Sampling() {
			if d.Divergent {
				marked++
			}
		}
	}
	assert.Equal(res.Divergences(), marked)

	res = mustRun(t, isoNormal(10), cfg)
	assert.Equal(0, res.Divergences())
}

func TestDeterministicAcrossParallel(t *testing.T) {
	assert := assert.New(t)

	cfg := quickConfig()
	cfg.Chains = 3
	cfg.Parallel = 1
	serial := mustRun(t, isoNormal(2), cfg)

	cfg.Parallel = 3
	parallel := mustRun(t, isoNormal(2), cfg)

	for col := 0; col < 2; col++ {
		assert.Equal(serial.Table(col), parallel.Table(col))
	}

	cfg.Seed++
	other := mustRun(t, isoNormal(2), cfg)
	assert.NotEqual(serial.Table(0), other.Table(0))
}

func TestThinAndSaveWarmup(t *testing.T) {
	assert := assert.New(t)

	cfg := quickConfig()
	cfg.Thin = 4
	cfg.SaveWarmup = true
	res := mustRun(t, isoNormal(1), cfg)

	for _, c := range res.Chains {
		assert.Len(c.Draws, cfg.Draws())
		assert.Len(c.Sampling(), 75)
		assert.True(c.Draws[0].Warmup)
		assert.Equal(300, c.Sampling()[0].Iteration)
		assert.Equal(304, c.Sampling()[1].Iteration)
	}
	assert.Len(res.Table(0), 2)
	assert.Len(res.Table(0)[0], 75)
	energy := res.StatTable(func(s Stats) float64 { return s.Energy })
	assert.Len(energy[1], 75)
}

func TestCancellationKeepsDraws(t *testing.T) {
	assert := assert.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	inner := isoNormal(2).NewEvaluator()
	post := density.Plain([]string{"a", "b"}, func(q, grad []float64) float64 {
		if calls.Add(1) == 20000 {
			cancel()
		}
		return inner.LogDensityGrad(q, grad)
	})

	cfg := quickConfig()
	cfg.Chains = 1
	cfg.Iterations = 100000
	cfg.Warmup = 100

	s, err := New(post, cfg)
	assert.NoError(err)
	res, err := s.Run(ctx)
	assert.NoError(err)
	assert.True(res.Cancelled())

	c := res.Chains[0]
	assert.True(c.Cancelled)
	assert.False(c.Failed())
	assert.Less(c.Iterations, cfg.Iterations)
	assert.Greater(len(c.Sampling()), 0)
	assert.Len(res.Pooled(0), len(c.Sampling()))
}

func TestChainFailures(t *testing.T) {
	assert := assert.New(t)

	// finite only below 5, and panics at exactly 100
	post := density.Plain([]string{"x"}, func(q, grad []float64) float64 {
		if q[0] == 100 {
			panic("bad start")
		}
		if q[0] > 5 {
			grad[0] = 0
			return math.Inf(-1)
		}
		grad[0] = -q[0]
		return -0.5 * q[0] * q[0]
	})

	cfg := quickConfig()
	cfg.Chains = 3
	cfg.InitAttempts = 1
	cfg.Inits = [][]float64{nil, {10}, {100}}
	res := mustRun(t, post, cfg)

	failed := res.Failed()
	assert.Len(failed, 2)
	assert.Len(res.Good(), 1)
	assert.Equal(0, res.Good()[0].ID)

	var se *SamplerError
	assert.True(errors.As(failed[0].Err, &se))
	assert.Equal(1, se.Chain)
	assert.Equal(-1, se.Iteration)
	assert.Equal(PhaseFailed, failed[0].Phase)

	assert.Equal(2, failed[1].Err.Chain)
	assert.Equal("panic", failed[1].Err.Reason)

	// failed chains do not contribute draws
	assert.Len(res.Table(0), 1)
}

func TestAllChainsFail(t *testing.T) {
	assert := assert.New(t)

	post := density.Plain([]string{"x"}, func(q, grad []float64) float64 {
		return math.Inf(-1)
	})
	cfg := quickConfig()
	cfg.InitAttempts = 5

	s, err := New(post, cfg)
	assert.NoError(err)
	res, err := s.Run(context.Background())
	assert.Error(err)
	assert.NotNil(res)
	assert.Len(res.Failed(), 2)

	var se *SamplerError
	assert.True(errors.As(err, &se))
	assert.Contains(se.Reason, "5 initialization attempts")
}

func TestProgressAndMetrics(t *testing.T) {
	assert := assert.New(t)

	reg := prometheus.NewRegistry()
	cfg := quickConfig()
	s, err := New(isoNormal(2), cfg, WithRegisterer(reg), WithLogger(zap.NewNop()))
	assert.NoError(err)

	for _, p := range s.Progress() {
		assert.Equal(0, p.Iteration)
		assert.Equal(PhaseInit, p.Phase)
	}

	_, err = s.Run(context.Background())
	assert.NoError(err)

	for i, p := range s.Progress() {
		assert.Equal(i, p.Chain)
		assert.Equal(cfg.Iterations, p.Iteration)
		assert.Equal(PhaseDone, p.Phase)
		assert.Greater(p.StepSize, 0.0)
	}

	assert.Equal(float64(cfg.Iterations), testutil.ToFloat64(s.metrics.iterations.WithLabelValues("0")))
	assert.Equal(float64(PhaseSampling), testutil.ToFloat64(s.metrics.phase.WithLabelValues("1")))
	assert.Equal(0.0, testutil.ToFloat64(s.metrics.failed))
	assert.Greater(testutil.ToFloat64(s.metrics.leapfrogs.WithLabelValues("1")), float64(cfg.Iterations))
}

func TestPhaseNames(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("metric-adaptation", PhaseMetricAdaptation.String())
	assert.Equal("unknown", Phase(42).String())

	err := &SamplerError{Chain: 2, Iteration: 7, Phase: PhaseSampling, Reason: "boom", Cause: errors.New("cause")}
	assert.Equal("chain 2 failed in sampling at iteration 7: boom: cause", err.Error())
	assert.Equal("cause", errors.Unwrap(err).Error())
}
