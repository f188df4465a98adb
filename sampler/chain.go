package sampler

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/CraigKelly/nutsample/buffer"
	"github.com/CraigKelly/nutsample/density"
	"github.com/CraigKelly/nutsample/rand"
)

// Phase is where a chain is in its life
type Phase int32

// Chain phases, in order
const (
	PhaseInit Phase = iota
	PhaseStepAdaptation
	PhaseMetricAdaptation
	PhaseSampling
	PhaseDone
	PhaseFailed
)

var phaseNames = []string{"init", "step-adaptation", "metric-adaptation", "sampling", "done", "failed"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// SamplerError fails a single chain. Other chains keep running.
type SamplerError struct {
	Chain     int
	Iteration int // -1 during initialization
	Phase     Phase
	Reason    string
	Cause     error
}

func (e *SamplerError) Error() string {
	msg := fmt.Sprintf("chain %d failed in %s at iteration %d: %s", e.Chain, e.Phase, e.Iteration, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the cause to errors.Is and errors.As
func (e *SamplerError) Unwrap() error {
	return e.Cause
}

// Stats are the per-draw sampler statistics
type Stats struct {
	LogDensity float64
	AcceptStat float64
	StepSize   float64
	TreeDepth  int
	Leapfrogs  int
	Divergent  bool
	MaxDepth   bool // tree depth limit was hit
	Energy     float64
}

// Draw is one saved iteration. Values are on the constrained scale in the
// order of the posterior's Names.
type Draw struct {
	Iteration int
	Warmup    bool
	Values    []float64
	LogLik    []float64 // nil when the posterior has no observations
	Stats
}

// Chain is the record of one independent NUTS chain. It is owned by its
// goroutine until Run returns.
type Chain struct {
	ID        int
	Seed      int64
	Phase     Phase
	Err       *SamplerError
	Cancelled bool

	Draws       []Draw
	Divergences int // post warm-up
	MaxDepthHit int // post warm-up

	StepSize   float64   // the frozen post warm-up step size
	InvMetric  []float64 // diagonal, or row-major dense
	Init       []float64 // unconstrained starting point
	Iterations int       // iterations completed, warm-up included

	// WarmupDrift is the change in mean log density across the last
	// iterations of warm-up, in standard deviations. Zero when warm-up was
	// too short to tell.
	WarmupDrift float64
}

// Failed is true if the chain stopped with an error
func (c *Chain) Failed() bool {
	return c.Err != nil
}

// Sampling returns the post warm-up draws
func (c *Chain) Sampling() []Draw {
	for i, d := range c.Draws {
		if !d.Warmup {
			return c.Draws[i:]
		}
	}
	return nil
}

// chainRun is the private state of a running chain
type chainRun struct {
	c      *Chain
	cfg    *Config
	post   density.Posterior
	eval   density.Evaluator
	gen    *rand.Generator
	log    *zap.Logger
	report func(c *Chain, tr transition, eps float64)

	nuts    *nuts
	lpTrail *buffer.CircularFloat
}

func (r *chainRun) fail(it int, reason string, cause error) {
	r.c.Err = &SamplerError{Chain: r.c.ID, Iteration: it, Phase: r.c.Phase, Reason: reason, Cause: cause}
	r.c.Phase = PhaseFailed
}

// runChain drives one chain through warm-up and sampling. It never panics:
// a panic in the target is recovered into a SamplerError.
func runChain(ctx context.Context, id int, post density.Posterior, cfg *Config, log *zap.Logger, report func(*Chain, transition, float64)) (c *Chain) {
	c = &Chain{ID: id, Seed: cfg.ChainSeed(id)}
	r := &chainRun{c: c, cfg: cfg, post: post, log: log.With(zap.Int("chain", id)), report: report}

	defer func() {
		if p := recover(); p != nil {
			r.fail(c.Iterations, "panic", errors.Errorf("%v", p))
			r.log.Error("chain panicked", zap.Any("panic", p))
		}
	}()

	gen, err := rand.NewGenerator(c.Seed)
	if err != nil {
		r.fail(-1, "could not seed generator", err)
		return c
	}
	defer gen.Close()
	r.gen = gen

	r.eval = post.NewEvaluator()
	r.lpTrail = buffer.NewCircularFloat(100)

	m := newMetric(cfg.Metric, post.Dim())
	r.nuts = newNUTS(r.eval, m, gen, cfg)

	if !r.initialize() {
		return c
	}
	r.sample(ctx, m)
	return c
}

// initialize finds a starting point with a finite log density and gradient
func (r *chainRun) initialize() bool {
	dim := r.post.Dim()
	q := make([]float64, dim)
	var user []float64
	if r.c.ID < len(r.cfg.Inits) {
		user = r.cfg.Inits[r.c.ID]
	}

	for attempt := 0; attempt < r.cfg.InitAttempts; attempt++ {
		if attempt == 0 && user != nil {
			copy(q, user)
		} else {
			for i := range q {
				q[i] = r.gen.Uniform(-r.cfg.InitRadius, r.cfg.InitRadius)
			}
		}

		lp := r.nuts.setPosition(q)
		if finite(lp) && allFinite(r.nuts.z.grad) {
			r.c.Init = clone(q)
			r.log.Debug("initialized", zap.Int("attempts", attempt+1), zap.Float64("lp", lp))
			return true
		}
	}

	r.fail(-1, fmt.Sprintf("no finite log density after %d initialization attempts", r.cfg.InitAttempts), nil)
	return false
}

func (r *chainRun) sample(ctx context.Context, m metric) {
	c, cfg := r.c, r.cfg
	s := r.nuts

	if err := s.initStepSize(); err != nil {
		r.fail(-1, "step size initialization", err)
		return
	}

	da := newDualAveraging(cfg.TargetAccept)
	da.restart(s.eps)
	win := newWindows(cfg.Warmup)
	est := newWindowEstimator(r.post.Dim())

	constrained := len(r.post.Names())
	nObs := r.post.Observations()

	for it := 0; it < cfg.Iterations; it++ {
		if ctx.Err() != nil {
			c.Cancelled = true
			r.log.Info("chain cancelled", zap.Int("iteration", it))
			break
		}

		warm := it < cfg.Warmup
		c.Phase = win.phase(it)

		tr := s.transition()
		if !finite(tr.lp) {
			r.fail(it, "non-finite log density at the accepted state", nil)
			return
		}
		usedEps := s.eps

		if warm {
			s.eps = da.learn(tr.accept)
			if win.learn(s.z.q, est) {
				if err := m.update(est); err != nil {
					r.log.Warn("metric update skipped", zap.Int("iteration", it), zap.Error(err))
				}
				est.restart()
				if err := s.initStepSize(); err != nil {
					r.fail(it, "step size re-initialization", err)
					return
				}
				da.restart(s.eps)
				r.log.Debug("metric updated", zap.Int("iteration", it), zap.Float64("step_size", s.eps))
			}
			if it == cfg.Warmup-1 {
				s.eps = da.final()
				c.StepSize = s.eps
				c.InvMetric = m.inverse()
				r.logWarmupDone()
			}
			if !(s.eps > 0) || math.IsInf(s.eps, 0) {
				r.fail(it, fmt.Sprintf("step size collapsed to %g", s.eps), nil)
				return
			}
		}

		r.lpTrail.Add(tr.lp)
		c.Iterations = it + 1

		keep := (warm && cfg.SaveWarmup) || (!warm && (it-cfg.Warmup)%cfg.Thin == 0)
		if !warm {
			if tr.divergent {
				c.Divergences++
			}
			if tr.maxedDepth {
				c.MaxDepthHit++
			}
		}
		if keep {
			d := Draw{
				Iteration: it,
				Warmup:    warm,
				Values:    make([]float64, constrained),
				Stats: Stats{
					LogDensity: tr.lp,
					AcceptStat: tr.accept,
					StepSize:   usedEps,
					TreeDepth:  tr.treeDepth,
					Leapfrogs:  tr.leapfrogs,
					Divergent:  tr.divergent,
					MaxDepth:   tr.maxedDepth,
					Energy:     tr.energy,
				},
			}
			r.eval.Constrain(s.z.q, d.Values)
			if nObs > 0 {
				d.LogLik = make([]float64, nObs)
				r.eval.PointwiseLogLik(s.z.q, d.LogLik)
			}
			c.Draws = append(c.Draws, d)
		}

		if r.report != nil {
			r.report(c, tr, usedEps)
		}
	}

	if cfg.Warmup == 0 {
		c.StepSize = s.eps
		c.InvMetric = m.inverse()
	}
	if !c.Cancelled {
		c.Phase = PhaseDone
	}
}

func (r *chainRun) logWarmupDone() {
	fields := []zap.Field{zap.Float64("step_size", r.c.StepSize)}
	if drift, ok := r.lpTrail.Drift(); ok {
		r.c.WarmupDrift = drift
		fields = append(fields, zap.Float64("lp_drift", drift))
	}
	r.log.Debug("warm-up done", fields...)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if !finite(x) {
			return false
		}
	}
	return true
}
