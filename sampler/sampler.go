package sampler

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CraigKelly/nutsample/density"
)

// A Sampler runs independent NUTS chains against a posterior
type Sampler struct {
	post    density.Posterior
	cfg     Config
	log     *zap.Logger
	metrics *metrics
	reg     prometheus.Registerer

	progress []chainProgress
}

// Option configures a Sampler
type Option func(*Sampler)

// WithLogger sets the logger (the default discards everything)
func WithLogger(l *zap.Logger) Option {
	return func(s *Sampler) { s.log = l }
}

// WithRegisterer exports progress as prometheus metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Sampler) { s.reg = reg }
}

// New checks the config against the posterior and returns a Sampler ready
// to Run.
func New(post density.Posterior, cfg Config, opts ...Option) (*Sampler, error) {
	if post == nil {
		return nil, errors.New("A posterior is required")
	}
	if post.Dim() < 1 {
		return nil, errors.Errorf("Posterior has dimension %d", post.Dim())
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	for i, q := range cfg.Inits {
		if q != nil && len(q) != post.Dim() {
			return nil, errors.Errorf("Init for chain %d has length %d, expected %d", i, len(q), post.Dim())
		}
	}

	s := &Sampler{
		post:     post,
		cfg:      cfg,
		log:      zap.NewNop(),
		progress: make([]chainProgress, cfg.Chains),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg != nil {
		m, err := newMetrics(s.reg)
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}
	return s, nil
}

// Config returns the (checked) configuration
func (s *Sampler) Config() Config {
	return s.cfg
}

// Run samples every chain and blocks until they finish or ctx is cancelled.
// A chain failure is recorded in the Result; the error is non-nil only when
// every chain failed.
func (s *Sampler) Run(ctx context.Context) (*Result, error) {
	runID := uuid.New().String()
	log := s.log.With(zap.String("run_id", runID))

	parallel := s.cfg.Parallel
	if parallel <= 0 {
		parallel = runtime.GOMAXPROCS(0)
	}
	log.Info("sampling",
		zap.Int("chains", s.cfg.Chains),
		zap.Int("iterations", s.cfg.Iterations),
		zap.Int("warmup", s.cfg.Warmup),
		zap.Int("parallel", parallel),
		zap.Int("dim", s.post.Dim()),
	)

	results := make(chan *Chain, s.cfg.Chains)
	var g errgroup.Group
	g.SetLimit(parallel)
	for i := 0; i < s.cfg.Chains; i++ {
		id := i
		g.Go(func() error {
			results <- runChain(ctx, id, s.post, &s.cfg, log, s.observe)
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	res := &Result{
		RunID:        runID,
		Names:        s.post.Names(),
		Observations: s.post.Observations(),
		Config:       s.cfg,
		Chains:       make([]*Chain, s.cfg.Chains),
	}
	for c := range results {
		res.Chains[c.ID] = c
		s.progress[c.ID].phase.Store(int32(c.Phase))
		if c.Failed() {
			log.Warn("chain failed", zap.Int("chain", c.ID), zap.Error(c.Err))
			if s.metrics != nil {
				s.metrics.failed.Inc()
			}
		}
	}

	failed := res.Failed()
	if len(failed) == len(res.Chains) {
		return res, errors.Wrapf(failed[0].Err, "All %d chains failed", len(failed))
	}
	log.Info("sampling done", zap.Int("failed", len(failed)), zap.Bool("cancelled", res.Cancelled()))
	return res, nil
}

// observe is called by each chain after every iteration
func (s *Sampler) observe(c *Chain, tr transition, eps float64) {
	p := &s.progress[c.ID]
	p.iteration.Store(int64(c.Iterations))
	p.phase.Store(int32(c.Phase))
	p.stepSize.Store(math.Float64bits(eps))
	if tr.divergent {
		p.divergences.Add(1)
	}
	if s.metrics != nil {
		s.metrics.observe(c.ID, c.Phase, tr, eps)
	}
}

// Progress is a snapshot of one chain
type Progress struct {
	Chain       int
	Iteration   int
	Phase       Phase
	StepSize    float64
	Divergences int // warm-up included
}

type chainProgress struct {
	iteration   atomic.Int64
	phase       atomic.Int32
	stepSize    atomic.Uint64
	divergences atomic.Int64
}

// Progress reads every chain's progress without blocking the chains
func (s *Sampler) Progress() []Progress {
	out := make([]Progress, len(s.progress))
	for i := range s.progress {
		p := &s.progress[i]
		out[i] = Progress{
			Chain:       i,
			Iteration:   int(p.iteration.Load()),
			Phase:       Phase(p.phase.Load()),
			StepSize:    math.Float64frombits(p.stepSize.Load()),
			Divergences: int(p.divergences.Load()),
		}
	}
	return out
}

// Result holds every chain of a run, failed ones included
type Result struct {
	RunID        string
	Names        []string
	Observations int
	Config       Config
	Chains       []*Chain
}

// Good returns the chains that did not fail
func (r *Result) Good() []*Chain {
	var out []*Chain
	for _, c := range r.Chains {
		if !c.Failed() {
			out = append(out, c)
		}
	}
	return out
}

// Failed returns the chains that stopped with a SamplerError
func (r *Result) Failed() []*Chain {
	var out []*Chain
	for _, c := range r.Chains {
		if c.Failed() {
			out = append(out, c)
		}
	}
	return out
}

// Cancelled is true if any chain stopped early because of cancellation
func (r *Result) Cancelled() bool {
	for _, c := range r.Chains {
		if c.Cancelled {
			return true
		}
	}
	return false
}

// Column returns the index of the named column, or -1
func (r *Result) Column(name string) int {
	for i, n := range r.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Table returns post warm-up draws of column col, one row per good chain
func (r *Result) Table(col int) [][]float64 {
	return r.table(func(d *Draw) float64 { return d.Values[col] })
}

// StatTable is Table for a per-draw statistic, e.g. energy
func (r *Result) StatTable(f func(Stats) float64) [][]float64 {
	return r.table(func(d *Draw) float64 { return f(d.Stats) })
}

func (r *Result) table(f func(*Draw) float64) [][]float64 {
	var out [][]float64
	for _, c := range r.Good() {
		draws := c.Sampling()
		row := make([]float64, len(draws))
		for i := range draws {
			row[i] = f(&draws[i])
		}
		out = append(out, row)
	}
	return out
}

// Pooled returns post warm-up draws of column col across good chains
func (r *Result) Pooled(col int) []float64 {
	var out []float64
	for _, row := range r.Table(col) {
		out = append(out, row...)
	}
	return out
}

// LogLik returns the pooled pointwise log likelihood as a draws x
// observations matrix
func (r *Result) LogLik() [][]float64 {
	var out [][]float64
	for _, c := range r.Good() {
		for _, d := range c.Sampling() {
			if d.LogLik != nil {
				out = append(out, d.LogLik)
			}
		}
	}
	return out
}

// Divergences is the post warm-up divergence count over good chains
func (r *Result) Divergences() int {
	n := 0
	for _, c := range r.Good() {
		n += c.Divergences
	}
	return n
}
