package diagnostics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/CraigKelly/nutsample/sampler"
)

// Policy holds the thresholds Check flags against
type Policy struct {
	MaxRhat  float64 `yaml:"max_rhat" validate:"gt=1"`
	MinESS   float64 `yaml:"min_ess" validate:"min=0"`
	MinEBFMI float64 `yaml:"min_ebfmi" validate:"min=0"`
}

// DefaultPolicy flags R-hat over 1.01, bulk or tail ESS under 400 and
// E-BFMI under 0.3
func DefaultPolicy() Policy {
	return Policy{MaxRhat: 1.01, MinESS: 400, MinEBFMI: 0.3}
}

// MaxWarmupDrift flags a chain whose log density was still moving by more
// than this many standard deviations when warm-up ended
const MaxWarmupDrift = 2.0

// A Warning is a non-fatal finding about a run
type Warning interface {
	fmt.Stringer
	warning()
}

// DivergenceWarning is raised for a chain with post warm-up divergences
type DivergenceWarning struct {
	Chain int
	Count int
	Draws int
}

// ConvergenceWarning is raised for a parameter whose chains disagree or mix
// too slowly
type ConvergenceWarning struct {
	Param   string
	Rhat    float64
	ESSBulk float64
	ESSTail float64
}

// TreeDepthWarning is raised for a chain that hit the tree depth limit
type TreeDepthWarning struct {
	Chain    int
	Count    int
	MaxDepth int
}

// EnergyWarning is raised for a chain with low E-BFMI
type EnergyWarning struct {
	Chain int
	EBFMI float64
}

// DriftWarning is raised for a chain that had not settled by the end of
// warm-up
type DriftWarning struct {
	Chain int
	Drift float64
}

// FailedChainWarning reports a chain that stopped with an error. Its draws
// are left out of every statistic.
type FailedChainWarning struct {
	Chain int
	Err   *sampler.SamplerError
}

func (DivergenceWarning) warning()  {}
func (ConvergenceWarning) warning() {}
func (TreeDepthWarning) warning()   {}
func (EnergyWarning) warning()      {}
func (DriftWarning) warning()       {}
func (FailedChainWarning) warning() {}

func (w DivergenceWarning) String() string {
	return fmt.Sprintf("chain %d: %d of %d post warm-up transitions diverged", w.Chain, w.Count, w.Draws)
}

func (w ConvergenceWarning) String() string {
	return fmt.Sprintf("%s: not converged (rhat %.3f, bulk ESS %.0f, tail ESS %.0f)", w.Param, w.Rhat, w.ESSBulk, w.ESSTail)
}

func (w TreeDepthWarning) String() string {
	return fmt.Sprintf("chain %d: %d transitions hit the maximum tree depth %d", w.Chain, w.Count, w.MaxDepth)
}

func (w EnergyWarning) String() string {
	return fmt.Sprintf("chain %d: E-BFMI %.3f is low", w.Chain, w.EBFMI)
}

func (w DriftWarning) String() string {
	return fmt.Sprintf("chain %d: log density drifted %.1f standard deviations at the end of warm-up", w.Chain, w.Drift)
}

func (w FailedChainWarning) String() string {
	return fmt.Sprintf("chain %d failed: %v", w.Chain, w.Err)
}

// Param holds the convergence statistics of one column
type Param struct {
	Name      string
	Rhat      float64
	ESSBulk   float64
	ESSTail   float64
	MCSE      float64
	Converged bool
}

// Report is everything Check found. Warnings are in the order: failed
// chains, divergences, tree depth, energy, warm-up drift, then parameters.
type Report struct {
	Params   []Param
	EBFMI    map[int]float64 // by chain id, good chains only
	Warnings []Warning
}

// Converged is true when no parameter was flagged
func (r *Report) Converged() bool {
	for _, p := range r.Params {
		if !p.Converged {
			return false
		}
	}
	return true
}

// Divergent is true when any chain diverged after warm-up
func (r *Report) Divergent() bool {
	for _, w := range r.Warnings {
		if _, ok := w.(DivergenceWarning); ok {
			return true
		}
	}
	return false
}

// Check computes per-parameter diagnostics and collects warnings for res.
// Nothing here is fatal: the caller decides what to trust.
func Check(res *sampler.Result, policy Policy) *Report {
	r := &Report{EBFMI: make(map[int]float64)}

	for _, c := range res.Failed() {
		r.Warnings = append(r.Warnings, FailedChainWarning{Chain: c.ID, Err: c.Err})
	}

	good := res.Good()
	for _, c := range good {
		if c.Divergences > 0 {
			draws := c.Iterations - res.Config.Warmup
			if draws < 0 {
				draws = 0
			}
			r.Warnings = append(r.Warnings, DivergenceWarning{Chain: c.ID, Count: c.Divergences, Draws: draws})
		}
	}
	for _, c := range good {
		if c.MaxDepthHit > 0 {
			r.Warnings = append(r.Warnings, TreeDepthWarning{Chain: c.ID, Count: c.MaxDepthHit, MaxDepth: res.Config.MaxTreeDepth})
		}
	}

	energy := res.StatTable(func(s sampler.Stats) float64 { return s.Energy })
	for i, c := range good {
		e := EBFMI(energy[i])
		if math.IsNaN(e) {
			continue
		}
		r.EBFMI[c.ID] = e
		if e < policy.MinEBFMI {
			r.Warnings = append(r.Warnings, EnergyWarning{Chain: c.ID, EBFMI: e})
		}
	}

	for _, c := range good {
		if math.Abs(c.WarmupDrift) > MaxWarmupDrift {
			r.Warnings = append(r.Warnings, DriftWarning{Chain: c.ID, Drift: c.WarmupDrift})
		}
	}

	for col, name := range res.Names {
		table := res.Table(col)
		p := Param{
			Name:    name,
			Rhat:    RankRhat(table),
			ESSBulk: ESSBulk(table),
			ESSTail: ESSTail(table),
			MCSE:    MCSEMean(table),
		}
		p.Converged = !(p.Rhat > policy.MaxRhat) && !(math.Min(p.ESSBulk, p.ESSTail) < policy.MinESS)
		if !p.Converged {
			r.Warnings = append(r.Warnings, ConvergenceWarning{Param: name, Rhat: p.Rhat, ESSBulk: p.ESSBulk, ESSTail: p.ESSTail})
		}
		r.Params = append(r.Params, p)
	}
	return r
}

// EBFMI is the energy Bayesian fraction of missing information of one
// chain's energy trace. Values under 0.3 suggest the momentum resampling
// cannot keep up with the energy distribution.
func EBFMI(energy []float64) float64 {
	if len(energy) < 2 {
		return math.NaN()
	}
	mean := stat.Mean(energy, nil)

	num, den := 0.0, 0.0
	for i, e := range energy {
		den += (e - mean) * (e - mean)
		if i > 0 {
			d := e - energy[i-1]
			num += d * d
		}
	}
	if den == 0 {
		return math.NaN()
	}
	return num / den
}
