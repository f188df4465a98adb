// Package density defines the log-density capability shared by models and
// the sampler. The sampler only ever sees these interfaces, so it does not
// care whether gradients are hand derived or produced some other way.
package density

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
)

// Gradient is a log density over R^n together with its exact gradient.
type Gradient interface {
	// Dim is the length of the unconstrained position vector.
	Dim() int
	// LogDensityGrad returns log p(q) up to a constant and writes the
	// gradient into grad. Zero mass is -Inf.
	LogDensityGrad(q, grad []float64) float64
}

// Evaluator is a Gradient that can also map positions back to the
// constrained parameter space and report per-observation log likelihood.
// An Evaluator may keep scratch space, so one is needed per chain.
type Evaluator interface {
	Gradient
	// Constrain writes the constrained parameter values for q into dst,
	// which has len(Names()).
	Constrain(q, dst []float64)
	// PointwiseLogLik writes log p(y_i | q) into dst, which has
	// Observations() entries.
	PointwiseLogLik(q, dst []float64)
}

// Posterior is what a sampler runs against.
type Posterior interface {
	Dim() int
	// Names labels the constrained columns written by Constrain.
	Names() []string
	// Observations is the number of pointwise log likelihood entries.
	Observations() int
	// NewEvaluator returns an Evaluator that is not shared with anyone else.
	NewEvaluator() Evaluator
}

// plain is a Posterior over R^n with an identity constraint and no data.
type plain struct {
	names []string
	f     func(q, grad []float64) float64
}

type plainEval struct {
	*plain
}

// Plain adapts a log density function over R^len(names) into a Posterior.
// The function must be safe for concurrent use.
func Plain(names []string, f func(q, grad []float64) float64) Posterior {
	return &plain{names: names, f: f}
}

func (p *plain) Dim() int                { return len(p.names) }
func (p *plain) Names() []string         { return p.names }
func (p *plain) Observations() int       { return 0 }
func (p *plain) NewEvaluator() Evaluator { return plainEval{p} }

func (p plainEval) LogDensityGrad(q, grad []float64) float64 { return p.f(q, grad) }
func (p plainEval) Constrain(q, dst []float64)               { copy(dst, q) }
func (p plainEval) PointwiseLogLik(q, dst []float64)         {}

// CheckGradient compares the analytic gradient of g at q with central
// differences of step h and returns the largest absolute discrepancy,
// scaled by max(1, |numeric|). Used by tests; never by the sampler.
func CheckGradient(g Gradient, q []float64, h float64) float64 {
	n := g.Dim()
	grad := make([]float64, n)
	scratch := make([]float64, n)
	g.LogDensityGrad(q, grad)

	f := func(x []float64) float64 { return g.LogDensityGrad(x, scratch) }
	num := fd.Gradient(nil, f, q, &fd.Settings{Formula: fd.Central, Step: h})

	worst := 0.0
	for i := range num {
		diff := math.Abs(num[i]-grad[i]) / math.Max(1, math.Abs(num[i]))
		if math.IsNaN(diff) {
			return math.Inf(1)
		}
		if diff > worst {
			worst = diff
		}
	}
	return worst
}
