// Package compare estimates out-of-sample predictive accuracy from the
// pointwise log likelihood of posterior draws: WAIC, PSIS-LOO and the
// differences between models.
package compare

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/CraigKelly/nutsample/diagnostics"
	"github.com/CraigKelly/nutsample/sampler"
)

// Method names an information criterion
type Method string

// Supported methods
const (
	MethodWAIC Method = "waic"
	MethodLOO  Method = "loo"
)

// WAICThreshold flags observations whose WAIC penalty is too large for the
// approximation to be trusted
const WAICThreshold = 0.4

// DefaultKThreshold flags observations whose Pareto shape makes the
// smoothed importance weights unreliable
const DefaultKThreshold = 0.7

// Estimate is the expected log pointwise predictive density of one model
type Estimate struct {
	Method Method
	N      int // observations
	S      int // draws

	ELPD float64
	P    float64 // effective number of parameters
	IC   float64 // -2 ELPD
	SE   float64

	Pointwise []float64 // elpd_i
	PointP    []float64 // p_i
	K         []float64 // Pareto shape per observation, LOO only
	Flagged   []int     // observations over the method's threshold
}

// Reliable is true when no observation was flagged
func (e *Estimate) Reliable() bool {
	return len(e.Flagged) == 0
}

func checkLogLik(ll [][]float64) (s, n int, err error) {
	s = len(ll)
	if s < 2 {
		return 0, 0, errors.Errorf("Need at least 2 draws of the log likelihood, got %d", s)
	}
	n = len(ll[0])
	if n == 0 {
		return 0, 0, errors.New("Log likelihood has no observations")
	}
	for i, row := range ll {
		if len(row) != n {
			return 0, 0, errors.Errorf("Draw %d has %d observations, expected %d", i, len(row), n)
		}
	}
	return s, n, nil
}

// column copies observation i out of the draws x observations matrix
func column(ll [][]float64, i int, dst []float64) []float64 {
	for s, row := range ll {
		dst[s] = row[i]
	}
	return dst
}

// lppd is logsumexp over draws less log S
func lppd(col []float64) float64 {
	return floats.LogSumExp(col) - math.Log(float64(len(col)))
}

func (e *Estimate) total() {
	e.ELPD = floats.Sum(e.Pointwise)
	e.P = floats.Sum(e.PointP)
	e.IC = -2 * e.ELPD
	e.SE = math.Sqrt(float64(e.N) * stat.PopVariance(e.Pointwise, nil))
}

// WAIC is the widely applicable information criterion of a draws x
// observations log likelihood matrix
func WAIC(ll [][]float64) (*Estimate, error) {
	s, n, err := checkLogLik(ll)
	if err != nil {
		return nil, err
	}

	e := &Estimate{Method: MethodWAIC, N: n, S: s, Pointwise: make([]float64, n), PointP: make([]float64, n)}
	col := make([]float64, s)
	for i := 0; i < n; i++ {
		column(ll, i, col)
		p := stat.Variance(col, nil)
		e.PointP[i] = p
		e.Pointwise[i] = lppd(col) - p
		if p > WAICThreshold {
			e.Flagged = append(e.Flagged, i)
		}
	}
	e.total()
	return e, nil
}

// LOOOptions tune LOO. The zero value uses the defaults.
type LOOOptions struct {
	// KThreshold flags observations with a larger Pareto shape (default 0.7)
	KThreshold float64
	// REff is the relative efficiency of each observation's likelihood
	// draws; nil treats the draws as independent
	REff []float64
}

// LOO is Pareto smoothed importance sampling leave-one-out cross
// validation of a draws x observations log likelihood matrix
func LOO(ll [][]float64, opts LOOOptions) (*Estimate, error) {
	s, n, err := checkLogLik(ll)
	if err != nil {
		return nil, err
	}
	if opts.KThreshold <= 0 {
		opts.KThreshold = DefaultKThreshold
	}
	if opts.REff != nil && len(opts.REff) != n {
		return nil, errors.Errorf("Have %d relative efficiencies for %d observations", len(opts.REff), n)
	}

	e := &Estimate{
		Method:    MethodLOO,
		N:         n,
		S:         s,
		Pointwise: make([]float64, n),
		PointP:    make([]float64, n),
		K:         make([]float64, n),
	}
	col := make([]float64, s)
	lw := make([]float64, s)
	for i := 0; i < n; i++ {
		column(ll, i, col)
		for j, v := range col {
			lw[j] = -v
		}
		reff := 1.0
		if opts.REff != nil {
			reff = opts.REff[i]
		}
		k := psis(lw, reff)
		e.K[i] = k
		if k > opts.KThreshold {
			e.Flagged = append(e.Flagged, i)
		}

		for j := range lw {
			lw[j] += col[j]
		}
		e.Pointwise[i] = floats.LogSumExp(lw)
		e.PointP[i] = lppd(col) - e.Pointwise[i]
	}
	e.total()
	return e, nil
}

// REff estimates the relative efficiency of each observation's likelihood
// draws from the chain structure of a run: the ESS of exp(ll) over the
// number of draws.
func REff(res *sampler.Result) []float64 {
	good := res.Good()
	if len(good) == 0 || res.Observations == 0 {
		return nil
	}
	out := make([]float64, res.Observations)
	for i := range out {
		var table [][]float64
		n := -1
		for _, c := range good {
			var row []float64
			for _, d := range c.Sampling() {
				if d.LogLik != nil {
					row = append(row, math.Exp(d.LogLik[i]))
				}
			}
			table = append(table, row)
			if n < 0 || len(row) < n {
				n = len(row)
			}
		}
		// ESS works on chains cut to a common length, so the draw count
		// must too
		for j := range table {
			table[j] = table[j][:n]
		}
		r := diagnostics.ESS(table) / float64(n*len(table))
		if math.IsNaN(r) || r <= 0 {
			r = 1
		}
		out[i] = r
	}
	return out
}

// Difference is the elpd of one model less another's
type Difference struct {
	ELPD float64
	SE   float64
}

// Compare returns elpd(a) - elpd(b) and the standard error of the
// difference. Both must be the same method on the same observations. No
// decision threshold is applied.
func Compare(a, b *Estimate) (Difference, error) {
	if a.Method != b.Method {
		return Difference{}, errors.Errorf("Cannot compare %s with %s", a.Method, b.Method)
	}
	if a.N != b.N {
		return Difference{}, errors.Errorf("Models have %d and %d observations", a.N, b.N)
	}
	diff := make([]float64, a.N)
	floats.SubTo(diff, a.Pointwise, b.Pointwise)
	return Difference{
		ELPD: a.ELPD - b.ELPD,
		SE:   math.Sqrt(float64(a.N) * stat.PopVariance(diff, nil)),
	}, nil
}

// Named pairs an estimate with its model's name
type Named struct {
	Name     string
	Estimate *Estimate
}

// Ranked is one row of Rank's table
type Ranked struct {
	Name string
	*Estimate
	Diff Difference // relative to the best model; zero for the best
}

// Rank orders models by elpd, best first, with each difference taken
// against the best model
func Rank(models ...Named) ([]Ranked, error) {
	if len(models) == 0 {
		return nil, errors.New("Nothing to rank")
	}
	out := make([]Ranked, len(models))
	for i, m := range models {
		if m.Estimate == nil {
			return nil, errors.Errorf("Model %s has no estimate", m.Name)
		}
		out[i] = Ranked{Name: m.Name, Estimate: m.Estimate}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ELPD > out[j].ELPD })

	for i := 1; i < len(out); i++ {
		d, err := Compare(out[i].Estimate, out[0].Estimate)
		if err != nil {
			return nil, errors.Wrapf(err, "Could not compare %s to %s", out[i].Name, out[0].Name)
		}
		out[i].Diff = d
	}
	return out, nil
}
