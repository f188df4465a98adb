package dist

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

// simplexTol is how far a Dirichlet value may drift from summing to one.
const simplexTol = 1e-8

func at(v []float64, i int) float64 {
	if len(v) == 1 {
		return v[0]
	}
	return v[i]
}

// Sum returns the summed log density of ys. Each params[j] has length 1
// (shared by every observation) or len(ys) (one value per observation).
func (k Kind) Sum(ys []float64, params [][]float64) float64 {
	return k.SumGrad(ys, params, nil, nil)
}

// SumGrad is Sum plus gradients. Derivatives with respect to ys accumulate
// into dys and derivatives with respect to params[j] accumulate into
// dparams[j], which must match the shape of params[j]. Either may be nil.
func (k Kind) SumGrad(ys []float64, params [][]float64, dys []float64, dparams [][]float64) float64 {
	np := k.NumParams()
	if len(params) != np {
		return math.NaN()
	}
	p := make([]float64, np)
	var dp []float64
	if dparams != nil {
		dp = make([]float64, np)
	}

	total := 0.0
	for i, y := range ys {
		for j := 0; j < np; j++ {
			p[j] = at(params[j], i)
		}
		lp, dy := k.eval(y, p, dp)
		if math.IsInf(lp, -1) {
			return lp
		}
		total += lp
		if dys != nil {
			dys[i] += dy
		}
		for j := range dparams {
			if len(dparams[j]) == 1 {
				dparams[j][0] += dp[j]
			} else {
				dparams[j][i] += dp[j]
			}
		}
	}
	return total
}

// DirichletLogProb returns log Dir(x | alpha). alpha has length 1 (symmetric)
// or len(x). Gradients accumulate into dx and dalpha when they are non-nil.
func DirichletLogProb(x, alpha, dx, dalpha []float64) float64 {
	negInf := math.Inf(-1)
	if len(x) < 2 || (len(alpha) != 1 && len(alpha) != len(x)) {
		return math.NaN()
	}

	var sumX, sumA float64
	for i, v := range x {
		a := at(alpha, i)
		if !(v > 0) || !(a > 0) || math.IsInf(a, 0) {
			return negInf
		}
		sumX += v
		sumA += a
	}
	if math.Abs(sumX-1) > simplexTol {
		return negInf
	}

	lp := lgamma(sumA)
	dSum := mathext.Digamma(sumA)
	for i, v := range x {
		a := at(alpha, i)
		lx := math.Log(v)
		lp += (a-1)*lx - lgamma(a)
		if dx != nil {
			dx[i] += (a - 1) / v
		}
		if dalpha != nil {
			d := dSum - mathext.Digamma(a) + lx
			if len(dalpha) == 1 {
				dalpha[0] += d
			} else {
				dalpha[i] += d
			}
		}
	}
	return lp
}
