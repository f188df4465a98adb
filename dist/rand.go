package dist

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// Rand draws one variate from the family. Parameters are not validated: an
// out-of-domain parameter gives NaN.
func (k Kind) Rand(params []float64, src rand.Source) float64 {
	if !k.Valid() || len(params) != k.NumParams() {
		return math.NaN()
	}
	for i, v := range params {
		if !catalog[k].domain[i].Contains(v) {
			return math.NaN()
		}
	}
	p := params

	switch k {
	case Normal:
		return distuv.Normal{Mu: p[0], Sigma: p[1], Src: src}.Rand()
	case StudentT:
		return distuv.StudentsT{Nu: p[0], Mu: p[1], Sigma: p[2], Src: src}.Rand()
	case Cauchy:
		return distuv.StudentsT{Nu: 1, Mu: p[0], Sigma: p[1], Src: src}.Rand()
	case HalfNormal:
		return math.Abs(distuv.Normal{Mu: 0, Sigma: p[0], Src: src}.Rand())
	case HalfCauchy:
		return math.Abs(distuv.StudentsT{Nu: 1, Mu: 0, Sigma: p[0], Src: src}.Rand())
	case Exponential:
		return distuv.Exponential{Rate: p[0], Src: src}.Rand()
	case Gamma:
		return distuv.Gamma{Alpha: p[0], Beta: p[1], Src: src}.Rand()
	case InvGamma:
		return distuv.InverseGamma{Alpha: p[0], Beta: p[1], Src: src}.Rand()
	case LogNormal:
		return distuv.LogNormal{Mu: p[0], Sigma: p[1], Src: src}.Rand()
	case Beta:
		return distuv.Beta{Alpha: p[0], Beta: p[1], Src: src}.Rand()
	case Uniform:
		if p[1] <= p[0] {
			return math.NaN()
		}
		return distuv.Uniform{Min: p[0], Max: p[1], Src: src}.Rand()
	case Bernoulli:
		return distuv.Bernoulli{P: p[0], Src: src}.Rand()
	case BernoulliLogit:
		return distuv.Bernoulli{P: InvLogit(p[0]), Src: src}.Rand()
	case Binomial:
		return distuv.Binomial{N: p[0], P: p[1], Src: src}.Rand()
	case BinomialLogit:
		return distuv.Binomial{N: p[0], P: InvLogit(p[1]), Src: src}.Rand()
	case Poisson:
		return distuv.Poisson{Lambda: p[0], Src: src}.Rand()
	case PoissonLog:
		return distuv.Poisson{Lambda: math.Exp(p[0]), Src: src}.Rand()
	}

	return math.NaN()
}

// DirichletRand draws a point on the k-simplex. alpha has length 1
// (symmetric) or k.
func DirichletRand(alpha []float64, k int, src rand.Source) []float64 {
	a := make([]float64, k)
	for i := range a {
		a[i] = at(alpha, i)
	}
	return distmv.NewDirichlet(a, src).Rand(nil)
}
