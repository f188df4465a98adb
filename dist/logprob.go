package dist

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

const (
	logSqrt2Pi = 0.91893853320467274178 // log(sqrt(2*pi))
	logPi      = 1.14472988584940017414
	log2       = math.Ln2
)

// LogProb returns log p(y | params). Values outside the support, and free
// parameters outside their domain, give -Inf.
func (k Kind) LogProb(y float64, params ...float64) float64 {
	lp, _ := k.eval(y, params, nil)
	return lp
}

// Grad returns log p(y | params) and d/dy, and writes d/dparam_i into
// dparams, which must have length NumParams. All derivatives are zero when
// the density is zero. For discrete families d/dy is zero.
func (k Kind) Grad(y float64, params, dparams []float64) (lp, dy float64) {
	return k.eval(y, params, dparams)
}

func (k Kind) eval(y float64, p, dp []float64) (lp, dy float64) {
	lp, dy = k.evalRaw(y, p, dp)
	if math.IsNaN(lp) || math.IsInf(lp, 0) {
		lp = math.Inf(-1)
		dy = 0
		for i := range dp {
			dp[i] = 0
		}
	}
	return lp, dy
}

func (k Kind) evalRaw(y float64, p, dp []float64) (float64, float64) {
	negInf := math.Inf(-1)
	if !k.Valid() || k == Dirichlet || len(p) != k.NumParams() {
		return math.NaN(), 0
	}
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return negInf, 0
	}
	for i, v := range p {
		if !catalog[k].domain[i].Contains(v) {
			return negInf, 0
		}
	}
	if k.Discrete() && y != math.Trunc(y) {
		return negInf, 0
	}

	set := func(i int, v float64) {
		if dp != nil {
			dp[i] = v
		}
	}

	switch k {
	case Normal:
		mu, s := p[0], p[1]
		z := (y - mu) / s
		set(0, z/s)
		set(1, (z*z-1)/s)
		return -0.5*z*z - math.Log(s) - logSqrt2Pi, -z / s

	case StudentT:
		nu, mu, s := p[0], p[1], p[2]
		z := (y - mu) / s
		z2 := z * z
		lp := lgamma((nu+1)/2) - lgamma(nu/2) - 0.5*math.Log(nu*math.Pi) - math.Log(s) - (nu+1)/2*math.Log1p(z2/nu)
		dy := -(nu + 1) * z / (s * (nu + z2))
		set(0, 0.5*(mathext.Digamma((nu+1)/2)-mathext.Digamma(nu/2)-1/nu-math.Log1p(z2/nu)+(nu+1)*z2/(nu*(nu+z2))))
		set(1, -dy)
		set(2, -1/s+(nu+1)*z2/(s*(nu+z2)))
		return lp, dy

	case Cauchy:
		mu, s := p[0], p[1]
		z := (y - mu) / s
		dy := -2 * z / (s * (1 + z*z))
		set(0, -dy)
		set(1, -1/s+2*z*z/(s*(1+z*z)))
		return -logPi - math.Log(s) - math.Log1p(z*z), dy

	case HalfNormal:
		s := p[0]
		if y < 0 {
			return negInf, 0
		}
		z := y / s
		set(0, -1/s+z*z/s)
		return log2 - logSqrt2Pi - math.Log(s) - 0.5*z*z, -y / (s * s)

	case HalfCauchy:
		s := p[0]
		if y < 0 {
			return negInf, 0
		}
		d := s*s + y*y
		set(0, -1/s+2*y*y/(s*d))
		return log2 - logPi - math.Log(s) - math.Log1p((y/s)*(y/s)), -2 * y / d

	case Exponential:
		r := p[0]
		if y < 0 {
			return negInf, 0
		}
		set(0, 1/r-y)
		return math.Log(r) - r*y, -r

	case Gamma:
		a, b := p[0], p[1]
		if y <= 0 {
			return negInf, 0
		}
		ly := math.Log(y)
		set(0, math.Log(b)-mathext.Digamma(a)+ly)
		set(1, a/b-y)
		return a*math.Log(b) - lgamma(a) + (a-1)*ly - b*y, (a-1)/y - b

	case InvGamma:
		a, b := p[0], p[1]
		if y <= 0 {
			return negInf, 0
		}
		ly := math.Log(y)
		set(0, math.Log(b)-mathext.Digamma(a)-ly)
		set(1, a/b-1/y)
		return a*math.Log(b) - lgamma(a) - (a+1)*ly - b/y, -(a+1)/y + b/(y*y)

	case LogNormal:
		mu, s := p[0], p[1]
		if y <= 0 {
			return negInf, 0
		}
		ly := math.Log(y)
		z := (ly - mu) / s
		set(0, z/s)
		set(1, (z*z-1)/s)
		return -0.5*z*z - math.Log(s) - logSqrt2Pi - ly, -(z/s + 1) / y

	case Beta:
		a, b := p[0], p[1]
		if y <= 0 || y >= 1 {
			return negInf, 0
		}
		ly, l1y := math.Log(y), math.Log1p(-y)
		dab := mathext.Digamma(a + b)
		set(0, dab-mathext.Digamma(a)+ly)
		set(1, dab-mathext.Digamma(b)+l1y)
		return lgamma(a+b) - lgamma(a) - lgamma(b) + (a-1)*ly + (b-1)*l1y, (a-1)/y - (b-1)/(1-y)

	case Uniform:
		lo, hi := p[0], p[1]
		if hi <= lo || y < lo || y > hi {
			return negInf, 0
		}
		w := hi - lo
		set(0, 1/w)
		set(1, -1/w)
		return -math.Log(w), 0

	case Bernoulli:
		th := p[0]
		switch y {
		case 1:
			set(0, 1/th)
			return math.Log(th), 0
		case 0:
			set(0, -1/(1-th))
			return math.Log1p(-th), 0
		}
		return negInf, 0

	case BernoulliLogit:
		a := p[0]
		if y != 0 && y != 1 {
			return negInf, 0
		}
		set(0, y-InvLogit(a))
		return y*a - Log1pExp(a), 0

	case Binomial:
		n, th := p[0], p[1]
		if y < 0 || y > n {
			return negInf, 0
		}
		lp := lchoose(n, y) + xlogy(y, th) + xlogy(n-y, 1-th)
		var d float64
		if y > 0 {
			d += y / th
		}
		if n-y > 0 {
			d -= (n - y) / (1 - th)
		}
		set(0, 0)
		set(1, d)
		return lp, 0

	case BinomialLogit:
		n, a := p[0], p[1]
		if y < 0 || y > n {
			return negInf, 0
		}
		set(0, 0)
		set(1, y-n*InvLogit(a))
		return lchoose(n, y) + y*a - n*Log1pExp(a), 0

	case Poisson:
		lam := p[0]
		if y < 0 {
			return negInf, 0
		}
		set(0, y/lam-1)
		return xlogy(y, lam) - lam - lgamma(y+1), 0

	case PoissonLog:
		eta := p[0]
		if y < 0 {
			return negInf, 0
		}
		e := math.Exp(eta)
		set(0, y-e)
		return y*eta - e - lgamma(y+1), 0
	}

	return math.NaN(), 0
}

// InvLogit is the logistic function, computed without overflow.
func InvLogit(a float64) float64 {
	if a >= 0 {
		return 1 / (1 + math.Exp(-a))
	}
	e := math.Exp(a)
	return e / (1 + e)
}

// Logit is the inverse of InvLogit.
func Logit(p float64) float64 {
	return math.Log(p) - math.Log1p(-p)
}

// Log1pExp computes log(1 + exp(a)) without overflow.
func Log1pExp(a float64) float64 {
	if a > 0 {
		return a + math.Log1p(math.Exp(-a))
	}
	return math.Log1p(math.Exp(a))
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

func lchoose(n, k float64) float64 {
	return lgamma(n+1) - lgamma(k+1) - lgamma(n-k+1)
}

// xlogy is x*log(y) with the convention 0*log(0) = 0.
func xlogy(x, y float64) float64 {
	if x == 0 {
		return 0
	}
	return x * math.Log(y)
}
