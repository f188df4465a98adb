package diagnostics

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// ESS is the effective sample size of the mean over split chains, with the
// autocorrelation sum truncated by Geyer's initial monotone sequence.
func ESS(chains [][]float64) float64 {
	return ess(split(chains))
}

// ESSBulk is ESS of the rank-normalized draws. It is well defined for
// heavy tails and measures how well the center of the distribution is
// explored.
func ESSBulk(chains [][]float64) float64 {
	s := split(chains)
	if s == nil {
		return math.NaN()
	}
	return ess(rankNormalize(s))
}

// ESSTail is the smaller effective sample size of the 5% and 95% quantile
// indicators.
func ESSTail(chains [][]float64) float64 {
	s := split(chains)
	if s == nil {
		return math.NaN()
	}
	all := sortedPool(s)
	lo := ess(indicator(s, Quantile(all, 0.05)))
	hi := ess(indicator(s, Quantile(all, 0.95)))
	return math.Min(lo, hi)
}

// MCSEMean is the Monte Carlo standard error of the posterior mean
func MCSEMean(chains [][]float64) float64 {
	chains = truncate(chains)
	var all []float64
	for _, c := range chains {
		all = append(all, c...)
	}
	if len(all) < 2 {
		return math.NaN()
	}
	return stat.StdDev(all, nil) / math.Sqrt(ESS(chains))
}

func indicator(chains [][]float64, cut float64) [][]float64 {
	out := make([][]float64, len(chains))
	for i, c := range chains {
		out[i] = make([]float64, len(c))
		for j, v := range c {
			if v <= cut {
				out[i][j] = 1
			}
		}
	}
	return out
}

// ess works on chains that are already split
func ess(chains [][]float64) float64 {
	m := len(chains)
	if m == 0 || len(chains[0]) < 2 {
		return math.NaN()
	}
	n := len(chains[0])
	fn := float64(n)

	acov := make([][]float64, m)
	means := make([]float64, m)
	meanVar := 0.0
	for i, c := range chains {
		acov[i] = autocov(c)
		means[i] = stat.Mean(c, nil)
		meanVar += acov[i][0] * fn / (fn - 1)
	}
	meanVar /= float64(m)

	varPlus := meanVar * (fn - 1) / fn
	if m > 1 {
		varPlus += stat.Variance(means, nil)
	}
	if !(varPlus > 0) {
		return math.NaN()
	}

	lag := func(t int) float64 {
		s := 0.0
		for i := range acov {
			s += acov[i][t]
		}
		return s / float64(m)
	}

	rho := make([]float64, n)
	rho[0] = 1
	rhoEven, rhoOdd := 1.0, 1-(meanVar-lag(1))/varPlus
	rho[1] = rhoOdd

	// Geyer's initial positive sequence
	t := 1
	for t < n-3 && rhoEven+rhoOdd > 0 {
		rhoEven = 1 - (meanVar-lag(t+1))/varPlus
		rhoOdd = 1 - (meanVar-lag(t+2))/varPlus
		if rhoEven+rhoOdd >= 0 {
			rho[t+1] = rhoEven
			rho[t+2] = rhoOdd
		}
		t += 2
	}
	maxT := t - 2
	if rhoEven > 0 {
		rho[maxT+1] = rhoEven
	}

	// Geyer's initial monotone sequence
	for t = 1; t <= maxT-2; t += 2 {
		if rho[t+1]+rho[t+2] > rho[t-1]+rho[t] {
			rho[t+1] = (rho[t-1] + rho[t]) / 2
			rho[t+2] = rho[t+1]
		}
	}

	total := float64(m * n)
	tau := -1.0
	for _, r := range rho[:maxT+1] {
		tau += 2 * r
	}
	tau += rho[maxT+1]
	tau = math.Max(tau, 1/math.Log10(total))
	return total / tau
}

// autocov is the biased (divide by n) autocovariance of x at every lag,
// computed by FFT over a zero padded copy.
func autocov(x []float64) []float64 {
	n := len(x)
	mean := stat.Mean(x, nil)

	padded := make([]float64, 2*n)
	var0 := 0.0
	for i, v := range x {
		padded[i] = v - mean
		var0 += padded[i] * padded[i]
	}
	var0 /= float64(n)

	fft := fourier.NewFFT(len(padded))
	coeff := fft.Coefficients(nil, padded)
	for i, c := range coeff {
		re, im := real(c), imag(c)
		coeff[i] = complex(re*re+im*im, 0)
	}
	ac := fft.Sequence(nil, coeff)

	out := make([]float64, n)
	if !(ac[0] > 0) {
		return out
	}
	scale := var0 / ac[0]
	for i := range out {
		out[i] = ac[i] * scale
	}
	return out
}
