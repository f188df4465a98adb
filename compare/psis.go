package compare

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// psis smooths the log importance ratios lr in place and normalizes them so
// they logsumexp to zero. It returns the fitted Pareto shape of the upper
// tail: over 0.7 the smoothed weights are not reliable, and a tail too
// short to fit gives +Inf.
func psis(lr []float64, reff float64) float64 {
	s := len(lr)
	if reff <= 0 || math.IsNaN(reff) {
		reff = 1
	}

	mx := floats.Max(lr)
	for i := range lr {
		lr[i] -= mx
	}

	tailLen := int(math.Ceil(math.Min(0.2*float64(s), 3*math.Sqrt(float64(s)/reff))))
	if tailLen >= s {
		tailLen = s - 1
	}

	order := make([]int, s)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return lr[order[a]] < lr[order[b]] })

	k := math.Inf(1)
	if tailLen > 4 {
		// the tail is everything strictly above the cutoff draw
		cut := math.Max(lr[order[s-tailLen-1]], math.Log(math.SmallestNonzeroFloat64))
		expCut := math.Exp(cut)

		var tail []int
		for _, idx := range order[s-tailLen-1:] {
			if lr[idx] > cut {
				tail = append(tail, idx)
			}
		}

		if len(tail) > 4 {
			exceed := make([]float64, len(tail))
			for i, idx := range tail {
				exceed[i] = math.Exp(lr[idx]) - expCut
			}
			var sigma float64
			k, sigma = gpdFit(exceed)
			if !math.IsInf(k, 0) && !math.IsNaN(k) {
				n := float64(len(tail))
				for i, idx := range tail {
					p := (float64(i) + 0.5) / n
					lr[idx] = math.Log(gpdInv(p, k, sigma) + expCut)
				}
				// truncate at the largest raw ratio, which is zero after the shift
				for i := range lr {
					if lr[i] > 0 {
						lr[i] = 0
					}
				}
			}
		} else {
			k = math.Inf(1)
		}
	}

	norm := floats.LogSumExp(lr)
	for i := range lr {
		lr[i] -= norm
	}
	return k
}

// gpdFit estimates the generalized Pareto shape and scale of sorted,
// positive exceedances with Zhang and Stephens' profile posterior method,
// then shrinks the shape toward 0.5 with a weak prior.
func gpdFit(x []float64) (k, sigma float64) {
	const priorB, priorK = 3.0, 10.0

	n := len(x)
	fn := float64(n)
	m := 30 + int(math.Sqrt(fn))

	b := make([]float64, m)
	q := x[int(fn/4+0.5)-1]
	for j := range b {
		b[j] = 1 - math.Sqrt(float64(m)/(float64(j+1)-0.5))
		b[j] = b[j]/(priorB*q) + 1/x[n-1]
	}

	kHat := make([]float64, m)
	lx := make([]float64, m)
	for j, bj := range b {
		s := 0.0
		for _, v := range x {
			s += math.Log1p(-bj * v)
		}
		kHat[j] = s / fn
		lx[j] = fn * (math.Log(-bj/kHat[j]) - kHat[j] - 1)
	}

	w := make([]float64, m)
	for j := range w {
		s := 0.0
		for i := range lx {
			s += math.Exp(lx[i] - lx[j])
		}
		w[j] = 1 / s
	}

	bPost, wSum := 0.0, 0.0
	for j := range w {
		if w[j] < 10*epsilon || math.IsNaN(w[j]) {
			continue
		}
		bPost += b[j] * w[j]
		wSum += w[j]
	}
	bPost /= wSum

	k = 0.0
	for _, v := range x {
		k += math.Log1p(-bPost * v)
	}
	k /= fn
	sigma = -k / bPost
	k = (fn*k + priorK*0.5) / (fn + priorK)
	return k, sigma
}

const epsilon = 2.220446049250313e-16

// gpdInv is the generalized Pareto quantile function
func gpdInv(p, k, sigma float64) float64 {
	if sigma <= 0 {
		return math.NaN()
	}
	if math.Abs(k) < epsilon {
		return -sigma * math.Log1p(-p)
	}
	return sigma * math.Expm1(-k*math.Log1p(-p)) / k
}
