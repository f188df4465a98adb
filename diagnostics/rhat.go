// Package diagnostics judges whether a set of chains can be trusted: split
// R-hat, effective sample size, Monte Carlo error and energy diagnostics.
//
// Every function takes a chains x draws table, as returned by
// sampler.Result.Table. Chains of unequal length (a cancelled run) are
// truncated to the shortest one.
package diagnostics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// minDraws is the shortest chain any statistic is computed for. Shorter
// input gives NaN.
const minDraws = 4

// truncate cuts every chain to the shortest length
func truncate(chains [][]float64) [][]float64 {
	if len(chains) == 0 {
		return nil
	}
	n := len(chains[0])
	for _, c := range chains[1:] {
		if len(c) < n {
			n = len(c)
		}
	}
	out := make([][]float64, len(chains))
	for i, c := range chains {
		out[i] = c[:n]
	}
	return out
}

// split halves every chain; the middle draw of an odd chain is dropped
func split(chains [][]float64) [][]float64 {
	chains = truncate(chains)
	if len(chains) == 0 || len(chains[0]) < minDraws {
		return nil
	}
	n := len(chains[0])
	half := n / 2
	out := make([][]float64, 0, 2*len(chains))
	for _, c := range chains {
		out = append(out, c[:half], c[n-half:])
	}
	return out
}

// Rhat is the split-chain potential scale reduction factor. Values near 1
// mean the chains agree.
func Rhat(chains [][]float64) float64 {
	return rhat(split(chains))
}

// RankRhat is the maximum of the rank-normalized R-hat and the
// rank-normalized R-hat of the draws folded around their median. It catches
// chains that agree in location but not in scale.
func RankRhat(chains [][]float64) float64 {
	s := split(chains)
	if s == nil {
		return math.NaN()
	}
	bulk := rhat(rankNormalize(s))

	med := Quantile(sortedPool(s), 0.5)
	folded := make([][]float64, len(s))
	for i, c := range s {
		folded[i] = make([]float64, len(c))
		for j, v := range c {
			folded[i][j] = math.Abs(v - med)
		}
	}
	tail := rhat(rankNormalize(folded))
	if math.IsNaN(bulk) || math.IsNaN(tail) {
		return math.NaN()
	}
	return math.Max(bulk, tail)
}

// rhat works on chains that are already split
func rhat(chains [][]float64) float64 {
	m := len(chains)
	if m < 2 {
		return math.NaN()
	}
	n := float64(len(chains[0]))

	means := make([]float64, m)
	w := 0.0
	for i, c := range chains {
		mean, variance := stat.MeanVariance(c, nil)
		means[i] = mean
		w += variance
	}
	w /= float64(m)
	if !(w > 0) {
		return math.NaN()
	}
	b := n * stat.Variance(means, nil)

	varPlus := (n-1)/n*w + b/n
	return math.Sqrt(varPlus / w)
}

func sortedPool(chains [][]float64) []float64 {
	var all []float64
	for _, c := range chains {
		all = append(all, c...)
	}
	sort.Float64s(all)
	return all
}

// rankNormalize replaces every draw by the normal quantile of its fractional
// rank over all chains. Ties share their average rank.
func rankNormalize(chains [][]float64) [][]float64 {
	type item struct {
		v    float64
		c, i int
	}
	var all []item
	for c, row := range chains {
		for i, v := range row {
			all = append(all, item{v, c, i})
		}
	}
	sort.Slice(all, func(a, b int) bool { return all[a].v < all[b].v })

	out := make([][]float64, len(chains))
	for c, row := range chains {
		out[c] = make([]float64, len(row))
	}

	s := float64(len(all))
	for lo := 0; lo < len(all); {
		hi := lo + 1
		for hi < len(all) && all[hi].v == all[lo].v {
			hi++
		}
		rank := float64(lo+hi+1) / 2 // mean of the 1-based ranks lo+1..hi
		z := distuv.UnitNormal.Quantile((rank - 0.375) / (s + 0.25))
		for _, it := range all[lo:hi] {
			out[it.c][it.i] = z
		}
		lo = hi
	}
	return out
}

// Quantile is the type 7 (linear interpolation between order statistics)
// quantile of sorted.
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	if lo < 0 {
		return sorted[0]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}
