package summary

import (
	"bytes"
	"math"
	mrand "math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CraigKelly/nutsample/sampler"
)

func result(names []string, chains ...[][]float64) *sampler.Result {
	res := &sampler.Result{Names: names, Config: sampler.DefaultConfig()}
	for id, cols := range chains {
		c := &sampler.Chain{ID: id, Phase: sampler.PhaseDone}
		for i := range cols[0] {
			d := sampler.Draw{Iteration: i, Values: make([]float64, len(names))}
			for col := range names {
				d.Values[col] = cols[col][i]
			}
			c.Draws = append(c.Draws, d)
		}
		res.Chains = append(res.Chains, c)
	}
	return res
}

func TestSummarize(t *testing.T) {
	assert := assert.New(t)

	r := mrand.New(mrand.NewPCG(5, 5))
	var chains [][][]float64
	for c := 0; c < 4; c++ {
		a := make([]float64, 1000)
		b := make([]float64, 1000)
		for i := range a {
			a[i] = 2 + 0.5*r.NormFloat64()
			b[i] = float64(i % 5) // 0..4 uniform
		}
		chains = append(chains, [][]float64{a, b})
	}
	res := result([]string{"a", "b"}, chains...)

	s, err := Summarize(res, 0.1, 0.5, 0.9)
	assert.NoError(err)
	assert.Equal(4000, s.Draws)
	assert.Len(s.Rows, 2)

	a, ok := s.Row("a")
	assert.True(ok)
	assert.InDelta(2, a.Mean, 0.05)
	assert.InDelta(0.5, a.SD, 0.05)
	assert.InDelta(2-1.2816*0.5, a.Quantiles[0], 0.05)
	assert.Equal(a.Median, a.Quantiles[1])
	assert.InDelta(0.5/math.Sqrt(4000), a.MCSE, 0.003)
	assert.Less(a.Rhat, 1.01)
	assert.Greater(a.ESSBulk, 3000.0)

	b, _ := s.Row("b")
	assert.Equal(2.0, b.Mean)
	assert.Equal(2.0, b.Median)
	assert.Equal([]float64{0, 2, 4}, b.Quantiles)

	_, ok = s.Row("missing")
	assert.False(ok)

	var buf bytes.Buffer
	assert.NoError(s.Write(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(lines, 3)
	assert.Contains(lines[0], "10%")
	assert.Contains(lines[0], "rhat")
	assert.True(strings.HasPrefix(strings.TrimSpace(lines[1]), "a"))
}

func TestSummarizeErrors(t *testing.T) {
	assert := assert.New(t)

	res := result([]string{"x"}, [][]float64{{1, 2, 3, 4, 5, 6}})
	s, err := Summarize(res)
	assert.NoError(err)
	assert.Equal(DefaultProbs, s.Probs)
	assert.Len(s.Rows[0].Quantiles, 2)

	_, err = Summarize(res, 1.5)
	assert.Error(err)

	res.Chains[0].Err = &sampler.SamplerError{Reason: "boom"}
	_, err = Summarize(res)
	assert.Error(err)
}

func TestIntervalCentral(t *testing.T) {
	assert := assert.New(t)

	x := make([]float64, 101)
	for i := range x {
		x[len(x)-1-i] = float64(i) // reversed on purpose
	}
	lo, hi, err := Interval(x, 0.9, Central)
	assert.NoError(err)
	assert.InDelta(5, lo, 1e-12)
	assert.InDelta(95, hi, 1e-12)
	assert.Equal(100.0, x[0]) // input is untouched
}

func TestIntervalHDI(t *testing.T) {
	assert := assert.New(t)

	// exponential draws: the HDI hugs zero and is narrower than the
	// central interval
	r := mrand.New(mrand.NewPCG(8, 1))
	x := make([]float64, 5000)
	for i := range x {
		x[i] = r.ExpFloat64()
	}
	clo, chi, err := Interval(x, 0.9, Central)
	assert.NoError(err)
	hlo, hhi, err := Interval(x, 0.9, HDI)
	assert.NoError(err)

	assert.Less(hhi-hlo, chi-clo)
	assert.Less(hlo, 0.01)
	assert.InDelta(math.Log(10), hhi, 0.15)

	n := 0
	for _, v := range x {
		if v >= hlo && v <= hhi {
			n++
		}
	}
	assert.Equal(4500, n)

	// tiny sample: the whole set
	lo, hi, err := Interval([]float64{3, 1, 2}, 0.99, HDI)
	assert.NoError(err)
	assert.Equal(1.0, lo)
	assert.Equal(3.0, hi)

	_, _, err = Interval(x, 1, HDI)
	assert.Error(err)
	_, _, err = Interval(nil, 0.5, Central)
	assert.Error(err)

	assert.Equal("hdi", HDI.String())
	assert.Equal("central", Central.String())
}
