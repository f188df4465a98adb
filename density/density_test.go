package density

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func quadratic() Posterior {
	return Plain([]string{"x", "y"}, func(q, grad []float64) float64 {
		grad[0] = -q[0]
		grad[1] = -4 * q[1]
		return -0.5*q[0]*q[0] - 2*q[1]*q[1]
	})
}

func TestPlain(t *testing.T) {
	assert := assert.New(t)

	p := quadratic()
	assert.Equal(2, p.Dim())
	assert.Equal([]string{"x", "y"}, p.Names())
	assert.Equal(0, p.Observations())

	e := p.NewEvaluator()
	assert.Equal(2, e.Dim())

	grad := make([]float64, 2)
	lp := e.LogDensityGrad([]float64{1, 1}, grad)
	assert.InDelta(-2.5, lp, 1e-12)
	assert.Equal([]float64{-1, -4}, grad)

	dst := make([]float64, 2)
	e.Constrain([]float64{3, 4}, dst)
	assert.Equal([]float64{3, 4}, dst)
}

func TestCheckGradient(t *testing.T) {
	assert := assert.New(t)

	good := quadratic().NewEvaluator()
	assert.True(CheckGradient(good, []float64{0.3, -1.2}, 1e-6) < 1e-6)

	bad := Plain([]string{"x"}, func(q, grad []float64) float64 {
		grad[0] = q[0] // wrong sign
		return -0.5 * q[0] * q[0]
	}).NewEvaluator()
	assert.True(CheckGradient(bad, []float64{1}, 1e-6) > 1)
}

func TestCheckGradientKeepsPosition(t *testing.T) {
	assert := assert.New(t)

	q := []float64{0.5, 2}
	assert.Less(CheckGradient(quadratic().NewEvaluator(), q, 1e-5), 1e-6)
	assert.Equal([]float64{0.5, 2}, q)

	nan := Plain([]string{"x"}, func(q, grad []float64) float64 {
		grad[0] = math.NaN()
		return 0
	}).NewEvaluator()
	assert.True(math.IsInf(CheckGradient(nan, []float64{1}, 1e-6), 1))
}
