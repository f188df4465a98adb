package sampler

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/CraigKelly/nutsample/rand"
)

// metric is the Euclidean kinetic energy 0.5 p' M^-1 p. Implementations
// store the inverse metric M^-1, which is what warm-up estimates.
type metric interface {
	// sampleMomentum writes p ~ N(0, M)
	sampleMomentum(gen *rand.Generator, p []float64)
	// velocity writes dK/dp = M^-1 p
	velocity(p, v []float64)
	kinetic(p []float64) float64
	// update replaces the inverse metric with the regularized estimate
	update(w *windowEstimator) error
	// inverse returns the inverse metric, diagonal or row-major dense
	inverse() []float64
}

func newMetric(kind MetricKind, dim int) metric {
	if kind == DenseMetric {
		return newDenseMetric(dim)
	}
	return newDiagMetric(dim)
}

type diagMetric struct {
	inv  []float64
	sqrt []float64 // 1/sqrt(inv), the momentum scale
}

func newDiagMetric(dim int) *diagMetric {
	d := &diagMetric{inv: make([]float64, dim), sqrt: make([]float64, dim)}
	for i := range d.inv {
		d.inv[i] = 1
		d.sqrt[i] = 1
	}
	return d
}

func (d *diagMetric) sampleMomentum(gen *rand.Generator, p []float64) {
	for i := range p {
		p[i] = gen.NormFloat64() * d.sqrt[i]
	}
}

func (d *diagMetric) velocity(p, v []float64) {
	for i := range p {
		v[i] = d.inv[i] * p[i]
	}
}

func (d *diagMetric) kinetic(p []float64) float64 {
	k := 0.0
	for i, v := range p {
		k += d.inv[i] * v * v
	}
	return 0.5 * k
}

func (d *diagMetric) update(w *windowEstimator) error {
	est := w.variance()
	for i, v := range est {
		if !(v > 0) || math.IsInf(v, 0) {
			return errors.Errorf("Bad variance estimate %g for coordinate %d", v, i)
		}
	}
	for i, v := range est {
		d.inv[i] = v
		d.sqrt[i] = 1 / math.Sqrt(v)
	}
	return nil
}

func (d *diagMetric) inverse() []float64 {
	return append([]float64(nil), d.inv...)
}

type denseMetric struct {
	dim  int
	inv  *mat.SymDense
	chol *mat.TriDense // lower L with inv = L L'
	z    []float64
}

func newDenseMetric(dim int) *denseMetric {
	d := &denseMetric{dim: dim, inv: mat.NewSymDense(dim, nil), chol: mat.NewTriDense(dim, mat.Lower, nil), z: make([]float64, dim)}
	for i := 0; i < dim; i++ {
		d.inv.SetSym(i, i, 1)
		d.chol.SetTri(i, i, 1)
	}
	return d
}

// sampleMomentum solves L' p = z, so Cov(p) = (L L')^-1 = M
func (d *denseMetric) sampleMomentum(gen *rand.Generator, p []float64) {
	for i := range d.z {
		d.z[i] = gen.NormFloat64()
	}
	for i := d.dim - 1; i >= 0; i-- {
		s := d.z[i]
		for j := i + 1; j < d.dim; j++ {
			s -= d.chol.At(j, i) * p[j]
		}
		p[i] = s / d.chol.At(i, i)
	}
}

func (d *denseMetric) velocity(p, v []float64) {
	dst := mat.NewVecDense(d.dim, v)
	dst.MulVec(d.inv, mat.NewVecDense(d.dim, p))
}

func (d *denseMetric) kinetic(p []float64) float64 {
	pv := mat.NewVecDense(d.dim, p)
	return 0.5 * mat.Inner(pv, d.inv, pv)
}

func (d *denseMetric) update(w *windowEstimator) error {
	return d.setInverse(w.covariance())
}

func (d *denseMetric) setInverse(inv *mat.SymDense) error {
	var ch mat.Cholesky
	if ok := ch.Factorize(inv); !ok {
		return errors.New("Covariance estimate is not positive definite")
	}
	d.inv = inv
	ch.LTo(d.chol)
	return nil
}

func (d *denseMetric) inverse() []float64 {
	out := make([]float64, 0, d.dim*d.dim)
	for i := 0; i < d.dim; i++ {
		for j := 0; j < d.dim; j++ {
			out = append(out, d.inv.At(i, j))
		}
	}
	return out
}

// windowEstimator collects the positions of one slow adaptation window and
// produces the regularized (co)variance estimate:
//
//	n/(n+5) * S + 1e-3 * 5/(n+5) * I
type windowEstimator struct {
	dim  int
	rows []float64 // row-major draws
	n    int
}

func newWindowEstimator(dim int) *windowEstimator {
	return &windowEstimator{dim: dim}
}

func (w *windowEstimator) add(q []float64) {
	w.rows = append(w.rows, q...)
	w.n++
}

func (w *windowEstimator) restart() {
	w.rows = w.rows[:0]
	w.n = 0
}

func (w *windowEstimator) shrink() (scale, ridge float64) {
	n := float64(w.n)
	return n / (n + 5), 1e-3 * 5 / (n + 5)
}

func (w *windowEstimator) variance() []float64 {
	scale, ridge := w.shrink()
	out := make([]float64, w.dim)
	if w.n < 2 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	data := mat.NewDense(w.n, w.dim, w.rows)
	col := make([]float64, w.n)
	for i := range out {
		mat.Col(col, i, data)
		out[i] = scale*stat.Variance(col, nil) + ridge
	}
	return out
}

func (w *windowEstimator) covariance() *mat.SymDense {
	scale, ridge := w.shrink()
	cov := mat.NewSymDense(w.dim, nil)
	if w.n < 2 {
		for i := 0; i < w.dim; i++ {
			cov.SetSym(i, i, 1)
		}
		return cov
	}
	stat.CovarianceMatrix(cov, mat.NewDense(w.n, w.dim, w.rows), nil)
	cov.ScaleSym(scale, cov)
	for i := 0; i < w.dim; i++ {
		cov.SetSym(i, i, cov.At(i, i)+ridge)
	}
	return cov
}
