package sampler

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/CraigKelly/nutsample/density"
	"github.com/CraigKelly/nutsample/rand"
)

// psPoint is a point in phase space
type psPoint struct {
	q    []float64
	p    []float64
	grad []float64 // gradient of the log density at q
	lp   float64
}

func newPoint(dim int) *psPoint {
	return &psPoint{q: make([]float64, dim), p: make([]float64, dim), grad: make([]float64, dim)}
}

func (z *psPoint) copyFrom(o *psPoint) {
	copy(z.q, o.q)
	copy(z.p, o.p)
	copy(z.grad, o.grad)
	z.lp = o.lp
}

// transition is what one NUTS iteration reports
type transition struct {
	lp         float64
	accept     float64
	treeDepth  int
	leapfrogs  int
	divergent  bool
	maxedDepth bool
	energy     float64
}

// nuts is the multinomial No-U-Turn sampler with the generalized (sharp
// momentum) termination criterion.
type nuts struct {
	target    density.Gradient
	metric    metric
	gen       *rand.Generator
	eps       float64
	maxDepth  int
	maxDeltaH float64

	dim int
	z   *psPoint
	v   []float64 // velocity scratch

	// per-transition accumulators
	leapfrogs int
	metroSum  float64
	divergent bool
}

func newNUTS(target density.Gradient, m metric, gen *rand.Generator, cfg *Config) *nuts {
	dim := target.Dim()
	return &nuts{
		target:    target,
		metric:    m,
		gen:       gen,
		eps:       1,
		maxDepth:  cfg.MaxTreeDepth,
		maxDeltaH: cfg.MaxDeltaH,
		dim:       dim,
		z:         newPoint(dim),
		v:         make([]float64, dim),
	}
}

// setPosition evaluates the target at q and makes it the current state
func (s *nuts) setPosition(q []float64) float64 {
	copy(s.z.q, q)
	s.z.lp = s.target.LogDensityGrad(s.z.q, s.z.grad)
	return s.z.lp
}

func (s *nuts) hamiltonian(z *psPoint) float64 {
	h := -z.lp + s.metric.kinetic(z.p)
	if math.IsNaN(h) {
		return math.Inf(1)
	}
	return h
}

// leapfrog advances z by one step of size eps (negative for backwards)
func (s *nuts) leapfrog(z *psPoint, eps float64) {
	half := 0.5 * eps
	for i := range z.p {
		z.p[i] += half * z.grad[i]
	}
	s.metric.velocity(z.p, s.v)
	for i := range z.q {
		z.q[i] += eps * s.v[i]
	}
	z.lp = s.target.LogDensityGrad(z.q, z.grad)
	for i := range z.p {
		z.p[i] += half * z.grad[i]
	}
}

// initStepSize doubles or halves eps until a single leapfrog step from the
// current state crosses an acceptance probability of 0.8.
func (s *nuts) initStepSize() error {
	if s.eps == 0 || s.eps > 1e7 || math.IsNaN(s.eps) {
		return nil
	}

	start := newPoint(s.dim)
	start.copyFrom(s.z)
	defer s.z.copyFrom(start)

	target := math.Log(0.8)
	trial := func() float64 {
		s.z.copyFrom(start)
		s.metric.sampleMomentum(s.gen, s.z.p)
		h0 := s.hamiltonian(s.z)
		s.leapfrog(s.z, s.eps)
		return h0 - s.hamiltonian(s.z)
	}

	direction := -1.0
	if trial() > target {
		direction = 1
	}

	for {
		dh := trial()
		if direction == 1 && !(dh > target) {
			break
		}
		if direction == -1 && !(dh < target) {
			break
		}

		if direction == 1 {
			s.eps *= 2
		} else {
			s.eps *= 0.5
		}

		if s.eps > 1e7 {
			return errors.New("Posterior is improper: step size grew without bound")
		}
		if s.eps == 0 {
			return errors.New("No acceptably small step size could be found")
		}
	}
	return nil
}

func (s *nuts) sharp(p []float64) []float64 {
	out := make([]float64, s.dim)
	s.metric.velocity(p, out)
	return out
}

func uTurnFree(pSharpMinus, pSharpPlus, rho []float64) bool {
	return floats.Dot(pSharpPlus, rho) > 0 && floats.Dot(pSharpMinus, rho) > 0
}

func sum(a, b []float64) []float64 {
	return floats.AddTo(make([]float64, len(a)), a, b)
}

func logSumExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}

// transition runs one iteration from the current state and leaves the
// selected state in s.z.
func (s *nuts) transition() transition {
	s.metric.sampleMomentum(s.gen, s.z.p)
	h0 := s.hamiltonian(s.z)

	zFwd := newPoint(s.dim)
	zFwd.copyFrom(s.z)
	zBck := newPoint(s.dim)
	zBck.copyFrom(s.z)
	zSample := newPoint(s.dim)
	zSample.copyFrom(s.z)
	zPropose := newPoint(s.dim)
	zPropose.copyFrom(s.z)

	p0 := append([]float64(nil), s.z.p...)
	ps0 := s.sharp(p0)

	pFwdFwd, pSharpFwdFwd := clone(p0), clone(ps0)
	pFwdBck, pSharpFwdBck := clone(p0), clone(ps0)
	pBckFwd, pSharpBckFwd := clone(p0), clone(ps0)
	pBckBck, pSharpBckBck := clone(p0), clone(ps0)

	rho := clone(p0)
	logSumWeight := 0.0

	depth := 0
	s.leapfrogs = 0
	s.metroSum = 0
	s.divergent = false

	for depth < s.maxDepth {
		rhoFwd := make([]float64, s.dim)
		rhoBck := make([]float64, s.dim)
		var valid bool
		logSumWeightSubtree := math.Inf(-1)

		if s.gen.Float64() > 0.5 {
			copy(rhoBck, rho)
			copy(pBckFwd, pFwdBck)
			copy(pSharpBckFwd, pSharpFwdBck)

			valid = s.buildTree(depth, zFwd, zPropose, pSharpFwdBck, pSharpFwdFwd, rhoFwd, pFwdBck, pFwdFwd, h0, 1, &logSumWeightSubtree)
		} else {
			copy(rhoFwd, rho)
			copy(pFwdBck, pBckFwd)
			copy(pSharpFwdBck, pSharpBckFwd)

			valid = s.buildTree(depth, zBck, zPropose, pSharpBckFwd, pSharpBckBck, rhoBck, pBckFwd, pBckBck, h0, -1, &logSumWeightSubtree)
		}

		if !valid {
			break
		}
		depth++

		if logSumWeightSubtree > logSumWeight {
			zSample.copyFrom(zPropose)
		} else if s.gen.Float64() < math.Exp(logSumWeightSubtree-logSumWeight) {
			zSample.copyFrom(zPropose)
		}
		logSumWeight = logSumExp(logSumWeight, logSumWeightSubtree)

		rho = sum(rhoBck, rhoFwd)

		persist := uTurnFree(pSharpBckBck, pSharpFwdFwd, rho)
		persist = persist && uTurnFree(pSharpBckBck, pSharpFwdBck, sum(rhoBck, pFwdBck))
		persist = persist && uTurnFree(pSharpBckFwd, pSharpFwdFwd, sum(rhoFwd, pBckFwd))
		if !persist {
			break
		}
	}

	s.z.copyFrom(zSample)

	accept := 0.0
	if s.leapfrogs > 0 {
		accept = s.metroSum / float64(s.leapfrogs)
	}
	return transition{
		lp:         s.z.lp,
		accept:     accept,
		treeDepth:  depth,
		leapfrogs:  s.leapfrogs,
		divergent:  s.divergent,
		maxedDepth: depth >= s.maxDepth,
		energy:     s.hamiltonian(s.z),
	}
}

// buildTree extends the trajectory from z by 2^depth leapfrog steps in
// direction sign, multinomially selecting a proposal into zPropose. It
// returns false on divergence or a U-turn inside the new subtree.
func (s *nuts) buildTree(depth int, z, zPropose *psPoint,
	pSharpBeg, pSharpEnd, rho, pBeg, pEnd []float64,
	h0 float64, sign float64, logSumWeight *float64) bool {

	if depth == 0 {
		s.leapfrog(z, sign*s.eps)
		s.leapfrogs++

		h := s.hamiltonian(z)
		if h-h0 > s.maxDeltaH {
			s.divergent = true
		}

		*logSumWeight = logSumExp(*logSumWeight, h0-h)
		if h0-h > 0 {
			s.metroSum++
		} else {
			s.metroSum += math.Exp(h0 - h)
		}

		zPropose.copyFrom(z)
		s.metric.velocity(z.p, pSharpBeg)
		copy(pSharpEnd, pSharpBeg)
		for i, v := range z.p {
			rho[i] += v
		}
		copy(pBeg, z.p)
		copy(pEnd, z.p)

		return !s.divergent
	}

	// initial subtree
	logSumWeightInit := math.Inf(-1)
	pInitEnd := make([]float64, s.dim)
	pSharpInitEnd := make([]float64, s.dim)
	rhoInit := make([]float64, s.dim)

	if !s.buildTree(depth-1, z, zPropose, pSharpBeg, pSharpInitEnd, rhoInit, pBeg, pInitEnd, h0, sign, &logSumWeightInit) {
		return false
	}

	// final subtree
	zProposeFinal := newPoint(s.dim)
	zProposeFinal.copyFrom(z)
	logSumWeightFinal := math.Inf(-1)
	pFinalBeg := make([]float64, s.dim)
	pSharpFinalBeg := make([]float64, s.dim)
	rhoFinal := make([]float64, s.dim)

	if !s.buildTree(depth-1, z, zProposeFinal, pSharpFinalBeg, pSharpEnd, rhoFinal, pFinalBeg, pEnd, h0, sign, &logSumWeightFinal) {
		return false
	}

	// multinomial sample from the right subtree
	logSumWeightSubtree := logSumExp(logSumWeightInit, logSumWeightFinal)
	*logSumWeight = logSumExp(*logSumWeight, logSumWeightSubtree)

	if logSumWeightFinal > logSumWeightSubtree {
		zPropose.copyFrom(zProposeFinal)
	} else if s.gen.Float64() < math.Exp(logSumWeightFinal-logSumWeightSubtree) {
		zPropose.copyFrom(zProposeFinal)
	}

	rhoSubtree := sum(rhoInit, rhoFinal)
	for i, v := range rhoSubtree {
		rho[i] += v
	}

	persist := uTurnFree(pSharpBeg, pSharpEnd, rhoSubtree)
	persist = persist && uTurnFree(pSharpBeg, pSharpFinalBeg, sum(rhoInit, pFinalBeg))
	persist = persist && uTurnFree(pSharpInitEnd, pSharpEnd, sum(rhoFinal, pInitEnd))
	return persist
}

func clone(a []float64) []float64 {
	return append([]float64(nil), a...)
}
