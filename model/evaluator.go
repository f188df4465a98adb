package model

import (
	"math"
	"math/rand/v2"

	"github.com/CraigKelly/nutsample/dist"
)

// Evaluator is the per-chain workspace for a Model: it owns the tape values
// and adjoints, so it must not be shared between goroutines.
type Evaluator struct {
	m   *Model
	x   []float64 // constrained values
	gx  []float64 // d(log density)/dx
	val [][]float64
	adj [][]float64

	params  [][]float64
	dparams [][]float64
	scratch []float64
}

// Evaluator returns a fresh workspace for m
func (m *Model) Evaluator() *Evaluator {
	e := &Evaluator{
		m:   m,
		x:   make([]float64, m.width),
		gx:  make([]float64, m.width),
		val: make([][]float64, len(m.nodes)),
		adj: make([][]float64, len(m.nodes)),
	}
	for i, nd := range m.nodes {
		switch nd.kind {
		case nConst:
			e.val[i] = []float64{nd.value}
		case nParam:
			p := m.Params[nd.param]
			e.val[i] = e.x[p.xOff : p.xOff+p.Dim]
		case nData:
			e.val[i] = nd.data
		default:
			e.val[i] = make([]float64, nd.n)
		}
		e.adj[i] = make([]float64, nd.n)
	}

	most := 0
	for _, t := range append([]term{m.lik}, m.priors...) {
		if len(t.args) > most {
			most = len(t.args)
		}
	}
	e.params = make([][]float64, most)
	e.dparams = make([][]float64, most)
	e.scratch = make([]float64, most)
	return e
}

// Dim is the number of unconstrained coordinates
func (e *Evaluator) Dim() int { return e.m.dim }

// LogDensityGrad returns the log posterior at the unconstrained position q
// (Jacobian adjustment included) and writes its gradient into grad.
func (e *Evaluator) LogDensityGrad(q, grad []float64) float64 {
	m := e.m
	for i := range e.gx {
		e.gx[i] = 0
	}
	for _, a := range e.adj {
		for i := range a {
			a[i] = 0
		}
	}

	lp := 0.0
	for _, p := range m.Params {
		lp += p.Constrain(q[p.uOff:p.uOff+p.UnconstrainedLen()], e.x[p.xOff:p.xOff+p.Dim])
	}
	e.forward()

	for _, t := range m.priors {
		p := m.Params[t.target]
		xs := e.x[p.xOff : p.xOff+p.Dim]
		gs := e.gx[p.xOff : p.xOff+p.Dim]
		if t.kind == dist.Dirichlet {
			lp += dist.DirichletLogProb(xs, e.val[t.args[0]], gs, e.adj[t.args[0]])
		} else {
			lp += t.kind.SumGrad(xs, e.bind(t), gs, e.bindAdj(t))
		}
		if !(lp > math.Inf(-1)) {
			break
		}
	}
	if lp > math.Inf(-1) {
		lp += m.lik.kind.SumGrad(m.lik.obs, e.bind(m.lik), nil, e.bindAdj(m.lik))
	}

	for i := range grad {
		grad[i] = 0
	}
	if math.IsNaN(lp) || math.IsInf(lp, 0) {
		return math.Inf(-1)
	}

	e.backward()
	for _, p := range m.Params {
		ul := p.UnconstrainedLen()
		p.chain(q[p.uOff:p.uOff+ul], e.x[p.xOff:p.xOff+p.Dim], e.gx[p.xOff:p.xOff+p.Dim], grad[p.uOff:p.uOff+ul])
	}
	return lp
}

// Constrain writes the constrained draw for q into dst (len Width)
func (e *Evaluator) Constrain(q, dst []float64) {
	for _, p := range e.m.Params {
		p.Constrain(q[p.uOff:p.uOff+p.UnconstrainedLen()], dst[p.xOff:p.xOff+p.Dim])
	}
}

// PointwiseLogLik writes log p(y_i | q) for each observation into dst
func (e *Evaluator) PointwiseLogLik(q, dst []float64) {
	e.Constrain(q, e.x)
	e.forward()
	e.pointwise(dst)
}

// PointwiseAt is PointwiseLogLik for an already constrained draw
func (e *Evaluator) PointwiseAt(x, dst []float64) {
	copy(e.x, x)
	e.forward()
	e.pointwise(dst)
}

func (e *Evaluator) pointwise(dst []float64) {
	t := e.m.lik
	params := e.bind(t)
	p := e.scratch[:len(params)]
	for i, y := range t.obs {
		for j, v := range params {
			p[j] = at(v, i)
		}
		dst[i] = t.kind.LogProb(y, p...)
	}
}

// Replicate draws a posterior predictive copy of the observed column given
// a constrained draw x.
func (e *Evaluator) Replicate(x []float64, src rand.Source) []float64 {
	copy(e.x, x)
	e.forward()

	t := e.m.lik
	params := e.bind(t)
	p := e.scratch[:len(params)]
	out := make([]float64, len(t.obs))
	for i := range out {
		for j, v := range params {
			p[j] = at(v, i)
		}
		out[i] = t.kind.Rand(p, src)
	}
	return out
}

// Replicate draws a posterior predictive copy of the observed column
func (m *Model) Replicate(x []float64, src rand.Source) []float64 {
	return m.Evaluator().Replicate(x, src)
}

func (e *Evaluator) bind(t term) [][]float64 {
	out := e.params[:len(t.args)]
	for j, id := range t.args {
		out[j] = e.val[id]
	}
	return out
}

func (e *Evaluator) bindAdj(t term) [][]float64 {
	out := e.dparams[:len(t.args)]
	for j, id := range t.args {
		out[j] = e.adj[id]
	}
	return out
}

func at(v []float64, i int) float64 {
	if len(v) == 1 {
		return v[0]
	}
	return v[i]
}

func accum(dst []float64, i int, v float64) {
	if len(dst) == 1 {
		dst[0] += v
	} else {
		dst[i] += v
	}
}

func (e *Evaluator) forward() {
	for i, nd := range e.m.nodes {
		out := e.val[i]
		switch nd.kind {
		case nConst, nParam, nData:
			// values are aliased at construction

		case nGroup:
			off := e.m.Params[nd.param].xOff
			for k, id := range nd.ids {
				out[k] = e.x[off+id]
			}

		case nAdd, nMul:
			for k := range out {
				acc := at(e.val[nd.args[0]], k)
				for _, a := range nd.args[1:] {
					if nd.kind == nAdd {
						acc += at(e.val[a], k)
					} else {
						acc *= at(e.val[a], k)
					}
				}
				out[k] = acc
			}

		case nSub, nDiv:
			a, b := e.val[nd.args[0]], e.val[nd.args[1]]
			for k := range out {
				if nd.kind == nSub {
					out[k] = at(a, k) - at(b, k)
				} else {
					out[k] = at(a, k) / at(b, k)
				}
			}

		default:
			a := e.val[nd.args[0]]
			for k := range out {
				v := at(a, k)
				switch nd.kind {
				case nNeg:
					out[k] = -v
				case nExp:
					out[k] = math.Exp(v)
				case nLog:
					out[k] = math.Log(v)
				case nInvLogit:
					out[k] = dist.InvLogit(v)
				}
			}
		}
	}
}

func (e *Evaluator) backward() {
	nodes := e.m.nodes
	for i := len(nodes) - 1; i >= 0; i-- {
		nd := nodes[i]
		g := e.adj[i]
		out := e.val[i]

		switch nd.kind {
		case nConst, nData:

		case nParam:
			off := e.m.Params[nd.param].xOff
			for k, v := range g {
				e.gx[off+k] += v
			}

		case nGroup:
			off := e.m.Params[nd.param].xOff
			for k, id := range nd.ids {
				e.gx[off+id] += g[k]
			}

		case nAdd:
			for _, a := range nd.args {
				for k, v := range g {
					accum(e.adj[a], k, v)
				}
			}

		case nMul:
			for j, a := range nd.args {
				for k, v := range g {
					others := v
					for jj, b := range nd.args {
						if jj != j {
							others *= at(e.val[b], k)
						}
					}
					accum(e.adj[a], k, others)
				}
			}

		case nSub:
			for k, v := range g {
				accum(e.adj[nd.args[0]], k, v)
				accum(e.adj[nd.args[1]], k, -v)
			}

		case nDiv:
			b := e.val[nd.args[1]]
			for k, v := range g {
				d := at(b, k)
				accum(e.adj[nd.args[0]], k, v/d)
				accum(e.adj[nd.args[1]], k, -v*out[k]/d)
			}

		default:
			a := e.val[nd.args[0]]
			for k, v := range g {
				var local float64
				switch nd.kind {
				case nNeg:
					local = -1
				case nExp:
					local = out[k]
				case nLog:
					local = 1 / at(a, k)
				case nInvLogit:
					local = out[k] * (1 - out[k])
				}
				accum(e.adj[nd.args[0]], k, v*local)
			}
		}
	}
}
