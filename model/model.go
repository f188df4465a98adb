package model

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/CraigKelly/nutsample/density"
	"github.com/CraigKelly/nutsample/dist"
)

// Reader implementors read a model Spec from a byte stream and, separately,
// a set of data columns to bind to it.
type Reader interface {
	ReadSpec(data []byte) (*Spec, error)
	ReadData(data []byte) (map[string][]float64, error)
}

// Model is a compiled Spec: an immutable log posterior over the
// unconstrained parameter space. Evaluation scratch space lives in an
// Evaluator, so one Model can serve many chains at once.
type Model struct {
	Name   string
	Params []*Parameter

	dim   int // unconstrained length
	width int // constrained length
	names []string

	data   map[string]*column
	nodes  []node
	priors []term // ordered so hyperparameters come first
	lik    term
	order  []int    // parameter indices, topologically sorted
	edges  [][2]int // parent -> child parameter indices
}

type column struct {
	decl   DataDecl
	values []float64
	group  *GroupingIndex
}

// term is one sampling statement: a prior on a parameter or the likelihood
type term struct {
	kind   dist.Kind
	target int       // parameter index; -1 for the likelihood
	obs    []float64 // observed values for the likelihood
	args   []int     // node ids
	label  string
}

// NewModelFromFile reads a spec (and an optional data file) and builds it.
// The model is named for the file.
func NewModelFromFile(r Reader, filename string, dataFilename string) (*Model, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not READ model from %s", filename)
	}

	var bound map[string][]float64
	if dataFilename != "" {
		raw, err := os.ReadFile(dataFilename)
		if err != nil {
			return nil, errors.Wrapf(err, "Could not READ data from %s", dataFilename)
		}
		bound, err = r.ReadData(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "Could not PARSE data file %s", dataFilename)
		}
	}

	m, err := NewModelFromBuffer(r, data, bound)
	if err != nil {
		return nil, err
	}

	if m.Name == "" {
		base := filepath.Base(filename)
		m.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return m, nil
}

// NewModelFromBuffer parses a spec from pre-read data and builds it
func NewModelFromBuffer(r Reader, data []byte, bound map[string][]float64) (*Model, error) {
	spec, err := r.ReadSpec(data)
	if err != nil {
		return nil, errors.Wrapf(err, "Could not PARSE model")
	}
	return Build(spec, bound)
}

// Dim is the number of unconstrained coordinates
func (m *Model) Dim() int { return m.dim }

// Width is the number of constrained values in a draw
func (m *Model) Width() int { return m.width }

// Names labels each constrained value, e.g. "sigma" or "a[3]"
func (m *Model) Names() []string { return m.names }

// Observations is the length of the observed column
func (m *Model) Observations() int { return len(m.lik.obs) }

// Observed returns the observed column (do not modify)
func (m *Model) Observed() []float64 { return m.lik.obs }

// Param returns the named parameter or nil
func (m *Model) Param(name string) *Parameter {
	for _, p := range m.Params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Column returns the index of the named constrained column, or -1
func (m *Model) Column(name string) int {
	for i, n := range m.names {
		if n == name {
			return i
		}
	}
	return -1
}

// Order returns parameter names with every hyperparameter before the
// parameters whose priors reference it.
func (m *Model) Order() []string {
	out := make([]string, len(m.order))
	for i, pi := range m.order {
		out[i] = m.Params[pi].Name
	}
	return out
}

// Edges returns (parent, child) parameter name pairs of the prior graph,
// plus (parent, observed) pairs for the likelihood.
func (m *Model) Edges() [][2]string {
	out := make([][2]string, 0, len(m.edges))
	for _, e := range m.edges {
		child := m.lik.label
		if e[1] >= 0 {
			child = m.Params[e[1]].Name
		}
		out = append(out, [2]string{m.Params[e[0]].Name, child})
	}
	return out
}

// Unconstrain maps named constrained values to an unconstrained position.
// Every parameter must be present.
func (m *Model) Unconstrain(values map[string][]float64) ([]float64, error) {
	u := make([]float64, m.dim)
	for _, p := range m.Params {
		x, ok := values[p.Name]
		if !ok {
			return nil, errors.Errorf("No value for parameter %s", p.Name)
		}
		if err := p.Unconstrain(x, u[p.uOff:p.uOff+p.UnconstrainedLen()]); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// NewEvaluator implements density.Posterior
func (m *Model) NewEvaluator() density.Evaluator {
	return m.Evaluator()
}

// Build compiles a Spec against bound data. bound supplies values for data
// declarations that do not carry them inline.
func Build(spec *Spec, bound map[string][]float64) (*Model, error) {
	if spec == nil {
		return nil, specErrorf("", "no spec")
	}
	b := &builder{
		m:      &Model{Name: spec.Name, data: make(map[string]*column)},
		params: make(map[string]int),
	}
	if err := b.bindData(spec.Data, bound); err != nil {
		return nil, err
	}
	if err := b.declare(spec.Params); err != nil {
		return nil, err
	}
	if err := b.compilePriors(spec.Priors); err != nil {
		return nil, err
	}
	if err := b.compileLikelihood(spec.Likelihood); err != nil {
		return nil, err
	}
	if err := b.sortGraph(); err != nil {
		return nil, err
	}
	return b.m, nil
}

type builder struct {
	m      *Model
	params map[string]int
	prior  map[int]int // parameter index -> term index before sorting
	parent map[int]map[int]bool
}

func (b *builder) bindData(decls []DataDecl, bound map[string][]float64) error {
	for _, d := range decls {
		subject := "data " + d.Name
		if d.Name == "" {
			return specErrorf("data", "declaration without a name")
		}
		if _, dup := b.m.data[d.Name]; dup {
			return specErrorf(subject, "declared twice")
		}

		values := d.Values
		if supplied, ok := bound[d.Name]; ok {
			if len(values) > 0 {
				return specErrorf(subject, "values given inline and bound")
			}
			values = supplied
		}
		if len(values) == 0 {
			return specErrorf(subject, "no values supplied")
		}
		if d.Len > 0 && d.Len != len(values) {
			return specErrorf(subject, "declared length %d but %d values supplied", d.Len, len(values))
		}

		col := &column{decl: d, values: append([]float64(nil), values...)}
		switch d.Kind {
		case "", RealData:
		case IntegerData:
			for i, v := range values {
				if !isInt(v) {
					return specErrorf(subject, "value %g at position %d is not an integer", v, i+1)
				}
			}
		case GroupingData:
			g, err := NewGroupingIndex(d.Name, values)
			if err != nil {
				return err
			}
			col.group = g
		default:
			return specErrorf(subject, "unknown kind %q", d.Kind)
		}
		b.m.data[d.Name] = col
	}

	for name := range bound {
		if _, ok := b.m.data[name]; !ok {
			return specErrorf("data "+name, "bound but never declared")
		}
	}
	return nil
}

func (b *builder) declare(decls []ParamDecl) error {
	if len(decls) == 0 {
		return specErrorf("", "no parameters declared")
	}
	m := b.m
	for _, d := range decls {
		subject := "parameter " + d.Name
		if _, dup := b.params[d.Name]; dup {
			return specErrorf(subject, "declared twice")
		}
		if _, clash := m.data[d.Name]; clash {
			return specErrorf(subject, "name is also a data column")
		}

		p := &Parameter{Name: d.Name, Support: d.Support, Lower: d.Lower, Upper: d.Upper, Dim: d.Dim}
		if p.Dim == 0 {
			p.Dim = 1
		}
		if p.Support == Unit && p.Lower == 0 && p.Upper == 0 {
			p.Upper = 1
		}
		if err := p.Check(); err != nil {
			return specErrorf(subject, "%v", err)
		}

		p.uOff = m.dim
		p.xOff = m.width
		m.dim += p.UnconstrainedLen()
		m.width += p.Dim
		m.names = append(m.names, p.ColumnNames()...)

		b.params[d.Name] = len(m.Params)
		m.Params = append(m.Params, p)
	}
	return nil
}

func (b *builder) compilePriors(decls []PriorDecl) error {
	b.prior = make(map[int]int)
	b.parent = make(map[int]map[int]bool)

	for _, d := range decls {
		subject := "prior on " + d.Target
		pi, ok := b.params[d.Target]
		if !ok {
			return specErrorf(subject, "undeclared parameter %q", d.Target)
		}
		if _, dup := b.prior[pi]; dup {
			return specErrorf(subject, "parameter already has a prior")
		}
		p := b.m.Params[pi]

		k, err := dist.ParseKind(d.Dist)
		if err != nil {
			return specErrorf(subject, "%v", err)
		}
		if k.Discrete() {
			return specErrorf(subject, "%s is discrete and %s is continuous", k, d.Target)
		}
		if (p.Support == Simplex) != (k == dist.Dirichlet) {
			return specErrorf(subject, "dirichlet priors go with simplex parameters only (got %s on %s)", k, p.Support)
		}

		t, err := b.compileTerm(subject, k, d.Args, p.Dim)
		if err != nil {
			return err
		}
		t.target = pi
		t.label = d.Target

		b.parent[pi] = make(map[int]bool)
		for _, a := range d.Args {
			for _, name := range a.Params() {
				b.parent[pi][b.params[name]] = true
			}
		}

		b.prior[pi] = len(b.m.priors)
		b.m.priors = append(b.m.priors, t)
	}
	return nil
}

func (b *builder) compileLikelihood(d *LikelihoodDecl) error {
	if d == nil {
		return specErrorf("likelihood", "missing")
	}
	subject := "likelihood of " + d.Observed
	col, ok := b.m.data[d.Observed]
	if !ok {
		return specErrorf(subject, "undeclared data column %q", d.Observed)
	}
	k, err := dist.ParseKind(d.Dist)
	if err != nil {
		return specErrorf(subject, "%v", err)
	}
	if k.Multivariate() {
		return specErrorf(subject, "%s cannot be a likelihood", k)
	}
	if k.Discrete() {
		for i, v := range col.values {
			if !isInt(v) {
				return specErrorf(subject, "%s needs integer data, got %g at position %d", k, v, i+1)
			}
		}
	}

	t, err := b.compileTerm(subject, k, d.Args, len(col.values))
	if err != nil {
		return err
	}
	t.target = -1
	t.obs = col.values
	t.label = d.Observed
	b.m.lik = t

	seen := make(map[int]bool)
	for _, a := range d.Args {
		for _, name := range a.Params() {
			pi := b.params[name]
			if !seen[pi] {
				seen[pi] = true
				b.m.edges = append(b.m.edges, [2]int{pi, -1})
			}
		}
	}
	return nil
}

// compileTerm compiles the arguments of a sampling statement over n values
func (b *builder) compileTerm(subject string, k dist.Kind, args []Expr, n int) (term, error) {
	t := term{kind: k}
	if len(args) != k.NumParams() {
		return t, specErrorf(subject, "%s takes %d arguments (%s), got %d", k, k.NumParams(), strings.Join(k.ParamNames(), ", "), len(args))
	}

	consts := make([]float64, len(args))
	allConst := true
	for j, a := range args {
		if err := a.Check(); err != nil {
			return t, specErrorf(subject, "%v", err)
		}
		id, err := b.compile(a, subject)
		if err != nil {
			return t, err
		}
		nd := b.m.nodes[id]
		if nd.n != 1 && nd.n != n {
			return t, specErrorf(subject, "argument %s has length %d, expected 1 or %d", a, nd.n, n)
		}
		if nd.kind == nConst {
			if err := k.Validate(j, nd.value); err != nil {
				return t, errors.Wrapf(err, "%s", subject)
			}
			consts[j] = nd.value
		} else {
			allConst = false
		}
		t.args = append(t.args, id)
	}
	if allConst && !k.Multivariate() {
		if err := k.ValidateAll(consts); err != nil {
			return t, errors.Wrapf(err, "%s", subject)
		}
	}
	return t, nil
}

// sortGraph orders parameters so hyperparameters precede their children
// (Kahn's algorithm, ties broken by declaration order) and rejects cycles.
func (b *builder) sortGraph() error {
	m := b.m
	n := len(m.Params)
	indeg := make([]int, n)
	children := make([][]int, n)
	for child, parents := range b.parent {
		for parent := range parents {
			indeg[child]++
			children[parent] = append(children[parent], child)
		}
	}
	for _, c := range children {
		sort.Ints(c)
	}

	var edges [][2]int
	ready := []int{}
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		sort.Ints(ready)
		pi := ready[0]
		ready = ready[1:]
		m.order = append(m.order, pi)
		for _, c := range children[pi] {
			edges = append(edges, [2]int{pi, c})
			indeg[c]--
			if indeg[c] == 0 {
				ready = append(ready, c)
			}
		}
	}

	if len(m.order) != n {
		var stuck []string
		for i := 0; i < n; i++ {
			if indeg[i] > 0 {
				stuck = append(stuck, m.Params[i].Name)
			}
		}
		return specErrorf("prior graph", "cycle among %s", strings.Join(stuck, ", "))
	}

	sorted := make([]term, 0, len(m.priors))
	for _, pi := range m.order {
		if ti, ok := b.prior[pi]; ok {
			sorted = append(sorted, m.priors[ti])
		}
	}
	m.priors = sorted
	m.edges = append(edges, m.edges...)
	return nil
}

func isInt(v float64) bool {
	return v == float64(int64(v))
}
