package model

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/CraigKelly/nutsample/dist"
)

// Support is the constraint a Parameter's values must satisfy.
type Support int

// Supported constraints
const (
	Real     Support = iota // unconstrained
	Positive                // x > 0
	Lower                   // x > Lower
	Interval                // Lower < x < Upper
	Unit                    // 0 < x < 1
	Simplex                 // x_k > 0, sum(x) = 1
)

var supportNames = []string{"real", "positive", "lower", "interval", "unit", "simplex"}

func (s Support) String() string {
	if s < 0 || int(s) >= len(supportNames) {
		return "unknown"
	}
	return supportNames[s]
}

// ParseSupport returns the Support with the given name
func ParseSupport(name string) (Support, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return Real, nil
	}
	for i, s := range supportNames {
		if s == n {
			return Support(i), nil
		}
	}
	return Real, errors.Errorf("Unknown support %q", name)
}

// UnmarshalYAML reads a support by name
func (s *Support) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseSupport(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML writes a support by name
func (s Support) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// Parameter is a declared unknown. It is immutable once the model is built.
type Parameter struct {
	Name    string
	Support Support
	Lower   float64 // used by Lower and Interval
	Upper   float64 // used by Interval
	Dim     int     // number of constrained values

	uOff int // offset in the unconstrained vector
	xOff int // offset in the constrained vector
}

// NewParameter creates and checks a parameter. A dim below 1 is a scalar.
func NewParameter(name string, s Support, dim int) (*Parameter, error) {
	if dim < 1 {
		dim = 1
	}
	p := &Parameter{Name: name, Support: s, Dim: dim}
	if s == Unit {
		p.Upper = 1
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	return p, nil
}

// Check returns an error if the declaration is malformed
func (p *Parameter) Check() error {
	if p.Name == "" {
		return errors.New("Parameter has no name")
	}
	if p.Dim < 1 {
		return errors.Errorf("Parameter %s has dim %d", p.Name, p.Dim)
	}
	switch p.Support {
	case Real, Positive:
	case Lower:
		if math.IsNaN(p.Lower) || math.IsInf(p.Lower, 0) {
			return errors.Errorf("Parameter %s has bad lower bound %g", p.Name, p.Lower)
		}
	case Unit:
		if p.Lower != 0 || p.Upper != 1 {
			return errors.Errorf("Parameter %s: unit support is (0, 1), got (%g, %g)", p.Name, p.Lower, p.Upper)
		}
	case Interval:
		if !(p.Lower < p.Upper) || math.IsInf(p.Lower, 0) || math.IsInf(p.Upper, 0) {
			return errors.Errorf("Parameter %s has bad interval (%g, %g)", p.Name, p.Lower, p.Upper)
		}
	case Simplex:
		if p.Dim < 2 {
			return errors.Errorf("Simplex parameter %s needs dim >= 2", p.Name)
		}
	default:
		return errors.Errorf("Parameter %s has unknown support %d", p.Name, int(p.Support))
	}
	return nil
}

// UnconstrainedLen is the number of sampler coordinates the parameter uses.
func (p *Parameter) UnconstrainedLen() int {
	if p.Support == Simplex {
		return p.Dim - 1
	}
	return p.Dim
}

// Scalar is true for one-dimensional parameters
func (p *Parameter) Scalar() bool {
	return p.Dim == 1 && p.Support != Simplex
}

// ColumnNames labels the constrained values, 1-based for vectors.
func (p *Parameter) ColumnNames() []string {
	if p.Scalar() {
		return []string{p.Name}
	}
	names := make([]string, p.Dim)
	for i := range names {
		names[i] = fmt.Sprintf("%s[%d]", p.Name, i+1)
	}
	return names
}

func (p *Parameter) bounds() (lo, hi float64) {
	if p.Support == Unit {
		return 0, 1
	}
	return p.Lower, p.Upper
}

// InSupport reports whether x (len Dim) satisfies the constraint.
func (p *Parameter) InSupport(x []float64) bool {
	if len(x) != p.Dim {
		return false
	}
	lo, hi := p.bounds()
	sum := 0.0
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		switch p.Support {
		case Positive, Simplex:
			if v <= 0 {
				return false
			}
		case Lower:
			if v <= lo {
				return false
			}
		case Interval, Unit:
			if v <= lo || v >= hi {
				return false
			}
		}
		sum += v
	}
	if p.Support == Simplex && math.Abs(sum-1) > 1e-8 {
		return false
	}
	return true
}

// Constrain maps the unconstrained values u into x and returns the log
// absolute Jacobian determinant of the map.
func (p *Parameter) Constrain(u, x []float64) float64 {
	lo, hi := p.bounds()
	logJ := 0.0

	switch p.Support {
	case Real:
		copy(x[:p.Dim], u[:p.Dim])

	case Positive, Lower:
		for i := 0; i < p.Dim; i++ {
			x[i] = math.Exp(u[i])
			if p.Support == Lower {
				x[i] += lo
			}
			logJ += u[i]
		}

	case Interval, Unit:
		w := hi - lo
		lw := math.Log(w)
		for i := 0; i < p.Dim; i++ {
			x[i] = lo + w*dist.InvLogit(u[i])
			logJ += lw - dist.Log1pExp(-u[i]) - dist.Log1pExp(u[i])
		}

	case Simplex:
		k := p.Dim
		stick := 1.0
		for i := 0; i < k-1; i++ {
			adj := u[i] - math.Log(float64(k-1-i))
			z := dist.InvLogit(adj)
			x[i] = stick * z
			logJ += math.Log(stick) - dist.Log1pExp(-adj) - dist.Log1pExp(adj)
			stick -= x[i]
		}
		x[k-1] = stick
	}

	return logJ
}

// Unconstrain is the inverse of Constrain. It fails if x is not in support.
func (p *Parameter) Unconstrain(x, u []float64) error {
	if !p.InSupport(x) {
		return errors.Errorf("Value %v is outside the %s support of %s", x, p.Support, p.Name)
	}
	lo, hi := p.bounds()

	switch p.Support {
	case Real:
		copy(u[:p.Dim], x)
	case Positive:
		for i, v := range x {
			u[i] = math.Log(v)
		}
	case Lower:
		for i, v := range x {
			u[i] = math.Log(v - lo)
		}
	case Interval, Unit:
		for i, v := range x {
			u[i] = dist.Logit((v - lo) / (hi - lo))
		}
	case Simplex:
		k := p.Dim
		stick := 1.0
		for i := 0; i < k-1; i++ {
			u[i] = dist.Logit(x[i]/stick) + math.Log(float64(k-1-i))
			stick -= x[i]
		}
	}
	return nil
}

// chain adds to gu the gradient with respect to u of (f(x(u)) + logJ(u)),
// given gx = df/dx.
func (p *Parameter) chain(u, x, gx, gu []float64) {
	lo, hi := p.bounds()

	switch p.Support {
	case Real:
		for i := 0; i < p.Dim; i++ {
			gu[i] += gx[i]
		}

	case Positive, Lower:
		for i := 0; i < p.Dim; i++ {
			gu[i] += gx[i]*math.Exp(u[i]) + 1
		}

	case Interval, Unit:
		w := hi - lo
		for i := 0; i < p.Dim; i++ {
			s := dist.InvLogit(u[i])
			gu[i] += gx[i]*w*s*(1-s) + 1 - 2*s
		}

	case Simplex:
		k := p.Dim
		z := make([]float64, k-1)
		sticks := make([]float64, k-1)
		stick := 1.0
		for i := 0; i < k-1; i++ {
			z[i] = dist.InvLogit(u[i] - math.Log(float64(k-1-i)))
			sticks[i] = stick
			stick -= stick * z[i]
		}

		// reverse sweep over the stick-breaking recursion
		adjStick := gx[k-1]
		for i := k - 2; i >= 0; i-- {
			zi, r := z[i], sticks[i]
			adjZ := (gx[i] - adjStick) * r
			gu[i] += adjZ*zi*(1-zi) + 1 - 2*zi
			adjStick = gx[i]*zi + adjStick*(1-zi) + 1/r
		}
	}
}
