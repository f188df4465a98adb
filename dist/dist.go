// Package dist provides log densities and exact gradients for the fixed
// catalog of distribution families a model may use.
package dist

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Kind selects one family from the catalog.
type Kind int

// The catalog. Parameter order for each family is given in its comment.
const (
	Normal         Kind = iota // mu, sigma
	StudentT                   // nu, mu, sigma
	Cauchy                     // mu, sigma
	HalfNormal                 // sigma
	HalfCauchy                 // sigma
	Exponential                // rate
	Gamma                      // shape, rate
	InvGamma                   // shape, scale
	LogNormal                  // mu, sigma
	Beta                       // a, b
	Uniform                    // lo, hi
	Dirichlet                  // alpha (vector)
	Bernoulli                  // theta
	BernoulliLogit             // alpha
	Binomial                   // n, theta
	BinomialLogit              // n, alpha
	Poisson                    // lambda
	PoissonLog                 // eta
	kindCount
)

// Domain is the set of legal values for a distribution parameter.
type Domain int

// Parameter domains
const (
	AnyReal  Domain = iota // finite real
	Positive               // > 0
	Prob                   // in [0, 1]
	Count                  // non-negative integer
)

// Support is the set of values a family assigns positive mass to.
type Support int

// Family supports
const (
	RealLine     Support = iota
	NonNegative          // y >= 0
	PositiveLine         // y > 0
	OpenUnit             // 0 < y < 1
	Bounded              // lo <= y <= hi (Uniform)
	SimplexSet           // x_k > 0, sum(x) = 1
	Binary               // {0, 1}
	Counts               // {0, 1, 2, ...}
	BoundedCount         // {0, ..., n}
)

type family struct {
	name   string
	params []string
	domain []Domain
	sup    Support
}

var catalog = [kindCount]family{
	Normal:         {"normal", []string{"mu", "sigma"}, []Domain{AnyReal, Positive}, RealLine},
	StudentT:       {"student_t", []string{"nu", "mu", "sigma"}, []Domain{Positive, AnyReal, Positive}, RealLine},
	Cauchy:         {"cauchy", []string{"mu", "sigma"}, []Domain{AnyReal, Positive}, RealLine},
	HalfNormal:     {"half_normal", []string{"sigma"}, []Domain{Positive}, NonNegative},
	HalfCauchy:     {"half_cauchy", []string{"sigma"}, []Domain{Positive}, NonNegative},
	Exponential:    {"exponential", []string{"rate"}, []Domain{Positive}, NonNegative},
	Gamma:          {"gamma", []string{"shape", "rate"}, []Domain{Positive, Positive}, PositiveLine},
	InvGamma:       {"inv_gamma", []string{"shape", "scale"}, []Domain{Positive, Positive}, PositiveLine},
	LogNormal:      {"lognormal", []string{"mu", "sigma"}, []Domain{AnyReal, Positive}, PositiveLine},
	Beta:           {"beta", []string{"a", "b"}, []Domain{Positive, Positive}, OpenUnit},
	Uniform:        {"uniform", []string{"lo", "hi"}, []Domain{AnyReal, AnyReal}, Bounded},
	Dirichlet:      {"dirichlet", []string{"alpha"}, []Domain{Positive}, SimplexSet},
	Bernoulli:      {"bernoulli", []string{"theta"}, []Domain{Prob}, Binary},
	BernoulliLogit: {"bernoulli_logit", []string{"alpha"}, []Domain{AnyReal}, Binary},
	Binomial:       {"binomial", []string{"n", "theta"}, []Domain{Count, Prob}, BoundedCount},
	BinomialLogit:  {"binomial_logit", []string{"n", "alpha"}, []Domain{Count, AnyReal}, BoundedCount},
	Poisson:        {"poisson", []string{"lambda"}, []Domain{Positive}, Counts},
	PoissonLog:     {"poisson_log", []string{"eta"}, []Domain{AnyReal}, Counts},
}

// ParseKind returns the Kind with the given catalog name (case insensitive).
func ParseKind(name string) (Kind, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for k := Kind(0); k < kindCount; k++ {
		if catalog[k].name == n {
			return k, nil
		}
	}
	return -1, errors.Errorf("Unknown distribution %q", name)
}

// Valid reports whether k is in the catalog.
func (k Kind) Valid() bool {
	return k >= 0 && k < kindCount
}

func (k Kind) String() string {
	if !k.Valid() {
		return "unknown"
	}
	return catalog[k].name
}

// NumParams is the number of parameters the family takes.
func (k Kind) NumParams() int {
	return len(catalog[k].params)
}

// ParamNames returns the family's parameter names in order.
func (k Kind) ParamNames() []string {
	return catalog[k].params
}

// ParamDomain returns the domain of parameter i.
func (k Kind) ParamDomain(i int) Domain {
	return catalog[k].domain[i]
}

// Support returns the family's support.
func (k Kind) Support() Support {
	return catalog[k].sup
}

// Discrete is true for families over integer values.
func (k Kind) Discrete() bool {
	switch catalog[k].sup {
	case Binary, Counts, BoundedCount:
		return true
	}
	return false
}

// Multivariate is true for families whose value is a vector (Dirichlet).
func (k Kind) Multivariate() bool {
	return k == Dirichlet
}

// Contains reports whether v lies in domain d.
func (d Domain) Contains(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	switch d {
	case Positive:
		return v > 0
	case Prob:
		return v >= 0 && v <= 1
	case Count:
		return v >= 0 && v == math.Trunc(v)
	}
	return true
}

func (d Domain) String() string {
	switch d {
	case Positive:
		return "positive"
	case Prob:
		return "[0, 1]"
	case Count:
		return "non-negative integer"
	}
	return "real"
}

// Validate checks a fixed (literal) value for parameter i. A nil result
// means the value is legal for the family.
func (k Kind) Validate(i int, v float64) error {
	if !k.Valid() {
		return errors.Errorf("Invalid distribution kind %d", int(k))
	}
	if i < 0 || i >= k.NumParams() {
		return errors.Errorf("%s has no parameter %d", k, i)
	}
	d := catalog[k].domain[i]
	if !d.Contains(v) {
		return &DomainError{Kind: k, Param: catalog[k].params[i], Value: v, Domain: d}
	}
	return nil
}

// ValidateAll checks a full fixed parameter vector, including cross-parameter
// constraints like lo < hi for Uniform.
func (k Kind) ValidateAll(params []float64) error {
	if len(params) != k.NumParams() {
		return errors.Errorf("%s expects %d parameters, got %d", k, k.NumParams(), len(params))
	}
	for i, v := range params {
		if err := k.Validate(i, v); err != nil {
			return err
		}
	}
	if k == Uniform && params[0] >= params[1] {
		return &DomainError{Kind: k, Param: "hi", Value: params[1], Reason: "must exceed lo"}
	}
	return nil
}
