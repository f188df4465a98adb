package model

import (
	"math"

	"github.com/CraigKelly/nutsample/dist"
)

// DataKind is the declared domain of a data column
type DataKind string

// Data column kinds
const (
	RealData     DataKind = "real"
	IntegerData  DataKind = "integer"
	GroupingData DataKind = "grouping" // cluster ids 1..J
)

// DataDecl declares an observed data column. Len is the declared length (0
// accepts whatever is supplied). Values may be given inline or bound at
// build time.
type DataDecl struct {
	Name   string    `yaml:"name"`
	Kind   DataKind  `yaml:"kind,omitempty"`
	Len    int       `yaml:"len,omitempty"`
	Values []float64 `yaml:"values,omitempty"`
}

// ParamDecl declares a parameter
type ParamDecl struct {
	Name    string  `yaml:"name"`
	Support Support `yaml:"support,omitempty"`
	Lower   float64 `yaml:"lower,omitempty"`
	Upper   float64 `yaml:"upper,omitempty"`
	Dim     int     `yaml:"dim,omitempty"`
}

// PriorDecl assigns a distribution to a parameter. Args may reference other
// parameters, which makes them hyperparameters.
type PriorDecl struct {
	Target string `yaml:"target"`
	Dist   string `yaml:"dist"`
	Args   []Expr `yaml:"args"`
}

// LikelihoodDecl is the single sampling statement for the observed column.
type LikelihoodDecl struct {
	Observed string `yaml:"observed"`
	Dist     string `yaml:"dist"`
	Args     []Expr `yaml:"args"`
}

// Spec is the structured model description a Model is built from.
type Spec struct {
	Name       string          `yaml:"name"`
	Data       []DataDecl      `yaml:"data"`
	Params     []ParamDecl     `yaml:"params"`
	Priors     []PriorDecl     `yaml:"priors"`
	Likelihood *LikelihoodDecl `yaml:"likelihood"`
}

// Prior builds a prior statement
func Prior(target string, k dist.Kind, args ...Expr) PriorDecl {
	return PriorDecl{Target: target, Dist: k.String(), Args: args}
}

// Likelihood builds the likelihood statement
func Likelihood(observed string, k dist.Kind, args ...Expr) *LikelihoodDecl {
	return &LikelihoodDecl{Observed: observed, Dist: k.String(), Args: args}
}

// GroupingIndex maps each observation to a cluster. Ids are supplied as
// 1..J and stored zero based.
type GroupingIndex struct {
	IDs    []int
	Groups int
}

// NewGroupingIndex validates that values are integers forming the
// contiguous range 1..J with every id present.
func NewGroupingIndex(name string, values []float64) (*GroupingIndex, error) {
	if len(values) == 0 {
		return nil, specErrorf("grouping "+name, "no values")
	}
	g := &GroupingIndex{IDs: make([]int, len(values))}
	for i, v := range values {
		if v != math.Trunc(v) || v < 1 {
			return nil, specErrorf("grouping "+name, "id %g at position %d is not an integer >= 1", v, i+1)
		}
		g.IDs[i] = int(v) - 1
		if int(v) > g.Groups {
			g.Groups = int(v)
		}
	}

	if g.Groups > len(values) {
		return nil, specErrorf("grouping "+name, "ids are not contiguous: max id %d with only %d values", g.Groups, len(values))
	}
	seen := make([]bool, g.Groups)
	for _, id := range g.IDs {
		seen[id] = true
	}
	for j, ok := range seen {
		if !ok {
			return nil, specErrorf("grouping "+name, "ids are not contiguous: %d of 1..%d never appears", j+1, g.Groups)
		}
	}
	return g, nil
}
