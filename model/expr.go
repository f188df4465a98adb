package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Op is an elementwise operation applied to expression arguments.
type Op string

// Elementwise operations
const (
	OpAdd      Op = "add"
	OpSub      Op = "sub"
	OpMul      Op = "mul"
	OpDiv      Op = "div"
	OpNeg      Op = "neg"
	OpExp      Op = "exp"
	OpLog      Op = "log"
	OpInvLogit Op = "inv_logit"
)

// arity returns the minimum and maximum argument counts (-1 is unbounded)
func (o Op) arity() (int, int) {
	switch o {
	case OpAdd, OpMul:
		return 2, -1
	case OpSub, OpDiv:
		return 2, 2
	case OpNeg, OpExp, OpLog, OpInvLogit:
		return 1, 1
	}
	return 0, 0
}

// Expr is a distribution argument. Exactly one of Value, Param, Data or Op
// is set. Param with By looks up Param[By[i]] for each observation i, where
// By names a grouping column.
//
// Expressions are structured data, never parsed from text. In YAML a bare
// number is shorthand for {value: n}.
type Expr struct {
	Value *float64 `yaml:"value,omitempty"`
	Param string   `yaml:"param,omitempty"`
	By    string   `yaml:"by,omitempty"`
	Data  string   `yaml:"data,omitempty"`
	Op    Op       `yaml:"op,omitempty"`
	Args  []Expr   `yaml:"args,omitempty"`
}

// Lit is a literal constant
func Lit(v float64) Expr {
	return Expr{Value: &v}
}

// Par references a parameter
func Par(name string) Expr {
	return Expr{Param: name}
}

// Grouped references param[by[i]], where by is a grouping data column
func Grouped(param, by string) Expr {
	return Expr{Param: param, By: by}
}

// Dat references a data column
func Dat(name string) Expr {
	return Expr{Data: name}
}

func opExpr(o Op, args ...Expr) Expr {
	return Expr{Op: o, Args: args}
}

// Add sums its arguments elementwise
func Add(args ...Expr) Expr { return opExpr(OpAdd, args...) }

// Sub is a - b
func Sub(a, b Expr) Expr { return opExpr(OpSub, a, b) }

// Mul multiplies its arguments elementwise
func Mul(args ...Expr) Expr { return opExpr(OpMul, args...) }

// Div is a / b
func Div(a, b Expr) Expr { return opExpr(OpDiv, a, b) }

// Neg is -a
func Neg(a Expr) Expr { return opExpr(OpNeg, a) }

// Exp is e^a
func Exp(a Expr) Expr { return opExpr(OpExp, a) }

// Log is the natural log
func Log(a Expr) Expr { return opExpr(OpLog, a) }

// InvLogit is the logistic function
func InvLogit(a Expr) Expr { return opExpr(OpInvLogit, a) }

// UnmarshalYAML accepts a bare number as a literal
func (e *Expr) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return errors.Errorf("line %d: expression %q is not a number (use a mapping like {param: %s})", node.Line, node.Value, node.Value)
		}
		*e = Lit(v)
		return nil
	}

	type plain Expr
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*e = Expr(p)
	return nil
}

// Check verifies the expression is well formed, without resolving names.
func (e Expr) Check() error {
	set := 0
	if e.Value != nil {
		set++
	}
	if e.Param != "" {
		set++
	}
	if e.Data != "" {
		set++
	}
	if e.Op != "" {
		set++
	}
	if set != 1 {
		return errors.Errorf("Expression %s must set exactly one of value, param, data or op", e)
	}
	if e.By != "" && e.Param == "" {
		return errors.Errorf("Expression %s uses by without param", e)
	}

	if e.Op != "" {
		lo, hi := e.Op.arity()
		if lo == 0 {
			return errors.Errorf("Unknown op %q", e.Op)
		}
		if len(e.Args) < lo || (hi > 0 && len(e.Args) > hi) {
			return errors.Errorf("Op %s given %d arguments", e.Op, len(e.Args))
		}
		for _, a := range e.Args {
			if err := a.Check(); err != nil {
				return err
			}
		}
	} else if len(e.Args) > 0 {
		return errors.Errorf("Expression %s has args but no op", e)
	}
	return nil
}

// Params returns the names of the parameters referenced anywhere in e
func (e Expr) Params() []string {
	var out []string
	e.walk(func(x Expr) {
		if x.Param != "" {
			out = append(out, x.Param)
		}
	})
	return out
}

func (e Expr) walk(f func(Expr)) {
	f(e)
	for _, a := range e.Args {
		a.walk(f)
	}
}

func (e Expr) String() string {
	switch {
	case e.Value != nil:
		return strconv.FormatFloat(*e.Value, 'g', -1, 64)
	case e.Param != "" && e.By != "":
		return fmt.Sprintf("%s[%s]", e.Param, e.By)
	case e.Param != "":
		return e.Param
	case e.Data != "":
		return e.Data
	case e.Op != "":
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = a.String()
		}
		return fmt.Sprintf("%s(%s)", e.Op, strings.Join(args, ", "))
	}
	return "<empty>"
}
