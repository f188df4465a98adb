package dist

import "fmt"

// DomainError is returned when a fixed distribution parameter violates its
// own constraint, e.g. a literal negative scale.
type DomainError struct {
	Kind   Kind
	Param  string
	Value  float64
	Domain Domain
	Reason string
}

func (e *DomainError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("domain error: %s parameter %s=%g %s", e.Kind, e.Param, e.Value, e.Reason)
	}
	return fmt.Sprintf("domain error: %s parameter %s=%g must be %s", e.Kind, e.Param, e.Value, e.Domain)
}
