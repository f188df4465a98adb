package model

import "fmt"

// SpecError reports a malformed model specification: a cyclic or dangling
// prior graph, a shape mismatch, or a bad declaration. It is always fatal at
// build time.
type SpecError struct {
	Subject string // offending declaration, e.g. "prior on tau"
	Reason  string
}

func (e *SpecError) Error() string {
	if e.Subject == "" {
		return "model spec error: " + e.Reason
	}
	return fmt.Sprintf("model spec error: %s: %s", e.Subject, e.Reason)
}

func specErrorf(subject string, format string, args ...interface{}) *SpecError {
	return &SpecError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}
