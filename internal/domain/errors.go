package domain

import "fmt"

// RuleError is a synchronous policy rejection. The Rule names the check that
// rejected the request so callers can surface it verbatim.
type RuleError struct {
	Rule   string
	Detail string
}

func (e *RuleError) Error() string {
	if e.Detail == "" {
		return e.Rule
	}
	return e.Rule + ": " + e.Detail
}

func Reject(rule, format string, args ...any) *RuleError {
	return &RuleError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}
