package aql

import "fmt"

// ErrLocationRequired is returned when a query carries no usable class
// expression; a query cannot execute without a scope.
var ErrLocationRequired = fmt.Errorf("aql: query must have a location expression")

// PredicateError reports a malformed bracket predicate: a missing left
// operand, a missing operator/right-operand pair, or an unusable variant.
type PredicateError struct {
	Reason string
}

func (e *PredicateError) Error() string {
	return "aql: invalid predicate: " + e.Reason
}

// ParseSimpleExpressionError reports a bare condition token that could
// not be parsed as a simple expression.
type ParseSimpleExpressionError struct {
	Expression string
	Reason     string
}

func (e *ParseSimpleExpressionError) Error() string {
	return fmt.Sprintf("aql: cannot parse expression %q: %s", e.Expression, e.Reason)
}

// ConditionError reports a condition sequence the translator cannot
// consume, such as an unknown operator or a truncated operand pair.
type ConditionError struct {
	Reason string
}

func (e *ConditionError) Error() string {
	return "aql: invalid condition: " + e.Reason
}
