// Package aql holds the query model consumed by the storage drivers: the
// AST produced by an external AQL parser, the boolean filter tree it is
// translated into, and the result-set types a query execution produces.
package aql

// Query is a parsed AQL statement. The lexer/parser producing it lives
// outside this module; drivers only rely on the clause shapes below.
type Query struct {
	Selection       *Selection
	Location        *Location
	Condition       *Condition
	OrderRules      []OrderRule
	TimeConstraints []TimeConstraint
}

// Location is the FROM/CONTAINS clause: a root class expression plus the
// chain of contained class expressions, in declaration order.
type Location struct {
	ClassExpression *ClassExpression
	Containers      []*Container
}

// Container is one CONTAINS step of a location clause.
type Container struct {
	ClassExpression *ClassExpression
}

// ClassExpression names a queried class, its variable binding and an
// optional bracketed predicate.
type ClassExpression struct {
	ClassName    string
	VariableName string
	Predicate    Predicate
}

// Predicate is the closed set of bracket predicates a class expression
// can carry. Exactly PredicateExpression and ArchetypePredicate implement
// it; translation switches exhaustively over the two.
type Predicate interface {
	predicate()
}

// PredicateExpression is a [left op right] comparison predicate.
type PredicateExpression struct {
	LeftOperand  string
	Operand      string
	RightOperand string
}

func (*PredicateExpression) predicate() {}

// ArchetypePredicate is an [archetype-id] presence predicate.
type ArchetypePredicate struct {
	ArchetypeID string
}

func (*ArchetypePredicate) predicate() {}

// Condition is the WHERE clause: a flat sequence alternating expression
// and operator tokens, exactly as the parser emitted them.
type Condition struct {
	Sequence []ConditionNode
}

// ConditionNode is either a ConditionExpression or a ConditionOperator.
type ConditionNode interface {
	conditionNode()
}

// ConditionExpression is one expression token of a condition sequence: a
// field path, a literal, or a full "path op value" simple expression.
type ConditionExpression struct {
	Expression string
}

func (ConditionExpression) conditionNode() {}

// ConditionOperator is one operator token of a condition sequence
// (AND, OR, MATCHES or a comparison operator).
type ConditionOperator struct {
	Op string
}

func (ConditionOperator) conditionNode() {}

// Selection is the SELECT clause: the declared output columns in order.
type Selection struct {
	Variables []Variable
}

// Variable is one output column: a source path and its AS label.
type Variable struct {
	Label string
	Path  string
}

// OrderRule is one ORDER BY entry. Accepted but not acted on by the
// filter translation.
type OrderRule struct {
	Path       string
	Descending bool
}

// TimeConstraint is a parsed time-window clause. Accepted but not acted
// on by the filter translation.
type TimeConstraint struct {
	Expression string
}
