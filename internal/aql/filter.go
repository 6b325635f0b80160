package aql

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Backend filter tree
//
// A translated query is a boolean expression tree over leaf tests on
// dot-separated document field paths. Drivers either compile the tree to
// their native query form or evaluate it directly with Match. Paths
// traverse nested maps and descend transparently into array elements, so
// "data.at0001.events" reaches events inside every element of the
// at0001 list.
// ---------------------------------------------------------------------------

// CompareOp is a leaf comparison operator.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
)

// comparisonOps maps condition operator tokens to comparison operators.
var comparisonOps = map[string]CompareOp{
	"=": OpEq, "!=": OpNe,
	">": OpGt, ">=": OpGe,
	"<": OpLt, "<=": OpLe,
}

// FilterNode is one node of a filter tree.
type FilterNode interface {
	// Match evaluates the node against a raw backend document.
	Match(doc map[string]any) bool
}

// Comparison tests a field path against a literal value.
type Comparison struct {
	Field string
	Op    CompareOp
	Value any
}

func (c *Comparison) Match(doc map[string]any) bool {
	for _, v := range LookupPath(doc, c.Field) {
		if compareValues(v, c.Op, c.Value) {
			return true
		}
	}
	return false
}

// Exists tests bare field-path presence.
type Exists struct {
	Field string
}

func (e *Exists) Match(doc map[string]any) bool {
	return len(LookupPath(doc, e.Field)) > 0
}

// Membership tests a field path against a literal value set.
type Membership struct {
	Field  string
	Values []string
}

func (m *Membership) Match(doc map[string]any) bool {
	for _, v := range LookupPath(doc, m.Field) {
		s := stringValue(v)
		for _, want := range m.Values {
			if s == want {
				return true
			}
		}
	}
	return false
}

// And matches when every child matches.
type And struct {
	Children []FilterNode
}

func (a *And) Match(doc map[string]any) bool {
	for _, c := range a.Children {
		if !c.Match(doc) {
			return false
		}
	}
	return true
}

// Or matches when at least one child matches.
type Or struct {
	Children []FilterNode
}

func (o *Or) Match(doc map[string]any) bool {
	for _, c := range o.Children {
		if c.Match(doc) {
			return true
		}
	}
	return false
}

// LookupPath resolves a dot-separated field path against a document and
// returns every value reachable through it. Array elements along the
// path are descended into, so a single path can yield several candidate
// values. A missing path yields nil.
func LookupPath(doc map[string]any, path string) []any {
	if path == "" {
		return nil
	}
	current := []any{doc}
	for _, seg := range strings.Split(path, ".") {
		var next []any
		for _, node := range current {
			next = append(next, lookupSegment(node, seg)...)
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

func lookupSegment(node any, seg string) []any {
	switch n := node.(type) {
	case map[string]any:
		if v, ok := n[seg]; ok {
			return []any{v}
		}
	case []any:
		var out []any
		for _, item := range n {
			out = append(out, lookupSegment(item, seg)...)
		}
		return out
	}
	return nil
}

// compareValues compares a document value against a filter literal,
// numerically when both sides coerce to numbers, lexically otherwise.
func compareValues(got any, op CompareOp, want any) bool {
	gf, gok := floatValue(got)
	wf, wok := floatValue(want)
	if gok && wok {
		switch op {
		case OpEq:
			return gf == wf
		case OpNe:
			return gf != wf
		case OpGt:
			return gf > wf
		case OpGe:
			return gf >= wf
		case OpLt:
			return gf < wf
		case OpLe:
			return gf <= wf
		}
		return false
	}
	gs, ws := stringValue(got), stringValue(want)
	switch op {
	case OpEq:
		return gs == ws
	case OpNe:
		return gs != ws
	case OpGt:
		return gs > ws
	case OpGe:
		return gs >= ws
	case OpLt:
		return gs < ws
	case OpLe:
		return gs <= ws
	}
	return false
}

// EqualValues reports the loose equality used for field-value matching:
// numeric when both sides coerce to numbers, string form otherwise.
func EqualValues(a, b any) bool {
	return compareValues(a, OpEq, b)
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
