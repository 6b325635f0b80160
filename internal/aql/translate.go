package aql

import (
	"fmt"
	"strings"
)

// Scope identifies which record collection a translated query runs
// against.
type Scope string

const (
	// ScopePatients targets the patient-record collection.
	ScopePatients Scope = "patients"
	// ScopeClinical targets the clinical-record collection.
	ScopeClinical Scope = "ehr"
)

// Plan is the executable form of a query: the collection scope, the
// boolean filter derived from the location and condition clauses, and
// the projection derived from the selection clause. Projection[i] is the
// normalized field path feeding Columns[i].
type Plan struct {
	Scope      Scope
	Filter     FilterNode
	Columns    []ResultColumnDef
	Projection []string
}

// Translate walks a query AST and produces an execution plan. The
// location clause is mandatory; condition and selection are optional.
// Errors keep their taxonomy (ErrLocationRequired, PredicateError,
// ConditionError, ParseSimpleExpressionError) so callers can tell a
// malformed query from a backend failure.
func Translate(q *Query) (*Plan, error) {
	if q == nil || q.Location == nil {
		return nil, ErrLocationRequired
	}

	scope, terms, err := translateLocation(q.Location)
	if err != nil {
		return nil, err
	}

	if q.Condition != nil && len(q.Condition.Sequence) > 0 {
		branches, err := translateCondition(q.Condition)
		if err != nil {
			return nil, err
		}
		switch len(branches) {
		case 0:
		case 1:
			// A single branch joins the location terms conjunctively.
			terms = append(terms, branches[0])
		default:
			terms = append(terms, &Or{Children: branches})
		}
	}

	plan := &Plan{Scope: scope}
	switch len(terms) {
	case 0:
	case 1:
		plan.Filter = terms[0]
	default:
		plan.Filter = &And{Children: terms}
	}

	if q.Selection != nil {
		for _, v := range q.Selection.Variables {
			name := v.Label
			if name == "" {
				name = v.Path
			}
			plan.Columns = append(plan.Columns, ResultColumnDef{Name: name, Path: v.Path})
			plan.Projection = append(plan.Projection, NormalizePath(v.Path))
		}
	}

	return plan, nil
}

// translateLocation derives the collection scope from the root class
// expression and folds the root and container predicates into filter
// terms, in declaration order.
func translateLocation(loc *Location) (Scope, []FilterNode, error) {
	ce := loc.ClassExpression
	if ce == nil {
		return "", nil, ErrLocationRequired
	}

	scope := ScopeClinical
	if strings.EqualFold(ce.ClassName, "patient") {
		scope = ScopePatients
	}

	var terms []FilterNode
	if ce.Predicate != nil {
		term, err := computePredicate(ce.Predicate)
		if err != nil {
			return "", nil, err
		}
		terms = append(terms, term)
	}
	for _, cont := range loc.Containers {
		if cont == nil || cont.ClassExpression == nil || cont.ClassExpression.Predicate == nil {
			continue
		}
		term, err := computePredicate(cont.ClassExpression.Predicate)
		if err != nil {
			return "", nil, err
		}
		terms = append(terms, term)
	}
	return scope, terms, nil
}

// computePredicate maps a bracket predicate to a filter term.
func computePredicate(p Predicate) (FilterNode, error) {
	switch pred := p.(type) {
	case *PredicateExpression:
		if pred.LeftOperand == "" {
			return nil, &PredicateError{Reason: "no left operand found"}
		}
		if pred.Operand == "" || pred.RightOperand == "" {
			return nil, &PredicateError{Reason: "no predicate expression found"}
		}
		op, ok := comparisonOps[pred.Operand]
		if !ok {
			return nil, &PredicateError{Reason: fmt.Sprintf("unsupported operator %q", pred.Operand)}
		}
		return &Comparison{Field: NormalizePath(pred.LeftOperand), Op: op, Value: stripQuotes(pred.RightOperand)}, nil
	case *ArchetypePredicate:
		if pred.ArchetypeID == "" {
			return nil, &PredicateError{Reason: "no archetype id found"}
		}
		// An archetype-presence predicate resolves to the record's
		// archetype field; clinical documents carry the id there.
		return &Comparison{Field: "archetype", Op: OpEq, Value: pred.ArchetypeID}, nil
	default:
		return nil, &PredicateError{Reason: "no predicate expression found"}
	}
}

// translateCondition consumes the flat token sequence of a condition
// clause and returns its OR-branches. Each branch is a conjunction of
// one or more leaf tests: AND extends the current branch, OR starts a
// new one. The parser accepts both tokenizations the upstream grammar
// produces: a comparison split across three tokens (path, operator,
// value) and a comparison packed into a single expression token.
func translateCondition(cond *Condition) ([]FilterNode, error) {
	p := &conditionParser{seq: cond.Sequence}

	var branches []FilterNode
	var current FilterNode
	for {
		node, err := p.parseConjunct()
		if err != nil {
			return nil, err
		}
		if current == nil {
			current = node
		} else {
			if and, ok := current.(*And); ok {
				and.Children = append(and.Children, node)
			} else {
				current = &And{Children: []FilterNode{current, node}}
			}
		}

		if p.done() {
			break
		}
		op, err := p.nextOperator()
		if err != nil {
			return nil, err
		}
		switch op {
		case "AND":
		case "OR":
			branches = append(branches, current)
			current = nil
		default:
			return nil, &ConditionError{Reason: fmt.Sprintf("unknown operator %q", op)}
		}
	}
	if current != nil {
		branches = append(branches, current)
	}
	return branches, nil
}

type conditionParser struct {
	seq []ConditionNode
	pos int
}

func (p *conditionParser) done() bool { return p.pos >= len(p.seq) }

func (p *conditionParser) nextExpression() (string, error) {
	if p.done() {
		return "", &ConditionError{Reason: "unexpected end of condition"}
	}
	expr, ok := p.seq[p.pos].(ConditionExpression)
	if !ok {
		return "", &ConditionError{Reason: fmt.Sprintf("expected expression at position %d", p.pos)}
	}
	p.pos++
	return expr.Expression, nil
}

func (p *conditionParser) nextOperator() (string, error) {
	if p.done() {
		return "", &ConditionError{Reason: "unexpected end of condition"}
	}
	op, ok := p.seq[p.pos].(ConditionOperator)
	if !ok {
		return "", &ConditionError{Reason: fmt.Sprintf("expected operator at position %d", p.pos)}
	}
	p.pos++
	return op.Op, nil
}

// parseConjunct consumes one leaf test: an expression token, optionally
// combined with a following comparison-operator/value pair or a MATCHES
// set.
func (p *conditionParser) parseConjunct() (FilterNode, error) {
	expr, err := p.nextExpression()
	if err != nil {
		return nil, err
	}
	expr = strings.TrimSpace(expr)

	// Lookahead: "path" followed by a comparison or MATCHES operator and
	// a value token forms a single leaf.
	if p.pos+1 < len(p.seq) {
		if op, ok := p.seq[p.pos].(ConditionOperator); ok {
			if cmp, isCmp := comparisonOps[op.Op]; isCmp {
				p.pos++
				value, err := p.nextExpression()
				if err != nil {
					return nil, err
				}
				return &Comparison{Field: NormalizePath(expr), Op: cmp, Value: stripQuotes(value)}, nil
			}
			if op.Op == "MATCHES" {
				p.pos++
				set, err := p.nextExpression()
				if err != nil {
					return nil, err
				}
				values, err := parseMatchExpression(set)
				if err != nil {
					return nil, err
				}
				return &Membership{Field: NormalizePath(expr), Values: values}, nil
			}
		}
	}

	return parseSimpleExpression(expr)
}

// parseSimpleExpression parses a standalone condition token: a bare path
// becomes an existence test, "path op value" becomes a comparison.
func parseSimpleExpression(expr string) (FilterNode, error) {
	expr = strings.TrimSpace(strings.Trim(expr, "()"))
	if expr == "" {
		return nil, &ParseSimpleExpressionError{Expression: expr, Reason: "empty expression"}
	}
	// Longest operators first so ">=" is not read as ">".
	for _, op := range []string{">=", "<=", "!=", ">", "<", "="} {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(expr[:idx])
		right := strings.TrimSpace(expr[idx+len(op):])
		if left == "" {
			return nil, &ParseSimpleExpressionError{Expression: expr, Reason: "missing left operand"}
		}
		if right == "" {
			return nil, &ParseSimpleExpressionError{Expression: expr, Reason: "missing right operand"}
		}
		return &Comparison{Field: NormalizePath(stripQuotes(left)), Op: comparisonOps[op], Value: stripQuotes(right)}, nil
	}
	return &Exists{Field: NormalizePath(expr)}, nil
}

// parseMatchExpression parses a brace-delimited, comma-separated literal
// set, e.g. {'lying','standing'}.
func parseMatchExpression(expr string) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "{") || !strings.HasSuffix(expr, "}") {
		return nil, &ParseSimpleExpressionError{Expression: expr, Reason: "MATCHES set must be brace-delimited"}
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(expr, "{"), "}")
	var values []string
	for _, raw := range strings.Split(inner, ",") {
		v := stripQuotes(strings.TrimSpace(raw))
		if v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, &ParseSimpleExpressionError{Expression: expr, Reason: "empty MATCHES set"}
	}
	return values, nil
}

// reservedFields are document fields addressed directly rather than
// inside the clinical payload.
var reservedFields = map[string]string{
	"archetype":     "archetype",
	"creation_time": "creation_time",
	"last_update":   "last_update",
	"active":        "active",
	"ehr_records":   "ehr_records",
	"_id":           "_id",
	"uid":           "_id",
}

// NormalizePath converts an AQL path to a dot-separated document field
// path: the variable binding is dropped, bracketed node ids become path
// segments, and payload paths are rooted under the ehr_data field.
// "o/data[at0001]/events[at0006]/value" → "ehr_data.data.at0001.events.at0006.value".
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	// Drop the leading variable binding (e.g. "o/..."): the first
	// segment is a binding when it carries no node predicate.
	if i := strings.Index(p, "/"); i > 0 && !strings.Contains(p[:i], "[") {
		p = p[i+1:]
	}
	p = strings.NewReplacer("[", "/", "]", "").Replace(p)
	p = strings.ReplaceAll(p, "/", ".")
	var segs []string
	for _, s := range strings.Split(p, ".") {
		if s = strings.TrimSpace(s); s != "" {
			segs = append(segs, s)
		}
	}
	if len(segs) == 0 {
		return ""
	}
	if mapped, ok := reservedFields[segs[0]]; ok {
		segs[0] = mapped
		return strings.Join(segs, ".")
	}
	return "ehr_data." + strings.Join(segs, ".")
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "'")
	s = strings.Trim(s, `"`)
	return s
}
