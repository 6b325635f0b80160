package ehr

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/ehrstore/internal/aql"
)

// planQuery renders a translated query plan as SQL over the JSONB doc
// column. Filter leaves become jsonb_path_exists predicates and
// projection paths become jsonb_path_query_first expressions; both are
// parameterized as ::jsonpath casts so path text never concatenates
// into the statement.
type planQuery struct {
	table string
	plan  *aql.Plan

	where string
	args  []any
}

func newPlanQuery(table string, plan *aql.Plan) *planQuery {
	qb := &planQuery{table: table, plan: plan}
	if plan.Filter != nil {
		qb.where = qb.compile(plan.Filter)
	}
	return qb
}

// Args returns the parameters accumulated while compiling the WHERE
// clause. They are shared by the count and data statements.
func (qb *planQuery) Args() []any { return qb.args }

func (qb *planQuery) CountSQL() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, qb.table, qb.whereClause())
}

// DataSQL projects one jsonb_path_query_first column per selected
// variable, in selection order. A selection-less query still returns
// one row per match, but the rows carry no values.
func (qb *planQuery) DataSQL() string {
	cols := make([]string, len(qb.plan.Projection))
	for i := range qb.plan.Projection {
		cols[i] = fmt.Sprintf("jsonb_path_query_first(doc, $%d::jsonpath)", len(qb.args)+i+1)
	}
	if len(cols) == 0 {
		cols = []string{"1"}
	}
	return fmt.Sprintf(`SELECT %s FROM %s%s`, strings.Join(cols, ", "), qb.table, qb.whereClause())
}

func (qb *planQuery) DataArgs() []any {
	out := make([]any, 0, len(qb.args)+len(qb.plan.Projection))
	out = append(out, qb.args...)
	for _, path := range qb.plan.Projection {
		out = append(out, jsonPath(path))
	}
	return out
}

// ScanRow reads one projected row. Columns come back as decoded JSONB
// values; a path that matched nothing scans as nil. Row width always
// equals the declared column count, so a selection-less query yields
// zero-width rows.
func (qb *planQuery) ScanRow(rows pgx.Rows) (aql.ResultRow, error) {
	n := len(qb.plan.Projection)
	if n == 0 {
		var one int
		if err := rows.Scan(&one); err != nil {
			return aql.ResultRow{}, fmt.Errorf("scan result row: %w", err)
		}
		return aql.ResultRow{Items: []any{}}, nil
	}
	items := make([]any, n)
	dests := make([]any, n)
	for i := range items {
		dests[i] = &items[i]
	}
	if err := rows.Scan(dests...); err != nil {
		return aql.ResultRow{}, fmt.Errorf("scan result row: %w", err)
	}
	return aql.ResultRow{Items: items}, nil
}

func (qb *planQuery) whereClause() string {
	if qb.where == "" {
		return ""
	}
	return " WHERE " + qb.where
}

// compile renders a filter node as a SQL boolean expression, pushing
// jsonpath parameters as it goes.
func (qb *planQuery) compile(node aql.FilterNode) string {
	switch n := node.(type) {
	case *aql.And:
		return qb.compileJunction(n.Children, " AND ")
	case *aql.Or:
		return qb.compileJunction(n.Children, " OR ")
	case *aql.Comparison:
		return qb.pathExists(comparisonPath(n))
	case *aql.Exists:
		return qb.pathExists(jsonPath(n.Field))
	case *aql.Membership:
		parts := make([]string, len(n.Values))
		for i, v := range n.Values {
			parts[i] = qb.pathExists(predicatePath(n.Field, "==", jsonPathLiteral(v)))
		}
		return "(" + strings.Join(parts, " OR ") + ")"
	default:
		// Translate only produces the node types above.
		return "FALSE"
	}
}

func (qb *planQuery) compileJunction(children []aql.FilterNode, sep string) string {
	parts := make([]string, len(children))
	for i, child := range children {
		parts[i] = qb.compile(child)
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func (qb *planQuery) pathExists(path string) string {
	qb.args = append(qb.args, path)
	return fmt.Sprintf("jsonb_path_exists(doc, $%d::jsonpath)", len(qb.args))
}

// comparisonPath renders a comparison leaf as a jsonpath filter.
// Numeric-looking operands are emitted as number literals so relational
// operators compare numerically, matching lookup coercion on decoded
// documents.
func comparisonPath(c *aql.Comparison) string {
	lit, _ := jsonPathValue(c.Value)
	return predicatePath(c.Field, jsonPathOps[c.Op], lit)
}

var jsonPathOps = map[aql.CompareOp]string{
	aql.OpEq: "==",
	aql.OpNe: "!=",
	aql.OpGt: ">",
	aql.OpGe: ">=",
	aql.OpLt: "<",
	aql.OpLe: "<=",
}

// predicatePath builds `$.a.b[*].c ? (@ <op> <value>)`. Every segment
// gets a [*] wildcard suffix so paths stay transparent to intervening
// arrays, matching lookup behavior on decoded documents.
func predicatePath(field, op, value string) string {
	return fmt.Sprintf("%s ? (@ %s %s)", jsonPath(field), op, value)
}

// jsonPath converts a dotted field path to a jsonpath expression that
// descends through arrays at every step.
func jsonPath(field string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(field, ".") {
		b.WriteString(".")
		b.WriteString(quoteSegment(seg))
		b.WriteString("[*]")
	}
	return b.String()
}

func quoteSegment(seg string) string {
	for _, r := range seg {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return `"` + strings.ReplaceAll(seg, `"`, `\"`) + `"`
		}
	}
	return seg
}

// jsonPathValue renders a filter operand as a jsonpath literal and
// reports whether it is numeric.
func jsonPathValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		if isNumericLiteral(val) {
			return val, true
		}
		return jsonPathLiteral(val), false
	case float64:
		return fmt.Sprintf("%g", val), true
	case int:
		return fmt.Sprintf("%d", val), true
	case bool:
		return fmt.Sprintf("%t", val), true
	default:
		return jsonPathLiteral(fmt.Sprintf("%v", val)), false
	}
}

func jsonPathLiteral(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func isNumericLiteral(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '-' && i == 0:
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}
