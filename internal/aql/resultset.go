package aql

// ResultColumnDef is one declared output column: the AS label and the
// source path it was selected from.
type ResultColumnDef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ResultRow holds one value per declared column, in column order.
type ResultRow struct {
	Items []any `json:"items"`
}

// ResultSet is the materialized outcome of a query execution.
// TotalResults counts the matched documents independent of any
// projection; every row has exactly len(Columns) items.
type ResultSet struct {
	TotalResults int               `json:"total_results"`
	Columns      []ResultColumnDef `json:"columns"`
	Rows         []ResultRow       `json:"rows"`
}

// Results returns one label→value mapping per row.
func (rs *ResultSet) Results() []map[string]any {
	out := make([]map[string]any, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		m := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(row.Items) {
				m[col.Name] = row.Items[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// DistinctResults returns the distinct values of the named column, in
// first-seen row order. Values must be comparable scalars.
func (rs *ResultSet) DistinctResults(name string) []any {
	idx := -1
	for i, col := range rs.Columns {
		if col.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	seen := make(map[any]struct{})
	var out []any
	for _, row := range rs.Rows {
		if idx >= len(row.Items) {
			continue
		}
		v := row.Items[idx]
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// AssembleRow projects a raw document onto the given field paths,
// taking the first reachable value per path and nil for a missing one.
func AssembleRow(doc map[string]any, projection []string) ResultRow {
	items := make([]any, len(projection))
	for i, path := range projection {
		if vals := LookupPath(doc, path); len(vals) > 0 {
			items[i] = vals[0]
		}
	}
	return ResultRow{Items: items}
}
