package aql

import (
	"testing"
)

func bpDoc(systolic, diastolic float64, position string) map[string]any {
	return map[string]any{
		"archetype": "openEHR-EHR-OBSERVATION.blood_pressure.v1",
		"active":    true,
		"ehr_data": map[string]any{
			"data": map[string]any{
				"at0001": []any{
					map[string]any{
						"events": []any{
							map[string]any{
								"at0006": map[string]any{
									"data": map[string]any{
										"at0003": []any{
											map[string]any{
												"blood_pressure": map[string]any{
													"systolic":  systolic,
													"diastolic": diastolic,
													"position":  position,
												},
											},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestLookupPath_NestedMaps(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": map[string]any{"c": 42}}}

	vals := LookupPath(doc, "a.b.c")
	if len(vals) != 1 {
		t.Fatalf("expected 1 value, got %d", len(vals))
	}
	if vals[0] != 42 {
		t.Errorf("expected 42, got %v", vals[0])
	}
}

func TestLookupPath_DescendsArrays(t *testing.T) {
	doc := bpDoc(120, 80, "lying")

	vals := LookupPath(doc, "ehr_data.data.at0001.events.at0006.data.at0003.blood_pressure.systolic")
	if len(vals) != 1 {
		t.Fatalf("expected 1 value through nested arrays, got %d", len(vals))
	}
	if vals[0] != float64(120) {
		t.Errorf("expected 120, got %v", vals[0])
	}
}

func TestLookupPath_MultipleArrayElements(t *testing.T) {
	doc := map[string]any{
		"items": []any{
			map[string]any{"v": 1},
			map[string]any{"v": 2},
			map[string]any{"other": 3},
		},
	}

	vals := LookupPath(doc, "items.v")
	if len(vals) != 2 {
		t.Fatalf("expected 2 values, got %d", len(vals))
	}
}

func TestLookupPath_Missing(t *testing.T) {
	doc := map[string]any{"a": map[string]any{"b": 1}}

	if vals := LookupPath(doc, "a.c"); vals != nil {
		t.Errorf("expected nil for missing path, got %v", vals)
	}
	if vals := LookupPath(doc, ""); vals != nil {
		t.Errorf("expected nil for empty path, got %v", vals)
	}
}

func TestComparison_NumericCoercion(t *testing.T) {
	doc := map[string]any{"v": float64(150)}

	tests := []struct {
		name  string
		op    CompareOp
		value any
		want  bool
	}{
		{"gt string literal", OpGt, "140", true},
		{"gt not satisfied", OpGt, "150", false},
		{"ge boundary", OpGe, "150", true},
		{"lt", OpLt, "160", true},
		{"le boundary", OpLe, "150", true},
		{"eq int literal", OpEq, 150, true},
		{"ne", OpNe, "150", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmp := &Comparison{Field: "v", Op: tt.op, Value: tt.value}
			if got := cmp.Match(doc); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComparison_StringFallback(t *testing.T) {
	doc := map[string]any{"position": "lying"}

	eq := &Comparison{Field: "position", Op: OpEq, Value: "lying"}
	if !eq.Match(doc) {
		t.Error("expected string equality to match")
	}
	ne := &Comparison{Field: "position", Op: OpEq, Value: "standing"}
	if ne.Match(doc) {
		t.Error("expected mismatched string not to match")
	}
}

func TestComparison_MatchesAnyArrayElement(t *testing.T) {
	doc := map[string]any{
		"readings": []any{
			map[string]any{"systolic": float64(110)},
			map[string]any{"systolic": float64(155)},
		},
	}

	cmp := &Comparison{Field: "readings.systolic", Op: OpGt, Value: "140"}
	if !cmp.Match(doc) {
		t.Error("expected comparison to match when any element satisfies it")
	}
}

func TestExists(t *testing.T) {
	doc := bpDoc(120, 80, "lying")

	if !(&Exists{Field: "ehr_data.data.at0001"}).Match(doc) {
		t.Error("expected existing path to match")
	}
	if (&Exists{Field: "ehr_data.data.at9999"}).Match(doc) {
		t.Error("expected missing path not to match")
	}
}

func TestMembership(t *testing.T) {
	doc := bpDoc(120, 80, "standing")
	field := "ehr_data.data.at0001.events.at0006.data.at0003.blood_pressure.position"

	in := &Membership{Field: field, Values: []string{"lying", "standing"}}
	if !in.Match(doc) {
		t.Error("expected membership to match")
	}
	out := &Membership{Field: field, Values: []string{"sitting"}}
	if out.Match(doc) {
		t.Error("expected non-member not to match")
	}
}

func TestAndOr(t *testing.T) {
	doc := map[string]any{"a": float64(1), "b": "x"}

	yes := &Comparison{Field: "a", Op: OpEq, Value: 1}
	no := &Comparison{Field: "b", Op: OpEq, Value: "y"}

	if !(&And{Children: []FilterNode{yes}}).Match(doc) {
		t.Error("single-child and should match")
	}
	if (&And{Children: []FilterNode{yes, no}}).Match(doc) {
		t.Error("and with failing child should not match")
	}
	if !(&Or{Children: []FilterNode{no, yes}}).Match(doc) {
		t.Error("or with one passing child should match")
	}
	if (&Or{Children: []FilterNode{no, no}}).Match(doc) {
		t.Error("or with no passing child should not match")
	}
}

func TestEqualValues(t *testing.T) {
	if !EqualValues(float64(5), "5") {
		t.Error("expected numeric string to equal number")
	}
	if !EqualValues("abc", "abc") {
		t.Error("expected equal strings to match")
	}
	if EqualValues(float64(5), "6") {
		t.Error("expected different numbers not to match")
	}
}
