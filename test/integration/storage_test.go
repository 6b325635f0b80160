package integration

import (
	"context"
	"testing"

	"github.com/ehr/ehrstore/internal/aql"
	"github.com/ehr/ehrstore/internal/ehr"
)

func bpDocument(id, patient string, systolic, diastolic float64) ehr.Document {
	return ehr.Document{
		ehr.FieldID:        id,
		ehr.FieldActive:    true,
		ehr.FieldArchetype: "openEHR-EHR-OBSERVATION.blood_pressure.v1",
		ehr.FieldEhrData: map[string]any{
			"patient": patient,
			"data": []any{
				map[string]any{
					"blood_pressure": map[string]any{
						"systolic":  systolic,
						"diastolic": diastolic,
					},
				},
			},
		},
	}
}

func bpInstance(systolic, diastolic float64) ehr.ArchetypeInstance {
	return ehr.ArchetypeInstance{
		ArchetypeID: "openEHR-EHR-OBSERVATION.blood_pressure.v1",
		Document: map[string]any{
			"blood_pressure": map[string]any{
				"systolic":  systolic,
				"diastolic": diastolic,
			},
		},
	}
}

func TestPGDriver_AddAndGet(t *testing.T) {
	d := newPGDriver(t, "t_addget")
	ctx := context.Background()

	id, err := d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 120, 80))
	if err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if id != "REC-1" {
		t.Errorf("id = %q", id)
	}

	doc, err := d.GetRecordByID(ctx, "REC-1")
	if err != nil {
		t.Fatalf("GetRecordByID: %v", err)
	}
	if doc == nil {
		t.Fatal("record not found")
	}
	if doc[ehr.FieldID] != "REC-1" {
		t.Errorf("_id = %v", doc[ehr.FieldID])
	}
	if got := aql.LookupPath(doc, "ehr_data.data.blood_pressure.systolic"); len(got) != 1 || got[0] != float64(120) {
		t.Errorf("systolic lookup = %v", got)
	}

	missing, err := d.GetRecordByID(ctx, "nope")
	if err != nil {
		t.Fatalf("GetRecordByID missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing record should be nil, got %v", missing)
	}
}

func TestPGDriver_GeneratesID(t *testing.T) {
	d := newPGDriver(t, "t_genid")
	ctx := context.Background()

	doc := bpDocument("", "PATIENT-1", 120, 80)
	delete(doc, ehr.FieldID)
	id, err := d.AddRecord(ctx, doc)
	if err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	if got, _ := d.GetRecordByID(ctx, id); got == nil {
		t.Error("generated-id record not readable")
	}
}

func TestPGDriver_DuplicatedKey(t *testing.T) {
	d := newPGDriver(t, "t_dup")
	ctx := context.Background()

	if _, err := d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 120, 80)); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	_, err := d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 120, 80))
	if !ehr.IsDuplicatedKey(err) {
		t.Fatalf("expected DuplicatedKeyError, got %v", err)
	}
}

func TestPGDriver_BulkAddPartialConflict(t *testing.T) {
	d := newPGDriver(t, "t_bulk")
	ctx := context.Background()

	if _, err := d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 120, 80)); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	_, err := d.AddRecords(ctx, []ehr.Document{
		bpDocument("REC-1", "PATIENT-1", 120, 80),
		bpDocument("REC-2", "PATIENT-1", 130, 85),
	})
	if !ehr.IsDuplicatedKey(err) {
		t.Fatalf("expected DuplicatedKeyError, got %v", err)
	}

	// The non-conflicting row persists.
	n, err := d.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if doc, _ := d.GetRecordByID(ctx, "REC-2"); doc == nil {
		t.Error("REC-2 should have been inserted")
	}
}

func TestPGDriver_Cursors(t *testing.T) {
	d := newPGDriver(t, "t_cursors")
	ctx := context.Background()

	cur, err := d.GetAllRecords(ctx)
	if err != nil {
		t.Fatalf("GetAllRecords empty: %v", err)
	}
	if cur != nil {
		t.Fatal("empty collection should yield nil cursor")
	}

	d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 120, 80))
	d.AddRecord(ctx, bpDocument("REC-2", "PATIENT-2", 185, 115))

	cur, err = d.GetAllRecords(ctx)
	if err != nil {
		t.Fatalf("GetAllRecords: %v", err)
	}
	if cur == nil {
		t.Fatal("expected cursor")
	}
	defer cur.Close()
	seen := map[string]bool{}
	for cur.Next() {
		seen[cur.Document()[ehr.FieldID].(string)] = true
	}
	if err := cur.Err(); err != nil {
		t.Fatalf("cursor error: %v", err)
	}
	if len(seen) != 2 || !seen["REC-1"] || !seen["REC-2"] {
		t.Errorf("seen = %v", seen)
	}
}

func TestPGDriver_GetRecordsByValue(t *testing.T) {
	d := newPGDriver(t, "t_byvalue")
	ctx := context.Background()

	d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 120, 80))
	d.AddRecord(ctx, bpDocument("REC-2", "PATIENT-2", 185, 115))

	cur, err := d.GetRecordsByValue(ctx, ehr.FieldArchetype, "openEHR-EHR-OBSERVATION.blood_pressure.v1")
	if err != nil {
		t.Fatalf("GetRecordsByValue: %v", err)
	}
	if cur == nil {
		t.Fatal("expected cursor")
	}
	defer cur.Close()
	n := 0
	for cur.Next() {
		n++
	}
	if n != 2 {
		t.Errorf("matched %d records", n)
	}

	cur, err = d.GetRecordsByValue(ctx, ehr.FieldArchetype, "no-such-archetype")
	if err != nil {
		t.Fatalf("GetRecordsByValue miss: %v", err)
	}
	if cur != nil {
		t.Error("no-match query should yield nil cursor")
	}
}

func TestPGDriver_UpdateFieldAndLists(t *testing.T) {
	d := newPGDriver(t, "t_update")
	ctx := context.Background()

	d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 120, 80))

	ts, err := d.UpdateField(ctx, "REC-1", ehr.FieldActive, false, ehr.FieldLastUpdate)
	if err != nil {
		t.Fatalf("UpdateField: %v", err)
	}
	if ts == nil {
		t.Fatal("expected update timestamp")
	}
	doc, _ := d.GetRecordByID(ctx, "REC-1")
	if doc[ehr.FieldActive] != false {
		t.Errorf("active = %v", doc[ehr.FieldActive])
	}
	if doc[ehr.FieldLastUpdate] == nil {
		t.Error("last_update not recorded")
	}

	if _, err := d.AddToList(ctx, "REC-1", ehr.FieldEhrRecords, "CHILD-1", ""); err != nil {
		t.Fatalf("AddToList: %v", err)
	}
	doc, _ = d.GetRecordByID(ctx, "REC-1")
	list, _ := doc[ehr.FieldEhrRecords].([]any)
	if len(list) != 1 || list[0] != "CHILD-1" {
		t.Errorf("list = %v", list)
	}

	if _, err := d.RemoveFromList(ctx, "REC-1", ehr.FieldEhrRecords, "CHILD-1", ""); err != nil {
		t.Fatalf("RemoveFromList: %v", err)
	}
	doc, _ = d.GetRecordByID(ctx, "REC-1")
	list, _ = doc[ehr.FieldEhrRecords].([]any)
	if len(list) != 0 {
		t.Errorf("list after removal = %v", list)
	}

	ts, err = d.UpdateField(ctx, "nope", ehr.FieldActive, true, ehr.FieldLastUpdate)
	if err != nil || ts != nil {
		t.Errorf("missing id should yield (nil, nil), got (%v, %v)", ts, err)
	}
}

func TestPGDriver_DeleteRecord(t *testing.T) {
	d := newPGDriver(t, "t_delete")
	ctx := context.Background()

	d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 120, 80))

	deleted, err := d.DeleteRecord(ctx, "REC-1")
	if err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if !deleted {
		t.Error("expected deletion")
	}

	deleted, err = d.DeleteRecord(ctx, "REC-1")
	if err != nil {
		t.Fatalf("DeleteRecord missing: %v", err)
	}
	if deleted {
		t.Error("second delete should report nothing removed")
	}
}

func TestPGDriver_ExecuteQuery(t *testing.T) {
	d := newPGDriver(t, "t_query")
	ctx := context.Background()

	d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 185, 115))
	d.AddRecord(ctx, bpDocument("REC-2", "PATIENT-2", 120, 80))
	d.AddRecord(ctx, bpDocument("REC-3", "PATIENT-3", 190, 112))

	q := &aql.Query{
		Selection: &aql.Selection{Variables: []aql.Variable{
			{Label: "patient", Path: "o/patient"},
			{Label: "systolic", Path: "o/data/blood_pressure/systolic"},
		}},
		Location: &aql.Location{ClassExpression: &aql.ClassExpression{
			ClassName:    "Observation",
			VariableName: "o",
			Predicate:    &aql.ArchetypePredicate{ArchetypeID: "openEHR-EHR-OBSERVATION.blood_pressure.v1"},
		}},
		Condition: &aql.Condition{Sequence: []aql.ConditionNode{
			aql.ConditionExpression{Expression: "o/data/blood_pressure/systolic"},
			aql.ConditionOperator{Op: ">="},
			aql.ConditionExpression{Expression: "180"},
			aql.ConditionOperator{Op: "AND"},
			aql.ConditionExpression{Expression: "o/data/blood_pressure/diastolic >= 110"},
		}},
	}
	rs, err := d.ExecuteQuery(ctx, q)
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if rs.TotalResults != 2 {
		t.Fatalf("total = %d", rs.TotalResults)
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("rows = %d", len(rs.Rows))
	}
	patients := rs.DistinctResults("patient")
	if len(patients) != 2 {
		t.Errorf("distinct patients = %v", patients)
	}
}

func TestPGDriver_ExecuteQuery_NoSelection(t *testing.T) {
	d := newPGDriver(t, "t_query_nosel")
	ctx := context.Background()

	d.AddRecord(ctx, bpDocument("REC-1", "PATIENT-1", 185, 115))
	d.AddRecord(ctx, bpDocument("REC-2", "PATIENT-2", 120, 80))

	q := &aql.Query{
		Location: &aql.Location{ClassExpression: &aql.ClassExpression{
			ClassName: "Observation",
			Predicate: &aql.ArchetypePredicate{ArchetypeID: "openEHR-EHR-OBSERVATION.blood_pressure.v1"},
		}},
	}
	rs, err := d.ExecuteQuery(ctx, q)
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if rs.TotalResults != 2 || len(rs.Rows) != 2 {
		t.Fatalf("total = %d, rows = %d", rs.TotalResults, len(rs.Rows))
	}
	if len(rs.Columns) != 0 {
		t.Fatalf("columns = %v", rs.Columns)
	}
	for _, row := range rs.Rows {
		if len(row.Items) != 0 {
			t.Errorf("row width = %d, want 0", len(row.Items))
		}
	}
}

func TestServices_EndToEnd(t *testing.T) {
	svc := newPGServices(t, "t_services")
	ctx := context.Background()

	if _, err := svc.SavePatient(ctx, ehr.NewPatientRecord("PATIENT-1")); err != nil {
		t.Fatalf("SavePatient: %v", err)
	}
	rec, err := svc.SaveEhrRecord(ctx, "PATIENT-1", ehr.NewClinicalRecord(bpInstance(185, 115)))
	if err != nil {
		t.Fatalf("SaveEhrRecord: %v", err)
	}

	p, err := svc.GetPatient(ctx, "PATIENT-1", true)
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	if len(p.EhrRecords) != 1 || !p.EhrRecords[0].Loaded {
		t.Fatalf("records not loaded: %+v", p.EhrRecords)
	}
	if p.EhrRecords[0].RecordID != rec.RecordID {
		t.Errorf("linked id = %q, want %q", p.EhrRecords[0].RecordID, rec.RecordID)
	}

	q := &aql.Query{
		Selection: &aql.Selection{Variables: []aql.Variable{
			{Label: "systolic", Path: "o/blood_pressure/systolic"},
		}},
		Location: &aql.Location{ClassExpression: &aql.ClassExpression{
			ClassName: "Observation",
			Predicate: &aql.ArchetypePredicate{ArchetypeID: "openEHR-EHR-OBSERVATION.blood_pressure.v1"},
		}},
		Condition: &aql.Condition{Sequence: []aql.ConditionNode{
			aql.ConditionExpression{Expression: "o/blood_pressure/systolic >= 180"},
		}},
	}
	rs, err := svc.ExecuteQuery(ctx, q)
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	if rs.TotalResults != 1 {
		t.Errorf("total = %d", rs.TotalResults)
	}

	if err := svc.DeletePatient(ctx, p, true); err != nil {
		t.Fatalf("DeletePatient cascade: %v", err)
	}
	if got, _ := svc.GetEhrRecord(ctx, rec.RecordID); got != nil {
		t.Error("clinical record should be gone after cascade")
	}
}
