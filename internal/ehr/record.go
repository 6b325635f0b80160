package ehr

import "time"

// Record is the closed set of persistable record kinds. Exactly
// PatientRecord and ClinicalRecord implement it; the codec switches
// exhaustively over the two.
type Record interface {
	record()
}

// PatientRecord is the top-level patient document. It owns only the ids
// of the clinical records it lists; record bodies live in their own
// collection and may be attached here loaded or as unloaded stubs.
type PatientRecord struct {
	RecordID     string            `json:"record_id"`
	CreationTime time.Time         `json:"creation_time"`
	LastUpdate   time.Time         `json:"last_update"`
	Active       bool              `json:"active"`
	EhrRecords   []*ClinicalRecord `json:"ehr_records,omitempty"`
}

func (*PatientRecord) record() {}

// NewPatientRecord creates an active patient with the given id and the
// current time as creation and update timestamps.
func NewPatientRecord(id string) *PatientRecord {
	now := time.Now().UTC()
	return &PatientRecord{
		RecordID:     id,
		CreationTime: now,
		LastUpdate:   now,
		Active:       true,
	}
}

// RecordIDs returns the ids of the listed clinical records, in order.
func (p *PatientRecord) RecordIDs() []string {
	ids := make([]string, 0, len(p.EhrRecords))
	for _, r := range p.EhrRecords {
		ids = append(ids, r.RecordID)
	}
	return ids
}

// ClinicalRecord is one clinical document: an archetype id plus an
// arbitrarily nested payload. A record with Loaded=false carries
// identity fields only and must be re-fetched before its data is read.
type ClinicalRecord struct {
	RecordID     string         `json:"record_id"`
	CreationTime time.Time      `json:"creation_time"`
	LastUpdate   time.Time      `json:"last_update"`
	Active       bool           `json:"active"`
	Archetype    string         `json:"archetype"`
	EhrData      map[string]any `json:"ehr_data"`
	StructureID  string         `json:"ehr_structure_id,omitempty"`
	Loaded       bool           `json:"-"`
}

func (*ClinicalRecord) record() {}

// NewClinicalRecord builds a loaded clinical record from an archetype
// instance. The record id is assigned at save time.
func NewClinicalRecord(inst ArchetypeInstance) *ClinicalRecord {
	now := time.Now().UTC()
	return &ClinicalRecord{
		CreationTime: now,
		LastUpdate:   now,
		Active:       true,
		Archetype:    inst.ArchetypeID,
		EhrData:      inst.Document,
		Loaded:       true,
	}
}

// UnloadedClinicalRecord builds an identity-only stub for the given id.
func UnloadedClinicalRecord(id string) *ClinicalRecord {
	return &ClinicalRecord{
		RecordID: id,
		EhrData:  map[string]any{},
	}
}

// ArchetypeInstance pairs an archetype id with one document conforming
// to it. It has no persistence identity of its own.
type ArchetypeInstance struct {
	ArchetypeID string         `json:"archetype_id"`
	Document    map[string]any `json:"document"`
}
