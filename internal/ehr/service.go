package ehr

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrstore/internal/aql"
)

// Services is the record-level API over a document-store driver. Every
// method runs inside its own connect/disconnect bracket; the driver is
// only connected for the duration of the call.
type Services struct {
	driver Driver
	index  IndexService
	codec  *Codec
	scopes ScopeCollections
	logger zerolog.Logger
}

func NewServices(driver Driver, index IndexService, codec *Codec, scopes ScopeCollections, logger zerolog.Logger) *Services {
	return &Services{
		driver: driver,
		index:  index,
		codec:  codec,
		scopes: scopes,
		logger: logger.With().Str("component", "services").Logger(),
	}
}

// InitStructure ensures both collections exist on the backend.
func (s *Services) InitStructure(ctx context.Context) error {
	return WithConnection(ctx, s.driver, func(d Driver) error {
		return d.InitStructure(ctx, StructureDef{Collections: []string{s.scopes.Patients, s.scopes.EHR}})
	})
}

// SavePatient persists a new patient record and returns it with its
// assigned id. Saving an id that already exists fails with
// *DuplicatedKeyError.
func (s *Services) SavePatient(ctx context.Context, p *PatientRecord) (*PatientRecord, error) {
	doc, err := s.codec.Encode(p)
	if err != nil {
		return nil, err
	}
	err = WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.Patients); err != nil {
			return err
		}
		id, err := d.AddRecord(ctx, doc)
		if err != nil {
			return err
		}
		p.RecordID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("patient_id", p.RecordID).Msg("saved patient record")
	return p, nil
}

// SaveEhrRecord persists one clinical record, indexes its structure and
// links it to the owning patient.
func (s *Services) SaveEhrRecord(ctx context.Context, patientID string, r *ClinicalRecord) (*ClinicalRecord, error) {
	doc, err := s.encodeIndexed(ctx, r)
	if err != nil {
		return nil, err
	}
	err = WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.EHR); err != nil {
			return err
		}
		id, err := d.AddRecord(ctx, doc)
		if err != nil {
			return err
		}
		r.RecordID = id
		return s.linkRecord(ctx, d, patientID, id)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SaveEhrRecords bulk-persists clinical records for one patient. The
// bulk insert is atomic per item: on a key conflict the non-conflicting
// documents are persisted and linked before the *DuplicatedKeyError is
// returned. Ids are assigned up front so that recovery covers every
// document, not just the caller-assigned ones.
func (s *Services) SaveEhrRecords(ctx context.Context, patientID string, records []*ClinicalRecord) ([]*ClinicalRecord, error) {
	docs := make([]Document, len(records))
	for i, r := range records {
		doc, err := s.encodeIndexed(ctx, r)
		if err != nil {
			return nil, err
		}
		if stringField(doc, FieldID) == "" {
			doc[FieldID] = uuid.NewString()
		}
		docs[i] = doc
	}
	var saveErr error
	err := WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.EHR); err != nil {
			return err
		}
		ids, err := d.AddRecords(ctx, docs)
		if err != nil {
			if !IsDuplicatedKey(err) {
				return err
			}
			saveErr = err
			ids = survivingIDs(docs, err)
		}
		for i, id := range ids {
			if id == "" {
				continue
			}
			if i < len(records) {
				records[i].RecordID = id
			}
			if err := s.linkRecord(ctx, d, patientID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if saveErr != nil {
		return nil, saveErr
	}
	return records, nil
}

// GetPatient fetches a patient record. With loadRecords the listed
// clinical records come back fully loaded, otherwise as identity stubs.
// A missing id yields (nil, nil).
func (s *Services) GetPatient(ctx context.Context, id string, loadRecords bool) (*PatientRecord, error) {
	var patient *PatientRecord
	err := WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.Patients); err != nil {
			return err
		}
		doc, err := d.GetRecordByID(ctx, id)
		if err != nil || doc == nil {
			return err
		}
		rec, err := s.codec.Decode(doc, true)
		if err != nil {
			return err
		}
		p, ok := rec.(*PatientRecord)
		if !ok {
			return &InvalidRecordTypeError{Record: rec}
		}
		patient = p
		if loadRecords {
			return s.loadRecords(ctx, d, patient)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return patient, nil
}

// ListPatients returns one page of patient records, as identity stubs,
// plus the total patient count. Records are attached unloaded.
func (s *Services) ListPatients(ctx context.Context, limit, offset int) ([]*PatientRecord, int, error) {
	var (
		patients []*PatientRecord
		total    int
	)
	err := WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.Patients); err != nil {
			return err
		}
		n, err := d.Count(ctx)
		if err != nil {
			return err
		}
		total = n
		cur, err := d.GetAllRecords(ctx)
		if err != nil || cur == nil {
			return err
		}
		defer cur.Close()
		pos := 0
		for cur.Next() {
			if pos < offset {
				pos++
				continue
			}
			if len(patients) >= limit {
				break
			}
			rec, err := s.codec.Decode(cur.Document(), true)
			if err != nil {
				return err
			}
			p, ok := rec.(*PatientRecord)
			if !ok {
				return &InvalidRecordTypeError{Record: rec}
			}
			patients = append(patients, p)
			pos++
		}
		return cur.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return patients, total, nil
}

// GetEhrRecord fetches one clinical record by id, fully loaded. A
// missing id yields (nil, nil).
func (s *Services) GetEhrRecord(ctx context.Context, id string) (*ClinicalRecord, error) {
	var record *ClinicalRecord
	err := WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.EHR); err != nil {
			return err
		}
		rec, err := s.fetchEhrRecord(ctx, d, id)
		record = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// LoadEhrRecords replaces the patient's record stubs with their loaded
// counterparts. Stubs whose documents are gone are dropped.
func (s *Services) LoadEhrRecords(ctx context.Context, p *PatientRecord) (*PatientRecord, error) {
	err := WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.EHR); err != nil {
			return err
		}
		return s.loadRecords(ctx, d, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePatient removes a patient record. A patient that still lists
// clinical records fails with *CascadeDeleteError unless cascade is
// set, in which case the listed records go first.
func (s *Services) DeletePatient(ctx context.Context, p *PatientRecord, cascade bool) error {
	if len(p.EhrRecords) > 0 && !cascade {
		return &CascadeDeleteError{PatientID: p.RecordID, Records: len(p.EhrRecords)}
	}
	return WithConnection(ctx, s.driver, func(d Driver) error {
		if cascade {
			if err := d.SelectCollection(s.scopes.EHR); err != nil {
				return err
			}
			for _, r := range p.EhrRecords {
				if err := s.deleteEhrDoc(ctx, d, r); err != nil {
					return err
				}
			}
		}
		if err := d.SelectCollection(s.scopes.Patients); err != nil {
			return err
		}
		deleted, err := d.DeleteRecord(ctx, p.RecordID)
		if err != nil {
			return err
		}
		if deleted {
			s.logger.Debug().Str("patient_id", p.RecordID).Msg("deleted patient record")
		}
		return nil
	})
}

// DeleteEhrRecord removes one clinical record and unlinks it from the
// owning patient.
func (s *Services) DeleteEhrRecord(ctx context.Context, patientID string, r *ClinicalRecord) error {
	return WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.EHR); err != nil {
			return err
		}
		if err := s.deleteEhrDoc(ctx, d, r); err != nil {
			return err
		}
		if err := d.SelectCollection(s.scopes.Patients); err != nil {
			return err
		}
		_, err := d.RemoveFromList(ctx, patientID, FieldEhrRecords, r.RecordID, FieldLastUpdate)
		return err
	})
}

// MoveEhrRecord relinks a clinical record from one patient to another.
// The record document itself is untouched; only the owners' record
// lists change. A record the source patient does not list fails with
// *RecordNotLinkedError so a record owned elsewhere cannot end up
// double-linked.
func (s *Services) MoveEhrRecord(ctx context.Context, fromID, toID, recordID string) error {
	return WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.Patients); err != nil {
			return err
		}
		doc, err := d.GetRecordByID(ctx, fromID)
		if err != nil {
			return err
		}
		refs, err := refList(doc[FieldEhrRecords])
		if err != nil {
			return err
		}
		linked := false
		for _, id := range refs {
			if id == recordID {
				linked = true
				break
			}
		}
		if !linked {
			return &RecordNotLinkedError{PatientID: fromID, RecordID: recordID}
		}
		if _, err := d.RemoveFromList(ctx, fromID, FieldEhrRecords, recordID, FieldLastUpdate); err != nil {
			return err
		}
		if _, err := d.AddToList(ctx, toID, FieldEhrRecords, recordID, FieldLastUpdate); err != nil {
			return err
		}
		s.logger.Debug().
			Str("record_id", recordID).
			Str("from", fromID).
			Str("to", toID).
			Msg("moved clinical record")
		return nil
	})
}

// SetPatientActive flips the patient's visibility flag. Hiding a
// patient hides its listed clinical records too.
func (s *Services) SetPatientActive(ctx context.Context, p *PatientRecord, active bool) error {
	return WithConnection(ctx, s.driver, func(d Driver) error {
		if !active {
			if err := d.SelectCollection(s.scopes.EHR); err != nil {
				return err
			}
			for _, r := range p.EhrRecords {
				if _, err := d.UpdateField(ctx, r.RecordID, FieldActive, false, FieldLastUpdate); err != nil {
					return err
				}
				r.Active = false
			}
		}
		if err := d.SelectCollection(s.scopes.Patients); err != nil {
			return err
		}
		last, err := d.UpdateField(ctx, p.RecordID, FieldActive, active, FieldLastUpdate)
		if err != nil {
			return err
		}
		p.Active = active
		if last != nil {
			p.LastUpdate = *last
		}
		return nil
	})
}

// SetEhrRecordActive flips one clinical record's visibility flag.
func (s *Services) SetEhrRecordActive(ctx context.Context, r *ClinicalRecord, active bool) error {
	return WithConnection(ctx, s.driver, func(d Driver) error {
		if err := d.SelectCollection(s.scopes.EHR); err != nil {
			return err
		}
		last, err := d.UpdateField(ctx, r.RecordID, FieldActive, active, FieldLastUpdate)
		if err != nil {
			return err
		}
		r.Active = active
		if last != nil {
			r.LastUpdate = *last
		}
		return nil
	})
}

// ExecuteQuery runs a parsed query against the scope its location
// names.
func (s *Services) ExecuteQuery(ctx context.Context, q *aql.Query) (*aql.ResultSet, error) {
	var rs *aql.ResultSet
	err := WithConnection(ctx, s.driver, func(d Driver) error {
		res, err := d.ExecuteQuery(ctx, q)
		rs = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

func (s *Services) encodeIndexed(ctx context.Context, r *ClinicalRecord) (Document, error) {
	doc, err := s.codec.Encode(r)
	if err != nil {
		return nil, err
	}
	structureID, err := s.index.CreateEntry(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("index structure: %w", err)
	}
	doc[FieldStructureID] = structureID
	r.StructureID = structureID
	return doc, nil
}

func (s *Services) linkRecord(ctx context.Context, d Driver, patientID, recordID string) error {
	if err := d.SelectCollection(s.scopes.Patients); err != nil {
		return err
	}
	if _, err := d.AddToList(ctx, patientID, FieldEhrRecords, recordID, FieldLastUpdate); err != nil {
		return err
	}
	return d.SelectCollection(s.scopes.EHR)
}

func (s *Services) fetchEhrRecord(ctx context.Context, d Driver, id string) (*ClinicalRecord, error) {
	doc, err := d.GetRecordByID(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}
	structureID := stringField(doc, FieldStructureID)
	delete(doc, FieldStructureID)
	rec, err := s.codec.Decode(doc, true)
	if err != nil {
		return nil, err
	}
	r, ok := rec.(*ClinicalRecord)
	if !ok {
		return nil, &InvalidRecordTypeError{Record: rec}
	}
	r.StructureID = structureID
	return r, nil
}

func (s *Services) loadRecords(ctx context.Context, d Driver, p *PatientRecord) error {
	loaded := make([]*ClinicalRecord, 0, len(p.EhrRecords))
	for _, stub := range p.EhrRecords {
		if stub.Loaded {
			loaded = append(loaded, stub)
			continue
		}
		r, err := s.fetchEhrRecord(ctx, d, stub.RecordID)
		if err != nil {
			return err
		}
		if r != nil {
			loaded = append(loaded, r)
		}
	}
	p.EhrRecords = loaded
	return nil
}

// deleteEhrDoc removes one clinical document and its structure index
// entry. Stubs carry no structure id, so it is read back from the
// stored document before the delete.
func (s *Services) deleteEhrDoc(ctx context.Context, d Driver, r *ClinicalRecord) error {
	structureID := r.StructureID
	if structureID == "" {
		doc, err := d.GetRecordByID(ctx, r.RecordID)
		if err != nil {
			return err
		}
		structureID = stringField(doc, FieldStructureID)
	}
	deleted, err := d.DeleteRecord(ctx, r.RecordID)
	if err != nil {
		return err
	}
	if deleted && structureID != "" {
		if err := s.index.DeleteEntry(ctx, structureID); err != nil {
			return fmt.Errorf("drop structure entry: %w", err)
		}
	}
	return nil
}

// survivingIDs maps a partially failed bulk save back onto record
// slots: documents named in the duplicate set get no id. Bulk documents
// always carry an id before the insert, so every surviving slot is
// recoverable.
func survivingIDs(docs []Document, err error) []string {
	dupSet := make(map[string]struct{})
	var dup *DuplicatedKeyError
	if errors.As(err, &dup) {
		for _, id := range dup.IDs {
			dupSet[id] = struct{}{}
		}
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		id := stringField(doc, FieldID)
		if id == "" {
			continue
		}
		if _, clashed := dupSet[id]; clashed {
			continue
		}
		ids[i] = id
	}
	return ids
}
