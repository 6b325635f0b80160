package ehr

import (
	"fmt"
	"strings"
	"time"
)

// Document is a raw backend document.
type Document map[string]any

// Document field names shared by codec and drivers.
const (
	FieldID           = "_id"
	FieldCreationTime = "creation_time"
	FieldLastUpdate   = "last_update"
	FieldActive       = "active"
	FieldArchetype    = "archetype"
	FieldEhrData      = "ehr_data"
	FieldEhrRecords   = "ehr_records"
	FieldStructureID  = "ehr_structure_id"
)

// Codec maps domain records to backend documents and back. The key
// substitution map rewrites ehr_data keys on encode (for backends whose
// field-naming rules forbid characters the domain allows) and is
// reversed on decode; it must therefore be invertible. The zero map
// performs no substitution.
type Codec struct {
	encodings map[string]string
}

// NewCodec creates a codec with the given key-substitution map
// (original → encoded). A nil map disables substitution.
func NewCodec(encodings map[string]string) *Codec {
	return &Codec{encodings: encodings}
}

// DefaultEncodings replaces dots in ehr_data keys. Both backends here
// tolerate dotted keys, but dots collide with the dotted path syntax
// queries use, so they are rewritten on the way in.
func DefaultEncodings() map[string]string {
	return map[string]string{".": "-"}
}

// Encode serializes a record into a backend document.
func (c *Codec) Encode(r Record) (Document, error) {
	switch rec := r.(type) {
	case *PatientRecord:
		return c.encodePatient(rec), nil
	case *ClinicalRecord:
		return c.encodeClinical(rec), nil
	default:
		return nil, &InvalidRecordTypeError{Record: r}
	}
}

func (c *Codec) encodePatient(p *PatientRecord) Document {
	refs := make([]any, 0, len(p.EhrRecords))
	for _, r := range p.EhrRecords {
		refs = append(refs, r.RecordID)
	}
	doc := Document{
		FieldCreationTime: formatTime(p.CreationTime),
		FieldLastUpdate:   formatTime(p.LastUpdate),
		FieldActive:       p.Active,
		FieldEhrRecords:   refs,
	}
	if p.RecordID != "" {
		doc[FieldID] = p.RecordID
	}
	return doc
}

func (c *Codec) encodeClinical(r *ClinicalRecord) Document {
	data := r.EhrData
	for original, encoded := range c.encodings {
		data = substituteKeys(data, original, encoded)
	}
	doc := Document{
		FieldCreationTime: formatTime(r.CreationTime),
		FieldLastUpdate:   formatTime(r.LastUpdate),
		FieldActive:       r.Active,
		FieldArchetype:    r.Archetype,
		FieldEhrData:      data,
	}
	if r.RecordID != "" {
		doc[FieldID] = r.RecordID
	}
	return doc
}

// Decode builds a record from a backend document, dispatching on the
// presence of the archetype field. With loaded=false only identifying
// fields are populated; the caller resolves the rest separately.
func (c *Codec) Decode(doc Document, loaded bool) (Record, error) {
	if doc == nil {
		return nil, &InvalidRecordTypeError{Record: doc}
	}
	if _, ok := doc[FieldArchetype]; ok {
		return c.decodeClinical(doc, loaded)
	}
	return c.decodePatient(doc, loaded)
}

func (c *Codec) decodePatient(doc Document, loaded bool) (*PatientRecord, error) {
	p := &PatientRecord{
		RecordID:     stringField(doc, FieldID),
		CreationTime: timeField(doc, FieldCreationTime),
	}
	if !loaded {
		return p, nil
	}
	p.LastUpdate = timeField(doc, FieldLastUpdate)
	p.Active, _ = doc[FieldActive].(bool)
	refs, err := refList(doc[FieldEhrRecords])
	if err != nil {
		return nil, fmt.Errorf("decode patient %s: %w", p.RecordID, err)
	}
	// Referenced clinical records are attached unloaded.
	for _, id := range refs {
		p.EhrRecords = append(p.EhrRecords, UnloadedClinicalRecord(id))
	}
	return p, nil
}

func (c *Codec) decodeClinical(doc Document, loaded bool) (*ClinicalRecord, error) {
	r := &ClinicalRecord{
		RecordID:     stringField(doc, FieldID),
		CreationTime: timeField(doc, FieldCreationTime),
		Archetype:    stringField(doc, FieldArchetype),
		EhrData:      map[string]any{},
		Loaded:       loaded,
	}
	if !loaded {
		return r, nil
	}
	r.LastUpdate = timeField(doc, FieldLastUpdate)
	r.Active, _ = doc[FieldActive].(bool)
	if data, ok := doc[FieldEhrData].(map[string]any); ok {
		for original, encoded := range c.encodings {
			data = substituteKeys(data, encoded, original)
		}
		r.EhrData = data
	}
	return r, nil
}

// substituteKeys rewrites every key of a nested mapping, replacing from
// with to, recursing through maps and through maps nested in lists.
func substituteKeys(doc map[string]any, from, to string) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[replaceAll(k, from, to)] = substituteValue(v, from, to)
	}
	return out
}

func substituteValue(v any, from, to string) any {
	switch val := v.(type) {
	case map[string]any:
		return substituteKeys(val, from, to)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, from, to)
		}
		return out
	default:
		return v
	}
}

func replaceAll(s, from, to string) string {
	if from == "" {
		return s
	}
	return strings.ReplaceAll(s, from, to)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func timeField(doc Document, field string) time.Time {
	s, _ := doc[field].(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func stringField(doc Document, field string) string {
	switch v := doc[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func refList(v any) ([]string, error) {
	switch refs := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return refs, nil
	case []any:
		out := make([]string, 0, len(refs))
		for _, r := range refs {
			s, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("non-string record reference %v", r)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid record reference list %T", v)
	}
}
