package ehr

import (
	"fmt"
	"strings"
)

// NotConnectedError reports an operation attempted while the driver is
// disconnected, or a connect attempt that could not reach the backend.
type NotConnectedError struct {
	Endpoint string
}

func (e *NotConnectedError) Error() string {
	if e.Endpoint == "" {
		return "ehr: driver is not connected"
	}
	return fmt.Sprintf("ehr: not connected to %s", e.Endpoint)
}

// DuplicatedKeyError reports a create-only write that conflicted with
// one or more existing record ids.
type DuplicatedKeyError struct {
	IDs []string
}

func (e *DuplicatedKeyError) Error() string {
	return fmt.Sprintf("ehr: records with these ids already exist: %s", strings.Join(e.IDs, ", "))
}

// InvalidRecordTypeError reports a value the codec cannot map.
type InvalidRecordTypeError struct {
	Record any
}

func (e *InvalidRecordTypeError) Error() string {
	return fmt.Sprintf("ehr: unable to map record %T", e.Record)
}

// BulkWriteError reports per-item backend failures in a bulk create
// that were not key conflicts. These indicate a backend or framing
// problem, not a caller mistake, and are surfaced rather than dropped.
type BulkWriteError struct {
	Failures map[string]error
}

func (e *BulkWriteError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	return fmt.Sprintf("ehr: bulk write failed for %d record(s): %s", len(e.Failures), strings.Join(ids, ", "))
}

// RecordNotLinkedError reports a relink attempt naming a record the
// source patient does not list.
type RecordNotLinkedError struct {
	PatientID string
	RecordID  string
}

func (e *RecordNotLinkedError) Error() string {
	return fmt.Sprintf("ehr: patient %s does not list record %s", e.PatientID, e.RecordID)
}

// CascadeDeleteError reports a patient delete refused because the
// patient still references clinical records and cascading was not
// requested.
type CascadeDeleteError struct {
	PatientID string
	Records   int
}

func (e *CascadeDeleteError) Error() string {
	return fmt.Sprintf("ehr: patient %s still references %d clinical record(s); delete requires cascade", e.PatientID, e.Records)
}
