package ehr

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/ehrstore/internal/aql"
)

// StructureDef describes the backend structures a driver should ensure
// exist before use. Backends that need no initialization treat it as a
// no-op.
type StructureDef struct {
	Collections []string
}

// Cursor is a lazily produced, finite, non-restartable sequence of raw
// backend documents. Callers must Close it when done.
type Cursor interface {
	// Next advances to the next document, returning false when the
	// sequence is exhausted or failed.
	Next() bool
	// Document returns the current document. Valid only after a true
	// Next.
	Document() Document
	// Err returns the first error hit while iterating, if any.
	Err() error
	// Close releases backend resources held by the cursor.
	Close()
}

// Driver is the capability set every document-store backend exposes.
//
// All operations except Connect and IsConnected fail with
// *NotConnectedError while disconnected. Not-found reads are a nil
// result, never an error. Read sequences follow the no-result
// convention: an empty match set is reported as a nil Cursor, distinct
// from an exhausted one.
//
// A driver instance holds mutable connection state and is not safe for
// concurrent use; callers run one instance per logical session or
// synchronize externally.
type Driver interface {
	// Connect establishes the backend client. Idempotent.
	Connect(ctx context.Context) error
	// Disconnect tears the client down. Idempotent and safe while
	// disconnected.
	Disconnect() error
	// IsConnected reports whether the client is established.
	IsConnected() bool
	// SelectCollection switches the collection subsequent single-record
	// operations address.
	SelectCollection(label string) error
	// InitStructure ensures the backend structures exist. May be a
	// no-op.
	InitStructure(ctx context.Context, def StructureDef) error

	// AddRecord saves one document with create-only semantics and
	// returns its id. An existing id fails with *DuplicatedKeyError.
	AddRecord(ctx context.Context, doc Document) (string, error)
	// AddRecords bulk-saves documents, atomic per item only. When every
	// per-item failure is a key conflict the call fails with a
	// *DuplicatedKeyError naming the offending ids; other backend
	// errors are surfaced as-is.
	AddRecords(ctx context.Context, docs []Document) ([]string, error)
	// GetRecordByID returns the document with the given id, or nil when
	// absent.
	GetRecordByID(ctx context.Context, id string) (Document, error)
	// GetAllRecords returns every document in the current collection.
	GetAllRecords(ctx context.Context) (Cursor, error)
	// GetRecordsByValue returns the documents whose top-level field
	// matches the given value.
	GetRecordsByValue(ctx context.Context, field string, value any) (Cursor, error)
	// DeleteRecord removes a document, reporting false for a missing
	// id.
	DeleteRecord(ctx context.Context, id string) (bool, error)

	// UpdateField sets a top-level field via read-modify-write. When
	// timestampField is non-empty the update time is recorded there and
	// returned; a missing id yields (nil, nil).
	UpdateField(ctx context.Context, id, field string, value any, timestampField string) (*time.Time, error)
	// AddToList appends an item to a top-level list field.
	AddToList(ctx context.Context, id, listField string, item any, timestampField string) (*time.Time, error)
	// RemoveFromList removes the first matching item from a top-level
	// list field.
	RemoveFromList(ctx context.Context, id, listField string, item any, timestampField string) (*time.Time, error)

	// Count returns the number of documents in the current collection.
	Count(ctx context.Context) (int, error)
	// ExecuteQuery translates and runs a parsed query, materializing a
	// result set. Translation errors keep their aql taxonomy.
	ExecuteQuery(ctx context.Context, q *aql.Query) (*aql.ResultSet, error)
}

// ScopeCollections maps query scopes to the collection labels a
// deployment uses for patient and clinical records.
type ScopeCollections struct {
	Patients string
	EHR      string
}

// For returns the collection label for a query scope.
func (s ScopeCollections) For(scope aql.Scope) string {
	if scope == aql.ScopePatients {
		return s.Patients
	}
	return s.EHR
}

// WithConnection runs fn against a connected driver, disconnecting on
// every exit path.
func WithConnection(ctx context.Context, d Driver, fn func(Driver) error) error {
	if err := d.Connect(ctx); err != nil {
		return err
	}
	defer d.Disconnect()
	return fn(d)
}

// IsNotConnected reports whether err is a connection-state failure.
func IsNotConnected(err error) bool {
	var nc *NotConnectedError
	return errors.As(err, &nc)
}

// IsDuplicatedKey reports whether err is a create-only write conflict.
func IsDuplicatedKey(err error) bool {
	var dk *DuplicatedKeyError
	return errors.As(err, &dk)
}
