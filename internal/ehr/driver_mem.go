package ehr

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrstore/internal/aql"
)

// MemoryDriver implements the Driver contract against map-backed
// collections. It backs hermetic tests and the memory backend mode;
// like every driver instance it is single-session and not safe for
// concurrent use.
type MemoryDriver struct {
	database   string
	collection string
	scopes     ScopeCollections
	logger     zerolog.Logger

	connected   bool
	collections map[string]*memCollection
}

type memCollection struct {
	order []string
	docs  map[string]Document
}

// NewMemoryDriver creates a disconnected in-memory driver for the given
// logical database. The current collection starts at the clinical label.
func NewMemoryDriver(database string, scopes ScopeCollections, logger zerolog.Logger) *MemoryDriver {
	return &MemoryDriver{
		database:   database,
		collection: scopes.EHR,
		scopes:     scopes,
		logger:     logger.With().Str("driver", "memory").Str("database", database).Logger(),
	}
}

func (d *MemoryDriver) Connect(_ context.Context) error {
	if d.connected {
		d.logger.Debug().Msg("already connected")
		return nil
	}
	d.logger.Debug().Msg("connecting")
	if d.collections == nil {
		d.collections = make(map[string]*memCollection)
	}
	d.connected = true
	return nil
}

func (d *MemoryDriver) Disconnect() error {
	d.logger.Debug().Msg("disconnecting")
	d.connected = false
	return nil
}

func (d *MemoryDriver) IsConnected() bool { return d.connected }

func (d *MemoryDriver) checkConnection() error {
	if !d.connected {
		return &NotConnectedError{Endpoint: d.database}
	}
	return nil
}

func (d *MemoryDriver) SelectCollection(label string) error {
	if err := d.checkConnection(); err != nil {
		return err
	}
	d.logger.Debug().Str("old", d.collection).Str("new", label).Msg("changing collection")
	d.collection = label
	return nil
}

func (d *MemoryDriver) InitStructure(_ context.Context, def StructureDef) error {
	if err := d.checkConnection(); err != nil {
		return err
	}
	for _, label := range def.Collections {
		d.coll(label)
	}
	return nil
}

func (d *MemoryDriver) coll(label string) *memCollection {
	c, ok := d.collections[label]
	if !ok {
		c = &memCollection{docs: make(map[string]Document)}
		d.collections[label] = c
	}
	return c
}

func (d *MemoryDriver) AddRecord(_ context.Context, doc Document) (string, error) {
	if err := d.checkConnection(); err != nil {
		return "", err
	}
	return d.insert(d.coll(d.collection), doc)
}

func (d *MemoryDriver) insert(c *memCollection, doc Document) (string, error) {
	stored := cloneDoc(doc)
	id := stringField(stored, FieldID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := c.docs[id]; exists {
		return "", &DuplicatedKeyError{IDs: []string{id}}
	}
	stored[FieldID] = id
	c.docs[id] = stored
	c.order = append(c.order, id)
	return id, nil
}

func (d *MemoryDriver) AddRecords(_ context.Context, docs []Document) ([]string, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	c := d.coll(d.collection)
	ids := make([]string, 0, len(docs))
	var duplicated []string
	for _, doc := range docs {
		id, err := d.insert(c, doc)
		if err != nil {
			var dk *DuplicatedKeyError
			if errors.As(err, &dk) {
				duplicated = append(duplicated, dk.IDs...)
				continue
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(duplicated) > 0 {
		return nil, &DuplicatedKeyError{IDs: duplicated}
	}
	return ids, nil
}

func (d *MemoryDriver) GetRecordByID(_ context.Context, id string) (Document, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	doc, ok := d.coll(d.collection).docs[id]
	if !ok {
		return nil, nil
	}
	return cloneDoc(doc), nil
}

func (d *MemoryDriver) GetAllRecords(_ context.Context) (Cursor, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	return d.snapshot(func(Document) bool { return true })
}

func (d *MemoryDriver) GetRecordsByValue(_ context.Context, field string, value any) (Cursor, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	return d.snapshot(func(doc Document) bool {
		v, ok := doc[field]
		return ok && aql.EqualValues(v, value)
	})
}

// snapshot copies the matching documents in insertion order, honoring
// the contract's no-result convention.
func (d *MemoryDriver) snapshot(match func(Document) bool) (Cursor, error) {
	c := d.coll(d.collection)
	var docs []Document
	for _, id := range c.order {
		if doc, ok := c.docs[id]; ok && match(doc) {
			docs = append(docs, cloneDoc(doc))
		}
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &memCursor{docs: docs}, nil
}

func (d *MemoryDriver) DeleteRecord(_ context.Context, id string) (bool, error) {
	if err := d.checkConnection(); err != nil {
		return false, err
	}
	c := d.coll(d.collection)
	if _, ok := c.docs[id]; !ok {
		return false, nil
	}
	d.logger.Debug().Str("id", id).Msg("deleting document")
	delete(c.docs, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (d *MemoryDriver) UpdateField(_ context.Context, id, field string, value any, timestampField string) (*time.Time, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	return d.mutate(id, timestampField, func(doc Document) error {
		doc[field] = cloneValue(value)
		return nil
	})
}

func (d *MemoryDriver) AddToList(_ context.Context, id, listField string, item any, timestampField string) (*time.Time, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	return d.mutate(id, timestampField, func(doc Document) error {
		list, _ := doc[listField].([]any)
		doc[listField] = append(list, cloneValue(item))
		return nil
	})
}

func (d *MemoryDriver) RemoveFromList(_ context.Context, id, listField string, item any, timestampField string) (*time.Time, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	return d.mutate(id, timestampField, func(doc Document) error {
		list, _ := doc[listField].([]any)
		for i, existing := range list {
			if aql.EqualValues(existing, item) {
				doc[listField] = append(list[:i], list[i+1:]...)
				break
			}
		}
		return nil
	})
}

// mutate is the read-modify-write path shared by the field and list
// updates. A missing id yields (nil, nil) without error.
func (d *MemoryDriver) mutate(id, timestampField string, apply func(Document) error) (*time.Time, error) {
	c := d.coll(d.collection)
	doc, ok := c.docs[id]
	if !ok {
		d.logger.Debug().Str("id", id).Msg("no record found")
		return nil, nil
	}
	updated := cloneDoc(doc)
	if err := apply(updated); err != nil {
		return nil, err
	}
	var lastUpdate *time.Time
	if timestampField != "" {
		now := time.Now().UTC()
		updated[timestampField] = formatTime(now)
		lastUpdate = &now
	}
	c.docs[id] = updated
	d.logger.Debug().Str("id", id).Msg("updated document")
	return lastUpdate, nil
}

func (d *MemoryDriver) Count(_ context.Context) (int, error) {
	if err := d.checkConnection(); err != nil {
		return 0, err
	}
	return len(d.coll(d.collection).docs), nil
}

func (d *MemoryDriver) ExecuteQuery(_ context.Context, q *aql.Query) (*aql.ResultSet, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	plan, err := aql.Translate(q)
	if err != nil {
		return nil, err
	}
	c := d.coll(d.scopes.For(plan.Scope))
	rs := &aql.ResultSet{Columns: plan.Columns}
	for _, id := range c.order {
		doc, ok := c.docs[id]
		if !ok {
			continue
		}
		if plan.Filter != nil && !plan.Filter.Match(doc) {
			continue
		}
		rs.TotalResults++
		rs.Rows = append(rs.Rows, aql.AssembleRow(doc, plan.Projection))
	}
	return rs, nil
}

type memCursor struct {
	docs []Document
	pos  int
}

func (c *memCursor) Next() bool {
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *memCursor) Document() Document {
	if c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	return c.docs[c.pos-1]
}

func (c *memCursor) Err() error { return nil }
func (c *memCursor) Close()     {}

func cloneDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Document:
		return cloneDoc(val)
	case map[string]any:
		return map[string]any(cloneDoc(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
