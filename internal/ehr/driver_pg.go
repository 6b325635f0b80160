package ehr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrstore/internal/aql"
	"github.com/ehr/ehrstore/internal/platform/db"
)

// uniqueViolation is the Postgres error code for a primary-key conflict.
const uniqueViolation = "23505"

// PGDriver implements the Driver contract against PostgreSQL, storing
// each collection as an (id TEXT PRIMARY KEY, doc JSONB) table. Field
// and list mutations are read-modify-write of the whole document; no
// partial-update primitive is assumed, so concurrent writers to the
// same record race last-writer-wins.
type PGDriver struct {
	databaseURL string
	database    string
	collection  string
	scopes      ScopeCollections
	maxConns    int32
	minConns    int32
	logger      zerolog.Logger

	pool *pgxpool.Pool
}

// NewPGDriver creates a disconnected Postgres driver. The database name
// prefixes every collection table, letting several logical databases
// share one Postgres instance.
func NewPGDriver(databaseURL, database string, scopes ScopeCollections, maxConns, minConns int32, logger zerolog.Logger) *PGDriver {
	return &PGDriver{
		databaseURL: databaseURL,
		database:    database,
		collection:  scopes.EHR,
		scopes:      scopes,
		maxConns:    maxConns,
		minConns:    minConns,
		logger:      logger.With().Str("driver", "postgres").Str("database", database).Logger(),
	}
}

func (d *PGDriver) Connect(ctx context.Context) error {
	if d.pool != nil {
		d.logger.Debug().Msg("already connected")
		return nil
	}
	d.logger.Debug().Msg("connecting")
	pool, err := db.NewPool(ctx, d.databaseURL, d.maxConns, d.minConns)
	if err != nil {
		d.logger.Error().Err(err).Msg("connect failed")
		return &NotConnectedError{Endpoint: d.databaseURL}
	}
	d.pool = pool
	return nil
}

func (d *PGDriver) Disconnect() error {
	d.logger.Debug().Msg("disconnecting")
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return nil
}

func (d *PGDriver) IsConnected() bool { return d.pool != nil }

// PoolStats reports connection-pool statistics, or nil while
// disconnected.
func (d *PGDriver) PoolStats() *db.PoolStats {
	if d.pool == nil {
		return nil
	}
	return db.GetPoolStats(d.pool)
}

func (d *PGDriver) checkConnection() error {
	if d.pool == nil {
		return &NotConnectedError{Endpoint: d.databaseURL}
	}
	return nil
}

func (d *PGDriver) SelectCollection(label string) error {
	if err := d.checkConnection(); err != nil {
		return err
	}
	d.logger.Debug().Str("old", d.collection).Str("new", label).Msg("changing collection")
	d.collection = label
	return nil
}

// InitStructure creates the collection tables when absent.
func (d *PGDriver) InitStructure(ctx context.Context, def StructureDef) error {
	if err := d.checkConnection(); err != nil {
		return err
	}
	for _, label := range def.Collections {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, doc JSONB NOT NULL)`, d.table(label))
		if _, err := d.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("init collection %s: %w", label, err)
		}
	}
	return nil
}

// table derives the table name for a collection label. Identifiers are
// reduced to lowercase alphanumerics and underscores.
func (d *PGDriver) table(label string) string {
	return sanitizeIdent(d.database) + "_" + sanitizeIdent(label)
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (d *PGDriver) AddRecord(ctx context.Context, doc Document) (string, error) {
	if err := d.checkConnection(); err != nil {
		return "", err
	}
	id, body, err := prepareDoc(doc)
	if err != nil {
		return "", err
	}
	_, err = d.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)`, d.table(d.collection)), id, body)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", &DuplicatedKeyError{IDs: []string{id}}
		}
		return "", fmt.Errorf("insert record %s: %w", id, err)
	}
	return id, nil
}

// AddRecords frames all inserts into one batch. The batch runs inside
// an implicit transaction, so conflicts are absorbed with ON CONFLICT
// DO NOTHING rather than raised: a raised conflict would abort every
// insert after it. Skipped rows come back as one DuplicatedKeyError
// naming the offending ids; non-conflicting rows persist.
func (d *PGDriver) AddRecords(ctx context.Context, docs []Document) ([]string, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(docs))
	batch := &pgx.Batch{}
	sql := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, d.table(d.collection))
	for _, doc := range docs {
		id, body, err := prepareDoc(doc)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		batch.Queue(sql, id, body)
	}

	results := d.pool.SendBatch(ctx, batch)
	var duplicated []string
	failures := make(map[string]error)
	for _, id := range ids {
		tag, err := results.Exec()
		switch {
		case err != nil:
			failures[id] = err
		case tag.RowsAffected() == 0:
			duplicated = append(duplicated, id)
		}
	}
	if err := results.Close(); err != nil && len(failures) == 0 && len(duplicated) == 0 {
		return nil, fmt.Errorf("bulk insert: %w", err)
	}
	if len(failures) > 0 {
		err := &BulkWriteError{Failures: failures}
		d.logger.Error().Err(err).Msg("bulk insert hit non-conflict backend errors")
		return nil, err
	}
	if len(duplicated) > 0 {
		return nil, &DuplicatedKeyError{IDs: duplicated}
	}
	return ids, nil
}

func (d *PGDriver) GetRecordByID(ctx context.Context, id string) (Document, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	var body []byte
	err := d.pool.QueryRow(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, d.table(d.collection)), id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return decodeStored(id, body)
}

func (d *PGDriver) GetAllRecords(ctx context.Context) (Cursor, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	// Ordered so repeated scans page consistently.
	rows, err := d.pool.Query(ctx, fmt.Sprintf(`SELECT id, doc FROM %s ORDER BY id`, d.table(d.collection)))
	if err != nil {
		return nil, fmt.Errorf("get all records: %w", err)
	}
	return newPGCursor(rows)
}

func (d *PGDriver) GetRecordsByValue(ctx context.Context, field string, value any) (Cursor, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	want, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode match value: %w", err)
	}
	rows, err := d.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, doc FROM %s WHERE doc -> $1 = $2::jsonb`, d.table(d.collection)),
		field, string(want))
	if err != nil {
		return nil, fmt.Errorf("get records by %s: %w", field, err)
	}
	return newPGCursor(rows)
}

func (d *PGDriver) DeleteRecord(ctx context.Context, id string) (bool, error) {
	if err := d.checkConnection(); err != nil {
		return false, err
	}
	d.logger.Debug().Str("id", id).Msg("deleting document")
	tag, err := d.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, d.table(d.collection)), id)
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (d *PGDriver) UpdateField(ctx context.Context, id, field string, value any, timestampField string) (*time.Time, error) {
	return d.mutate(ctx, id, timestampField, func(doc Document) {
		doc[field] = value
	})
}

func (d *PGDriver) AddToList(ctx context.Context, id, listField string, item any, timestampField string) (*time.Time, error) {
	return d.mutate(ctx, id, timestampField, func(doc Document) {
		list, _ := doc[listField].([]any)
		doc[listField] = append(list, item)
	})
}

func (d *PGDriver) RemoveFromList(ctx context.Context, id, listField string, item any, timestampField string) (*time.Time, error) {
	return d.mutate(ctx, id, timestampField, func(doc Document) {
		list, _ := doc[listField].([]any)
		for i, existing := range list {
			if aql.EqualValues(existing, item) {
				doc[listField] = append(list[:i], list[i+1:]...)
				break
			}
		}
	})
}

// mutate is the read-modify-write path: fetch the whole document, apply
// the change, write the whole document back. A missing id yields
// (nil, nil).
func (d *PGDriver) mutate(ctx context.Context, id, timestampField string, apply func(Document)) (*time.Time, error) {
	doc, err := d.GetRecordByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		d.logger.Debug().Str("id", id).Msg("no record found")
		return nil, nil
	}
	apply(doc)
	var lastUpdate *time.Time
	if timestampField != "" {
		now := time.Now().UTC()
		doc[timestampField] = formatTime(now)
		lastUpdate = &now
	}
	delete(doc, FieldID)
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", id, err)
	}
	_, err = d.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET doc = $2 WHERE id = $1`, d.table(d.collection)), id, body)
	if err != nil {
		return nil, fmt.Errorf("update record %s: %w", id, err)
	}
	d.logger.Debug().Str("id", id).Msg("updated document")
	return lastUpdate, nil
}

func (d *PGDriver) Count(ctx context.Context) (int, error) {
	if err := d.checkConnection(); err != nil {
		return 0, err
	}
	var count int
	err := d.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, d.table(d.collection))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// ExecuteQuery compiles the translated filter to SQL over JSONB path
// predicates and runs the count and projection queries separately, so
// the total reflects the match set independent of projection.
func (d *PGDriver) ExecuteQuery(ctx context.Context, q *aql.Query) (*aql.ResultSet, error) {
	if err := d.checkConnection(); err != nil {
		return nil, err
	}
	plan, err := aql.Translate(q)
	if err != nil {
		return nil, err
	}
	qb := newPlanQuery(d.table(d.scopes.For(plan.Scope)), plan)

	rs := &aql.ResultSet{Columns: plan.Columns}
	if err := d.pool.QueryRow(ctx, qb.CountSQL(), qb.Args()...).Scan(&rs.TotalResults); err != nil {
		return nil, fmt.Errorf("count query: %w", err)
	}

	rows, err := d.pool.Query(ctx, qb.DataSQL(), qb.DataArgs()...)
	if err != nil {
		return nil, fmt.Errorf("data query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		row, err := qb.ScanRow(rows)
		if err != nil {
			return nil, err
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("data query: %w", err)
	}
	return rs, nil
}

// prepareDoc splits a document into its id (generated when absent) and
// its JSON body. The id lives in the key column, not the body.
func prepareDoc(doc Document) (string, []byte, error) {
	stored := cloneDoc(doc)
	id := stringField(stored, FieldID)
	if id == "" {
		id = uuid.NewString()
	}
	delete(stored, FieldID)
	body, err := json.Marshal(stored)
	if err != nil {
		return "", nil, fmt.Errorf("encode document: %w", err)
	}
	return id, body, nil
}

func decodeStored(id string, body []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	doc[FieldID] = id
	return doc, nil
}

type pgCursor struct {
	rows pgx.Rows
	next Document
	err  error
	cur  Document
}

// newPGCursor wraps a row stream, prefetching one row so an empty match
// set can be reported as a nil cursor per the contract.
func newPGCursor(rows pgx.Rows) (Cursor, error) {
	c := &pgCursor{rows: rows}
	c.advance()
	if c.err != nil {
		rows.Close()
		return nil, c.err
	}
	if c.next == nil {
		rows.Close()
		return nil, nil
	}
	return c, nil
}

func (c *pgCursor) advance() {
	c.next = nil
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return
	}
	var id string
	var body []byte
	if err := c.rows.Scan(&id, &body); err != nil {
		c.err = err
		return
	}
	doc, err := decodeStored(id, body)
	if err != nil {
		c.err = err
		return
	}
	c.next = doc
}

func (c *pgCursor) Next() bool {
	if c.err != nil || c.next == nil {
		return false
	}
	c.cur = c.next
	c.advance()
	return true
}

func (c *pgCursor) Document() Document { return c.cur }
func (c *pgCursor) Err() error         { return c.err }
func (c *pgCursor) Close()             { c.rows.Close() }
