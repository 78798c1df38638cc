// Package sqlstore implements the storage provider contract on database/sql.
// Objects live in one table as JSON payloads; foreign keys are mirrored into a
// reference table so relation queries do not need to inspect payloads.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"relkeeper/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.StorageProvider = (*Store)(nil)

// Dialect captures the few statement differences between SQL engines.
type Dialect struct {
	Name string
	// PayloadType is the column type holding JSON payloads.
	PayloadType string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// Store is a StorageProvider on a *sql.DB. Save runs in one database
// transaction and uses conditional statements for the timestamp check.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mapping *domain.Mapping
	mu      sync.Mutex
}

// New applies the schema and returns a store.
func New(ctx context.Context, db *sql.DB, dialect Dialect, mapping *domain.Mapping) (*Store, error) {
	if mapping == nil {
		return nil, domain.ArgumentError{Argument: "mapping", Message: "mapping must not be nil"}
	}
	s := &Store{db: db, dialect: dialect, mapping: mapping}
	if err := s.applySchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the configured dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// SchemaStatements returns the DDL applied by New.
func SchemaStatements(d Dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS relkeeper_objects (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		version BIGINT NOT NULL,
		payload ` + d.PayloadType + ` NOT NULL,
		PRIMARY KEY (class, id)
	)`,
		`CREATE TABLE IF NOT EXISTS relkeeper_references (
		class TEXT NOT NULL,
		id TEXT NOT NULL,
		property TEXT NOT NULL,
		target TEXT NOT NULL,
		PRIMARY KEY (class, id, property)
	)`,
		`CREATE INDEX IF NOT EXISTS relkeeper_references_target ON relkeeper_references (class, property, target)`,
	}
}

func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range SchemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func (s *Store) placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s.dialect.Placeholder(from + i)
	}
	return strings.Join(parts, ",")
}

// Load implements domain.StorageProvider with one query per requested class.
func (s *Store) Load(ctx context.Context, ids []domain.ObjectID) ([]domain.LoadResult, error) {
	byClass := make(map[domain.ClassID][]string)
	var classes []domain.ClassID
	for _, id := range ids {
		if _, ok := byClass[id.Class]; !ok {
			classes = append(classes, id.Class)
		}
		if !slices.Contains(byClass[id.Class], id.Value) {
			byClass[id.Class] = append(byClass[id.Class], id.Value)
		}
	}
	found := make(map[domain.ObjectID]domain.Record, len(ids))
	for _, class := range classes {
		if err := s.loadClass(ctx, class, byClass[class], found); err != nil {
			return nil, err
		}
	}
	out := make([]domain.LoadResult, len(ids))
	for i, id := range ids {
		rec, ok := found[id]
		out[i] = domain.LoadResult{ID: id, Found: ok, Record: rec}
	}
	return out, nil
}

func (s *Store) loadClass(ctx context.Context, classID domain.ClassID, values []string, into map[domain.ObjectID]domain.Record) error {
	class, err := s.mapping.MustClass(classID)
	if err != nil {
		return err
	}
	query := `SELECT id, version, payload FROM relkeeper_objects WHERE class = ` + s.dialect.Placeholder(1) +
		` AND id IN (` + s.placeholders(2, len(values)) + `)`
	args := make([]any, 0, len(values)+1)
	args = append(args, string(classID))
	for _, v := range values {
		args = append(args, v)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("select %s: %w", classID, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			value   string
			version int64
			payload []byte
		)
		if err := rows.Scan(&value, &version, &payload); err != nil {
			return fmt.Errorf("scan %s: %w", classID, err)
		}
		id := domain.ObjectID{Class: classID, Value: value}
		decoded, err := decodePayload(class, payload)
		if err != nil {
			return fmt.Errorf("decode %s: %w", id, err)
		}
		into[id] = domain.Record{ID: id, Timestamp: domain.Timestamp(version), Values: decoded}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", classID, err)
	}
	return nil
}

// LoadRelated implements domain.StorageProvider.
func (s *Store) LoadRelated(ctx context.Context, query domain.RelationQuery) ([]domain.Record, error) {
	p := s.dialect.Placeholder
	stmt := `SELECT id FROM relkeeper_references WHERE class = ` + p(1) + ` AND property = ` + p(2) + ` AND target = ` + p(3)
	rows, err := s.db.QueryContext(ctx, stmt, string(query.Class), query.Property, query.Target.String())
	if err != nil {
		return nil, fmt.Errorf("select references: %w", err)
	}
	var ids []domain.ObjectID
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan references: %w", err)
		}
		ids = append(ids, domain.ObjectID{Class: query.Class, Value: value})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate references: %w", err)
	}
	_ = rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	results, err := s.Load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0, len(results))
	for _, res := range results {
		if res.Found {
			out = append(out, res.Record)
		}
	}
	slices.SortFunc(out, func(a, b domain.Record) int { return domain.CompareObjectIDs(a.ID, b.ID) })
	return out, nil
}

// Save implements domain.StorageProvider.
func (s *Store) Save(ctx context.Context, batch []domain.SaveRecord) (results []domain.SaveResult, retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var conflicts []domain.ObjectID
	for _, rec := range batch {
		version, ok, err := s.apply(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			conflicts = append(conflicts, rec.ID)
			continue
		}
		if rec.Action != domain.SaveDelete {
			results = append(results, domain.SaveResult{ID: rec.ID, Timestamp: version})
		}
	}
	if len(conflicts) > 0 {
		return nil, domain.ConcurrencyViolationError{IDs: conflicts}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return results, nil
}

// apply writes one record. ok is false when the stored version disagrees
// with the expected one.
func (s *Store) apply(ctx context.Context, tx *sql.Tx, rec domain.SaveRecord) (version domain.Timestamp, ok bool, err error) {
	p := s.dialect.Placeholder
	var res sql.Result
	switch rec.Action {
	case domain.SaveInsert:
		payload, err := s.encode(rec)
		if err != nil {
			return 0, false, err
		}
		version = 1
		res, err = tx.ExecContext(ctx,
			`INSERT INTO relkeeper_objects (class, id, version, payload) VALUES (`+s.placeholders(1, 4)+`) ON CONFLICT (class, id) DO NOTHING`,
			string(rec.ID.Class), rec.ID.Value, int64(version), payload)
		if err != nil {
			return 0, false, fmt.Errorf("insert %s: %w", rec.ID, err)
		}
	case domain.SaveUpdate:
		payload, err := s.encode(rec)
		if err != nil {
			return 0, false, err
		}
		version = rec.Expected + 1
		res, err = tx.ExecContext(ctx,
			`UPDATE relkeeper_objects SET version = `+p(1)+`, payload = `+p(2)+` WHERE class = `+p(3)+` AND id = `+p(4)+` AND version = `+p(5),
			int64(version), payload, string(rec.ID.Class), rec.ID.Value, int64(rec.Expected))
		if err != nil {
			return 0, false, fmt.Errorf("update %s: %w", rec.ID, err)
		}
	case domain.SaveDelete:
		res, err = tx.ExecContext(ctx,
			`DELETE FROM relkeeper_objects WHERE class = `+p(1)+` AND id = `+p(2)+` AND version = `+p(3),
			string(rec.ID.Class), rec.ID.Value, int64(rec.Expected))
		if err != nil {
			return 0, false, fmt.Errorf("delete %s: %w", rec.ID, err)
		}
	default:
		return 0, false, domain.ArgumentError{Argument: "batch", Message: "unknown save action " + string(rec.Action)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("rows affected %s: %w", rec.ID, err)
	}
	if n == 0 {
		return 0, false, nil
	}
	if err := s.writeReferences(ctx, tx, rec); err != nil {
		return 0, false, err
	}
	return version, true, nil
}

func (s *Store) writeReferences(ctx context.Context, tx *sql.Tx, rec domain.SaveRecord) error {
	p := s.dialect.Placeholder
	if _, err := tx.ExecContext(ctx, `DELETE FROM relkeeper_references WHERE class = `+p(1)+` AND id = `+p(2),
		string(rec.ID.Class), rec.ID.Value); err != nil {
		return fmt.Errorf("clear references of %s: %w", rec.ID, err)
	}
	if rec.Action == domain.SaveDelete {
		return nil
	}
	class, err := s.mapping.MustClass(rec.ID.Class)
	if err != nil {
		return err
	}
	for _, def := range class.Properties() {
		if def.Type != domain.TypeReference {
			continue
		}
		target, ok := rec.Values[def.Name].(domain.ObjectID)
		if !ok || target.IsZero() {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO relkeeper_references (class, id, property, target) VALUES (`+s.placeholders(1, 4)+`)`,
			string(rec.ID.Class), rec.ID.Value, def.Name, target.String()); err != nil {
			return fmt.Errorf("insert reference %s.%s: %w", rec.ID, def.Name, err)
		}
	}
	return nil
}

func (s *Store) encode(rec domain.SaveRecord) (string, error) {
	class, err := s.mapping.MustClass(rec.ID.Class)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(domain.EncodeStoredValues(class, rec.Values))
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", rec.ID, err)
	}
	return string(data), nil
}

func decodePayload(class *domain.ClassDefinition, payload []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	return domain.DecodeStoredValues(class, raw)
}
