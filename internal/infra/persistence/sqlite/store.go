// Package sqlite provides a SQLite-backed storage provider using the pure Go
// modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"relkeeper/internal/infra/persistence/sqlstore"
	"relkeeper/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// DefaultPath is used when NewStore receives an empty path.
const DefaultPath = "relkeeper.db"

// Store persists records to a SQLite database file.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating if needed) the database at path and applies the schema.
func NewStore(ctx context.Context, path string, mapping *domain.Mapping) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between them.
	db.SetMaxOpenConns(1)
	inner, err := sqlstore.New(ctx, db, sqlstore.SQLite, mapping)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
