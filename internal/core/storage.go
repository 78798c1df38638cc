package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"relkeeper/internal/blob"
	"relkeeper/internal/infra/persistence/blobstore"
	"relkeeper/internal/infra/persistence/memory"
	"relkeeper/internal/infra/persistence/postgres"
	"relkeeper/internal/infra/persistence/sqlite"
	"relkeeper/pkg/domain"
)

// StorageDriver identifies a concrete storage provider implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBlob     StorageDriver = "blob"     // CBOR documents on a blob store
)

// Environment variables read by OpenStorageProvider.
const (
	EnvStorageDriver = "RELKEEPER_STORAGE_DRIVER"
	EnvSQLitePath    = "RELKEEPER_SQLITE_PATH"
	EnvPostgresDSN   = "RELKEEPER_POSTGRES_DSN"
)

// OpenStorageProvider selects a backend using environment variables.
// Defaults to memory when unset. Providers holding connections implement
// io.Closer; see CloseStorageProvider.
//
//	RELKEEPER_STORAGE_DRIVER: memory|sqlite|postgres|blob (default memory)
//	RELKEEPER_SQLITE_PATH: path to sqlite file (default ./relkeeper.db)
//	RELKEEPER_POSTGRES_DSN: postgres DSN when driver=postgres
//	RELKEEPER_BLOB_*: blob backend selection when driver=blob (see internal/blob)
func OpenStorageProvider(ctx context.Context, mapping *domain.Mapping) (domain.StorageProvider, error) {
	driver := os.Getenv(EnvStorageDriver)
	if driver == "" {
		driver = string(StorageMemory)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		s, err := sqlite.NewStore(ctx, os.Getenv(EnvSQLitePath), mapping)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StoragePostgres:
		s, err := postgres.NewStore(ctx, os.Getenv(EnvPostgresDSN), mapping)
		if err != nil {
			return nil, err
		}
		return s, nil
	case StorageBlob:
		blobs, err := blob.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		s, err := blobstore.New(blobs, mapping)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// CloseStorageProvider closes p when it holds resources.
func CloseStorageProvider(p domain.StorageProvider) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
