// Package blob is the facade over the blob backends. Packages outside it
// depend on Store and never on a concrete backend.
package blob

import (
	"context"
	"fmt"
	"os"

	"relkeeper/internal/blob/core"
	"relkeeper/internal/infra/blob/fs"
	memorystore "relkeeper/internal/infra/blob/memory"
	infraS3 "relkeeper/internal/infra/blob/s3"
)

type (
	Driver     = core.Driver
	PutOptions = core.PutOptions
	Info       = core.Info
	Store      = core.Store
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// Sentinels shared by every backend; match with errors.Is.
var (
	ErrNotFound = core.ErrNotFound
	ErrExists   = core.ErrExists
)

// Environment variables read by Open. S3 settings are documented on
// OpenFromEnv.
const (
	EnvDriver = "RELKEEPER_BLOB_DRIVER"
	EnvFSRoot = "RELKEEPER_BLOB_FS_ROOT"
)

// S3Config is the configuration of the S3 backend.
type S3Config = infraS3.Config

// Open selects a backend from the environment.
//
//	RELKEEPER_BLOB_DRIVER: fs|s3|memory (default fs)
//	RELKEEPER_BLOB_FS_ROOT: root directory when driver=fs (default ./blobdata)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv(EnvDriver)
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv(EnvFSRoot))
	case DriverS3:
		return OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewFilesystem returns a Store writing files under root.
func NewFilesystem(root string) (Store, error) { return fs.New(root) }

// NewMemory returns a process-local Store.
func NewMemory() Store { return memorystore.New() }

// NewS3 returns a Store backed by the bucket in cfg.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) { return infraS3.New(ctx, cfg) }

// OpenFromEnv builds an S3 store from RELKEEPER_BLOB_S3_BUCKET (required),
// RELKEEPER_BLOB_S3_REGION, RELKEEPER_BLOB_S3_ENDPOINT and
// RELKEEPER_BLOB_S3_PATH_STYLE.
func OpenFromEnv(ctx context.Context) (Store, error) { return infraS3.OpenFromEnv(ctx) }

// NewMockS3ForTests returns the S3 backend over an in-process fake bucket.
func NewMockS3ForTests() Store { return infraS3.NewMockForTests() }
