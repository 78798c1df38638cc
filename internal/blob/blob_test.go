package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	t.Setenv(EnvDriver, "memory")
	store, err := Open(ctx)
	if err != nil || store.Driver() != DriverMemory {
		t.Fatalf("expected memory driver: %v", err)
	}
	t.Setenv(EnvDriver, "")
	t.Setenv(EnvFSRoot, t.TempDir())
	store, err = Open(ctx)
	if err != nil || store.Driver() != DriverFilesystem {
		t.Fatalf("expected filesystem default: %v", err)
	}
	t.Setenv(EnvDriver, "s3")
	t.Setenv("RELKEEPER_BLOB_S3_BUCKET", "")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected s3 without bucket to fail")
	}
	t.Setenv(EnvDriver, "ftp")
	if _, err := Open(ctx); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestBackendsShareSentinels(t *testing.T) {
	ctx := context.Background()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	for _, store := range []Store{NewMemory(), fsStore, NewMockS3ForTests()} {
		if _, err := store.Put(ctx, "a/b", bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
			t.Fatalf("%s put: %v", store.Driver(), err)
		}
		if _, err := store.Put(ctx, "a/b", bytes.NewReader([]byte("x")), PutOptions{}); !errors.Is(err, ErrExists) {
			t.Fatalf("%s: expected ErrExists, got %v", store.Driver(), err)
		}
		if _, err := store.Head(ctx, "a/missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", store.Driver(), err)
		}
	}
}
