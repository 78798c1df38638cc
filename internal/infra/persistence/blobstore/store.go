// Package blobstore implements the storage provider contract on a blob.Store.
// Each record is one CBOR document at records/<class>/<escaped id>.cbor.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"relkeeper/internal/blob"
	"relkeeper/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.StorageProvider = (*Store)(nil)

const (
	keyPrefix   = "records/"
	contentType = "application/cbor"
)

// document is the stored form of a record.
type document struct {
	Class     string         `cbor:"class"`
	ID        string         `cbor:"id"`
	Timestamp uint64         `cbor:"ts"`
	Values    map[string]any `cbor:"values"`
}

// Store persists records as blobs. Writers are serialised within one
// process; a failed Save may leave earlier records of the batch applied.
type Store struct {
	blobs   blob.Store
	mapping *domain.Mapping
	enc     cbor.EncMode
	dec     cbor.DecMode
	mu      sync.Mutex
}

// New wraps blobs.
func New(blobs blob.Store, mapping *domain.Mapping) (*Store, error) {
	if blobs == nil || mapping == nil {
		return nil, domain.ArgumentError{Argument: "blobs", Message: "blob store and mapping are required"}
	}
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &Store{blobs: blobs, mapping: mapping, enc: enc, dec: dec}, nil
}

// Blobs returns the underlying blob store.
func (s *Store) Blobs() blob.Store { return s.blobs }

func classPrefix(class domain.ClassID) string {
	return keyPrefix + url.PathEscape(string(class)) + "/"
}

func keyFor(id domain.ObjectID) string {
	return classPrefix(id.Class) + url.PathEscape(id.Value) + ".cbor"
}

func (s *Store) read(ctx context.Context, key string) (domain.Record, bool, error) {
	_, rc, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	var doc document
	if err := s.dec.Unmarshal(data, &doc); err != nil {
		return domain.Record{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	id := domain.ObjectID{Class: domain.ClassID(doc.Class), Value: doc.ID}
	class, err := s.mapping.MustClass(id.Class)
	if err != nil {
		return domain.Record{}, false, err
	}
	values, err := domain.DecodeStoredValues(class, doc.Values)
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("decode %s: %w", id, err)
	}
	return domain.Record{ID: id, Timestamp: domain.Timestamp(doc.Timestamp), Values: values}, true, nil
}

func (s *Store) write(ctx context.Context, id domain.ObjectID, ts domain.Timestamp, values map[string]any) error {
	class, err := s.mapping.MustClass(id.Class)
	if err != nil {
		return err
	}
	data, err := s.enc.Marshal(document{Class: string(id.Class), ID: id.Value, Timestamp: uint64(ts), Values: domain.EncodeStoredValues(class, values)})
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}
	_, err = s.blobs.Put(ctx, keyFor(id), bytes.NewReader(data), blob.PutOptions{ContentType: contentType})
	return err
}

// Load implements domain.StorageProvider.
func (s *Store) Load(ctx context.Context, ids []domain.ObjectID) ([]domain.LoadResult, error) {
	out := make([]domain.LoadResult, len(ids))
	for i, id := range ids {
		if _, err := s.mapping.MustClass(id.Class); err != nil {
			return nil, err
		}
		rec, ok, err := s.read(ctx, keyFor(id))
		if err != nil {
			return nil, err
		}
		out[i] = domain.LoadResult{ID: id, Found: ok, Record: rec}
	}
	return out, nil
}

// LoadRelated scans the records of query.Class.
func (s *Store) LoadRelated(ctx context.Context, query domain.RelationQuery) ([]domain.Record, error) {
	infos, err := s.blobs.List(ctx, classPrefix(query.Class))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", query.Class, err)
	}
	var out []domain.Record
	for _, info := range infos {
		if !strings.HasSuffix(info.Key, ".cbor") {
			continue
		}
		rec, ok, err := s.read(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if ref, isRef := rec.Values[query.Property].(domain.ObjectID); isRef && ref == query.Target {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b domain.Record) int { return domain.CompareObjectIDs(a.ID, b.ID) })
	return out, nil
}

// Save implements domain.StorageProvider. Every record of the batch is
// checked before the first write.
func (s *Store) Save(ctx context.Context, batch []domain.SaveRecord) ([]domain.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conflicts []domain.ObjectID
	for _, rec := range batch {
		stored, exists, err := s.read(ctx, keyFor(rec.ID))
		if err != nil {
			return nil, err
		}
		switch rec.Action {
		case domain.SaveInsert:
			if exists {
				conflicts = append(conflicts, rec.ID)
			}
		case domain.SaveUpdate, domain.SaveDelete:
			if !exists || stored.Timestamp != rec.Expected {
				conflicts = append(conflicts, rec.ID)
			}
		default:
			return nil, domain.ArgumentError{Argument: "batch", Message: "unknown save action " + string(rec.Action)}
		}
	}
	if len(conflicts) > 0 {
		return nil, domain.ConcurrencyViolationError{IDs: conflicts}
	}
	results := make([]domain.SaveResult, 0, len(batch))
	for _, rec := range batch {
		if rec.Action != domain.SaveInsert {
			if _, err := s.blobs.Delete(ctx, keyFor(rec.ID)); err != nil {
				return nil, fmt.Errorf("delete %s: %w", rec.ID, err)
			}
		}
		if rec.Action == domain.SaveDelete {
			continue
		}
		ts := rec.Expected + 1
		if rec.Action == domain.SaveInsert {
			ts = 1
		}
		if err := s.write(ctx, rec.ID, ts, rec.Values); err != nil {
			if errors.Is(err, blob.ErrExists) {
				// another process created the key after the check above
				return nil, domain.ConcurrencyViolationError{IDs: []domain.ObjectID{rec.ID}}
			}
			return nil, fmt.Errorf("write %s: %w", rec.ID, err)
		}
		results = append(results, domain.SaveResult{ID: rec.ID, Timestamp: ts})
	}
	return results, nil
}
