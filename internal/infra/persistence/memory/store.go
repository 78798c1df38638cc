// Package memory provides an in-memory implementation of the storage provider
// contract used for tests and ephemeral environments.
package memory

import (
	"context"
	"slices"
	"sync"

	"relkeeper/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.StorageProvider = (*Store)(nil)

// Store keeps records in a map guarded by a mutex. It is safe for concurrent
// use by several root transactions, which is how competing writers are
// modelled in tests.
type Store struct {
	mu      sync.RWMutex
	records map[domain.ObjectID]domain.Record
	clock   domain.Timestamp
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Records []domain.Record
	Clock   domain.Timestamp
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{records: make(map[domain.ObjectID]domain.Record)}
}

func cloneRecord(r domain.Record) domain.Record {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = domain.CloneValue(v)
	}
	return domain.Record{ID: r.ID, Timestamp: r.Timestamp, Values: values}
}

func (s *Store) tick() domain.Timestamp {
	s.clock++
	return s.clock
}

// Put seeds records outside of an engine commit. Records without a timestamp
// receive the next one.
func (s *Store) Put(records ...domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		r = cloneRecord(r)
		if r.Timestamp == 0 {
			r.Timestamp = s.tick()
		} else if r.Timestamp > s.clock {
			s.clock = r.Timestamp
		}
		s.records[r.ID] = r
	}
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Load implements domain.StorageProvider.
func (s *Store) Load(ctx context.Context, ids []domain.ObjectID) ([]domain.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LoadResult, len(ids))
	for i, id := range ids {
		rec, ok := s.records[id]
		out[i] = domain.LoadResult{ID: id, Found: ok}
		if ok {
			out[i].Record = cloneRecord(rec)
		}
	}
	return out, nil
}

// LoadRelated implements domain.StorageProvider.
func (s *Store) LoadRelated(ctx context.Context, query domain.RelationQuery) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Record
	for id, rec := range s.records {
		if id.Class != query.Class {
			continue
		}
		if ref, ok := rec.Values[query.Property].(domain.ObjectID); ok && ref == query.Target {
			out = append(out, cloneRecord(rec))
		}
	}
	slices.SortFunc(out, func(a, b domain.Record) int { return domain.CompareObjectIDs(a.ID, b.ID) })
	return out, nil
}

// Save implements domain.StorageProvider. The batch is validated completely
// before any record changes.
func (s *Store) Save(ctx context.Context, batch []domain.SaveRecord) ([]domain.SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var conflicts []domain.ObjectID
	for _, rec := range batch {
		stored, exists := s.records[rec.ID]
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
		if rec.Action == domain.SaveDelete {
			delete(s.records, rec.ID)
			continue
		}
		ts := s.tick()
		s.records[rec.ID] = cloneRecord(domain.Record{ID: rec.ID, Timestamp: ts, Values: rec.Values})
		results = append(results, domain.SaveResult{ID: rec.ID, Timestamp: ts})
	}
	return results, nil
}

// ExportState clones the current store state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Records: make([]domain.Record, 0, len(s.records)), Clock: s.clock}
	for _, rec := range s.records {
		snap.Records = append(snap.Records, cloneRecord(rec))
	}
	slices.SortFunc(snap.Records, func(a, b domain.Record) int { return domain.CompareObjectIDs(a.ID, b.ID) })
	return snap
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[domain.ObjectID]domain.Record, len(snapshot.Records))
	s.clock = snapshot.Clock
	for _, rec := range snapshot.Records {
		s.records[rec.ID] = cloneRecord(rec)
		if rec.Timestamp > s.clock {
			s.clock = rec.Timestamp
		}
	}
}
