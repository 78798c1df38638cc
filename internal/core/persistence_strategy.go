package core

import (
	"context"
	"fmt"

	"relkeeper/pkg/domain"
)

// ObjectData is the data of one object handed to a transaction by its
// persistence strategy.
type ObjectData struct {
	ID        domain.ObjectID
	Found     bool
	Timestamp domain.Timestamp
	Values    map[string]any
}

// PersistableData describes one object of a commit set.
type PersistableData struct {
	Object    *DomainObject
	State     ObjectState
	Container *DataContainer
	// EndPoints holds the changed virtual end points owned by Object.
	EndPoints []RelationEndPoint
}

// PersistenceStrategy is where a transaction loads from and commits to. Root
// transactions use a StorageProvider, sub-transactions their parent.
//
// Strategies are driven by a single goroutine: the transaction hierarchy is a
// single-writer structure and never calls a strategy concurrently.
type PersistenceStrategy interface {
	// LoadObjectData returns one entry per id in request order.
	LoadObjectData(ctx context.Context, ids []domain.ObjectID) ([]ObjectData, error)
	// LoadRelatedObjectData returns the objects on the foreign key side that
	// point at the virtual end point id.
	LoadRelatedObjectData(ctx context.Context, id RelationEndPointID) ([]ObjectData, error)
	// PersistData stores the commit set and returns the resulting timestamps.
	PersistData(ctx context.Context, data []PersistableData) ([]domain.SaveResult, error)
}

// StrategyDecorator wraps the default strategy of a transaction.
type StrategyDecorator func(PersistenceStrategy) PersistenceStrategy

type rootPersistenceStrategy struct {
	provider domain.StorageProvider
	mapping  *domain.Mapping
	cfg      Config
}

func newRootPersistenceStrategy(provider domain.StorageProvider, mapping *domain.Mapping, cfg Config) *rootPersistenceStrategy {
	return &rootPersistenceStrategy{provider: provider, mapping: mapping, cfg: cfg}
}

// LoadObjectData splits ids into provider batches of at most
// Config.MaxLoadBatchSize, preserving order and duplicates.
func (s *rootPersistenceStrategy) LoadObjectData(ctx context.Context, ids []domain.ObjectID) ([]ObjectData, error) {
	out := make([]ObjectData, 0, len(ids))
	size := s.cfg.batchSize()
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunk := ids[start:end]
		results, err := s.provider.Load(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("load objects: %w", err)
		}
		if len(results) != len(chunk) {
			return nil, fmt.Errorf("load objects: provider returned %d results for %d ids", len(results), len(chunk))
		}
		for i, res := range results {
			if res.ID != chunk[i] {
				return nil, fmt.Errorf("load objects: provider returned %s at position %d, expected %s", res.ID, i, chunk[i])
			}
			out = append(out, objectDataFromResult(res))
		}
	}
	return out, nil
}

func (s *rootPersistenceStrategy) LoadRelatedObjectData(ctx context.Context, id RelationEndPointID) ([]ObjectData, error) {
	class, err := s.mapping.MustClass(id.Object.Class)
	if err != nil {
		return nil, err
	}
	def, ok := class.EndPoint(id.Property)
	if !ok || !def.Virtual {
		return nil, domain.ArgumentError{Argument: "endPoint", Message: fmt.Sprintf("%s is not a virtual end point", id)}
	}
	records, err := s.provider.LoadRelated(ctx, domain.RelationQuery{
		Class:    def.OppositeClass,
		Property: def.OppositeProperty,
		Target:   id.Object,
	})
	if err != nil {
		return nil, fmt.Errorf("load related objects of %s: %w", id, err)
	}
	out := make([]ObjectData, len(records))
	for i, rec := range records {
		out[i] = ObjectData{ID: rec.ID, Found: true, Timestamp: rec.Timestamp, Values: rec.Values}
	}
	return out, nil
}

func (s *rootPersistenceStrategy) PersistData(ctx context.Context, data []PersistableData) ([]domain.SaveResult, error) {
	batch := make([]domain.SaveRecord, 0, len(data))
	for _, d := range data {
		dc := d.Container
		rec := domain.SaveRecord{ID: dc.ID(), Expected: dc.Timestamp()}
		switch d.State {
		case ObjectNew:
			rec.Action = domain.SaveInsert
			rec.Values = dc.CurrentValues()
		case ObjectChanged:
			rec.Action = domain.SaveUpdate
			rec.Values = dc.CurrentValues()
		case ObjectDeleted:
			rec.Action = domain.SaveDelete
		default:
			continue
		}
		batch = append(batch, rec)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	results, err := s.provider.Save(ctx, batch)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func objectDataFromResult(res domain.LoadResult) ObjectData {
	if !res.Found {
		return ObjectData{ID: res.ID}
	}
	return ObjectData{ID: res.ID, Found: true, Timestamp: res.Record.Timestamp, Values: res.Record.Values}
}

// subPersistenceStrategy loads from and commits into the parent transaction.
type subPersistenceStrategy struct {
	parent *ClientTransaction
}

func (s *subPersistenceStrategy) LoadObjectData(ctx context.Context, ids []domain.ObjectID) ([]ObjectData, error) {
	dm := s.parent.dm
	if _, err := dm.ensureLoaded(ctx, ids); err != nil {
		return nil, err
	}
	out := make([]ObjectData, len(ids))
	for i, id := range ids {
		out[i] = dm.objectDataForSub(id)
	}
	return out, nil
}

func (s *subPersistenceStrategy) LoadRelatedObjectData(ctx context.Context, id RelationEndPointID) ([]ObjectData, error) {
	dm := s.parent.dm
	ep, err := dm.virtualEndPoint(ctx, id)
	if err != nil {
		return nil, err
	}
	items := ep.OppositeObjectIDs()
	out := make([]ObjectData, 0, len(items))
	for _, item := range items {
		if d := dm.objectDataForSub(item); d.Found {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *subPersistenceStrategy) PersistData(_ context.Context, data []PersistableData) ([]domain.SaveResult, error) {
	return s.parent.dm.mergeFromSubTransaction(data)
}
