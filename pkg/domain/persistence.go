package domain

import "context"

// Record is the persisted form of one object: its identity, its version and
// its property values keyed by property name. Reference values are ObjectIDs.
type Record struct {
	ID        ObjectID
	Timestamp Timestamp
	Values    map[string]any
}

// LoadResult pairs a requested identifier with its record. Found is false when
// the store holds no object with that identifier.
type LoadResult struct {
	ID     ObjectID
	Found  bool
	Record Record
}

// RelationQuery asks for the objects of Class whose foreign key Property points
// at Target ("who points to me").
type RelationQuery struct {
	Class    ClassID
	Property string
	Target   ObjectID
}

// SaveAction tells a provider how to persist a SaveRecord.
type SaveAction string

// Save actions.
const (
	SaveInsert SaveAction = "insert"
	SaveUpdate SaveAction = "update"
	SaveDelete SaveAction = "delete"
)

// SaveRecord is one entry of a commit batch. Expected is the timestamp the
// object had when it was loaded; providers reject updates and deletes whose
// stored timestamp differs.
type SaveRecord struct {
	Action   SaveAction
	ID       ObjectID
	Expected Timestamp
	Values   map[string]any
}

// SaveResult reports the timestamp assigned to an inserted or updated object.
type SaveResult struct {
	ID        ObjectID
	Timestamp Timestamp
}

// StorageProvider is the persistence collaborator of the unit-of-work engine.
// Implementations must be safe for concurrent use by several root transactions.
type StorageProvider interface {
	// Load returns one result per requested id, in request order, duplicates
	// included.
	Load(ctx context.Context, ids []ObjectID) ([]LoadResult, error)
	// LoadRelated returns the records matching the query ordered by ObjectID.
	LoadRelated(ctx context.Context, query RelationQuery) ([]Record, error)
	// Save applies the batch atomically. A ConcurrencyViolationError leaves the
	// store unchanged.
	Save(ctx context.Context, batch []SaveRecord) ([]SaveResult, error)
}
