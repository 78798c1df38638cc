// Package core implements the relkeeper unit-of-work engine: client
// transactions with identity-mapped object data, lazily resolved
// bidirectional relations, commit and rollback protocols, sub-transactions
// and the unload and synchronization maintenance services.
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"relkeeper/pkg/domain"
)

// ClientTransaction is a unit of work. It is not safe for concurrent use; all
// transactions of one hierarchy must be driven by a single goroutine.
type ClientTransaction struct {
	id        string
	hie       *hierarchy
	parent    *ClientTransaction
	sub       *ClientTransaction
	dm        *DataManager
	strategy  PersistenceStrategy
	events    *eventBroker
	logger    Logger
	obs       observers
	rules     *domain.RulesEngine
	cfg       Config
	status    TransactionStatus
	discarded bool
}

// TransactionStatus reports the outcome of the last commit or rollback.
type TransactionStatus int

// Transaction statuses. Committed and RolledBack transactions stay usable.
const (
	StatusActive TransactionStatus = iota
	StatusCommitted
	StatusRolledBack
	StatusDiscarded
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusCommitted:
		return "Committed"
	case StatusRolledBack:
		return "RolledBack"
	case StatusDiscarded:
		return "Discarded"
	default:
		return fmt.Sprintf("TransactionStatus(%d)", int(s))
	}
}

type observers struct {
	metrics MetricsRecorder
	tracer  Tracer
}

type txOptions struct {
	logger    Logger
	metrics   MetricsRecorder
	tracer    Tracer
	listeners []Listener
	rules     *domain.RulesEngine
	cfg       *Config
	decorate  StrategyDecorator
}

// Option configures a root or sub-transaction.
type Option func(*txOptions)

// WithLogger sets the transaction logger.
func WithLogger(l Logger) Option {
	return func(o *txOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsRecorder sets the recorder receiving operation observations.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *txOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer used to open operation spans.
func WithTracer(t Tracer) Option {
	return func(o *txOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithListener registers a listener. Listeners are notified in registration
// order; sub-transactions inherit the listeners of their parent.
func WithListener(l Listener) Option {
	return func(o *txOptions) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// WithRulesEngine sets the rules evaluated on the commit set of root commits.
func WithRulesEngine(e *domain.RulesEngine) Option {
	return func(o *txOptions) { o.rules = e }
}

// WithConfig overrides the engine configuration.
func WithConfig(cfg Config) Option {
	return func(o *txOptions) { o.cfg = &cfg }
}

// WithStrategyDecorator wraps the default persistence strategy.
func WithStrategyDecorator(d StrategyDecorator) Option {
	return func(o *txOptions) { o.decorate = d }
}

// NewRootTransaction starts a root transaction that loads from and commits to
// provider.
func NewRootTransaction(mapping *domain.Mapping, provider domain.StorageProvider, opts ...Option) (*ClientTransaction, error) {
	if mapping == nil {
		return nil, domain.ArgumentError{Argument: "mapping", Message: "mapping must not be nil"}
	}
	if provider == nil {
		return nil, domain.ArgumentError{Argument: "provider", Message: "storage provider must not be nil"}
	}
	o := txOptions{logger: noopLogger{}, metrics: noopMetricsRecorder{}, tracer: noopTracer{}}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := DefaultConfig()
	if o.cfg != nil {
		cfg = *o.cfg
	}
	tx := &ClientTransaction{
		id:     uuid.NewString(),
		hie:    newHierarchy(mapping),
		events: &eventBroker{listeners: o.listeners},
		logger: o.logger,
		obs:    observers{metrics: o.metrics, tracer: o.tracer},
		rules:  o.rules,
		cfg:    cfg,
	}
	tx.hie.root = tx
	tx.dm = newDataManager(tx, mapping)
	var strategy PersistenceStrategy = newRootPersistenceStrategy(provider, mapping, cfg)
	if o.decorate != nil {
		strategy = o.decorate(strategy)
	}
	tx.strategy = strategy
	tx.logger.Debug("root transaction created", "transaction", tx.id)
	return tx, nil
}

// CreateSubTransaction starts a child transaction. The receiver becomes
// read-only until the child is discarded. Only one child can be active.
func (tx *ClientTransaction) CreateSubTransaction(opts ...Option) (*ClientTransaction, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	if tx.sub != nil {
		return nil, domain.InvalidOperationf("transaction %s already has an active sub-transaction %s", tx.id, tx.sub.id)
	}
	if tx.events.vetoing > 0 {
		return nil, domain.InvalidOperationf("a sub-transaction cannot be created while a changing notification is delivered")
	}
	o := txOptions{
		logger:    tx.logger,
		metrics:   tx.obs.metrics,
		tracer:    tx.obs.tracer,
		listeners: append([]Listener(nil), tx.events.listeners...),
		rules:     tx.rules,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := tx.cfg
	if o.cfg != nil {
		cfg = *o.cfg
	}
	sub := &ClientTransaction{
		id:     uuid.NewString(),
		hie:    tx.hie,
		parent: tx,
		events: &eventBroker{listeners: o.listeners},
		logger: o.logger,
		obs:    observers{metrics: o.metrics, tracer: o.tracer},
		rules:  o.rules,
		cfg:    cfg,
	}
	sub.dm = newDataManager(sub, tx.hie.mapping)
	for id := range tx.dm.invalid {
		sub.dm.markInvalid(id)
	}
	for id, dc := range tx.dm.containers {
		if dc.State() == StateDeleted {
			sub.dm.markInvalid(id)
		}
	}
	var strategy PersistenceStrategy = &subPersistenceStrategy{parent: tx}
	if o.decorate != nil {
		strategy = o.decorate(strategy)
	}
	sub.strategy = strategy
	tx.sub = sub
	tx.events.subTransactionCreated(tx, sub)
	tx.logger.Debug("sub-transaction created", "transaction", tx.id, "sub", sub.id)
	return sub, nil
}

// Discard ends a sub-transaction without committing it and makes its parent
// writable again. Root transactions cannot be discarded.
func (tx *ClientTransaction) Discard() error {
	if tx.discarded {
		return nil
	}
	if tx.parent == nil {
		return domain.InvalidOperationf("root transaction %s cannot be discarded; use Rollback instead", tx.id)
	}
	if tx.sub != nil {
		if err := tx.sub.Discard(); err != nil {
			return err
		}
	}
	tx.discarded = true
	tx.status = StatusDiscarded
	tx.parent.sub = nil
	tx.events.transactionDiscarded(tx)
	tx.logger.Debug("sub-transaction discarded", "transaction", tx.id)
	return nil
}

// RunInSubTransaction runs fn in a new sub-transaction and commits it into the
// receiver when fn succeeds. The sub-transaction is always discarded.
func (tx *ClientTransaction) RunInSubTransaction(ctx context.Context, fn func(ctx context.Context, sub *ClientTransaction) error, opts ...Option) (err error) {
	sub, err := tx.CreateSubTransaction(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if derr := sub.Discard(); derr != nil {
			err = errors.Join(err, derr)
		}
	}()
	if err := fn(ctx, sub); err != nil {
		return err
	}
	return sub.Commit(ctx)
}

// ID returns the transaction identifier used in logs and errors.
func (tx *ClientTransaction) ID() string { return tx.id }

// Parent returns the parent transaction, or nil for a root.
func (tx *ClientTransaction) Parent() *ClientTransaction { return tx.parent }

// SubTransaction returns the active child, if any.
func (tx *ClientTransaction) SubTransaction() *ClientTransaction { return tx.sub }

// Root returns the root of the hierarchy.
func (tx *ClientTransaction) Root() *ClientTransaction { return tx.hie.root }

// Mapping returns the mapping shared by the hierarchy.
func (tx *ClientTransaction) Mapping() *domain.Mapping { return tx.hie.mapping }

// DataManager exposes the transaction's data for inspection.
func (tx *ClientTransaction) DataManager() *DataManager { return tx.dm }

// IsReadOnly reports whether a sub-transaction is active.
func (tx *ClientTransaction) IsReadOnly() bool { return tx.sub != nil }

// Status returns the transaction status.
func (tx *ClientTransaction) Status() TransactionStatus { return tx.status }

// IsDiscarded reports whether the transaction has been discarded.
func (tx *ClientTransaction) IsDiscarded() bool { return tx.discarded }

// AddListener registers l for subsequent notifications.
func (tx *ClientTransaction) AddListener(l Listener) {
	if l != nil {
		tx.events.add(l)
	}
}

// RemoveListener unregisters l. It reports whether l was registered.
func (tx *ClientTransaction) RemoveListener(l Listener) bool {
	return tx.events.remove(l)
}

// IsEnlisted reports whether obj belongs to the hierarchy of tx.
func (tx *ClientTransaction) IsEnlisted(obj *DomainObject) bool {
	return obj != nil && obj.hie == tx.hie
}

func (tx *ClientTransaction) checkActive() error {
	if tx.discarded {
		return domain.InvalidOperationf("transaction %s has been discarded and can no longer be used", tx.id)
	}
	return nil
}

func (tx *ClientTransaction) checkWritable() error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	if tx.sub != nil {
		return domain.InvalidOperationf("transaction %s is read-only while sub-transaction %s is active", tx.id, tx.sub.id)
	}
	if tx.events.vetoing > 0 {
		return domain.InvalidOperationf("transaction %s cannot be modified while a changing notification is delivered", tx.id)
	}
	return nil
}

func (tx *ClientTransaction) checkObject(obj *DomainObject) error {
	if obj == nil {
		return domain.ArgumentError{Argument: "object", Message: "object must not be nil"}
	}
	if obj.hie != tx.hie {
		return domain.ArgumentError{
			Argument: "object",
			Message:  fmt.Sprintf("object %s belongs to a different transaction hierarchy", obj.id),
		}
	}
	return nil
}

func (tx *ClientTransaction) readableContainer(ctx context.Context, obj *DomainObject) (*DataContainer, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	if err := tx.checkObject(obj); err != nil {
		return nil, err
	}
	return tx.dm.container(ctx, obj.id)
}

// NewObject creates a New object of class with a generated id.
func (tx *ClientTransaction) NewObject(ctx context.Context, class domain.ClassID) (*DomainObject, error) {
	return tx.NewObjectWithID(ctx, domain.NewObjectID(class))
}

// NewObjectWithID creates a New object with a caller-supplied id.
func (tx *ClientTransaction) NewObjectWithID(_ context.Context, id domain.ObjectID) (*DomainObject, error) {
	if err := tx.checkWritable(); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, domain.ArgumentError{Argument: "id", Message: "object id must not be empty"}
	}
	class, err := tx.hie.mapping.MustClass(id.Class)
	if err != nil {
		return nil, err
	}
	if tx.dm.isLoaded(id) || tx.dm.isInvalid(id) {
		return nil, domain.InvalidOperationf("object %s already exists in transaction %s", id, tx.id)
	}
	if err := tx.events.newObjectCreating(tx, id.Class); err != nil {
		return nil, err
	}
	tx.dm.registerNewContainer(newDataContainerForNewObject(class, id))
	tx.logger.Debug("object created", "transaction", tx.id, "object", id.String())
	return tx.hie.object(id), nil
}

// GetObject loads id. Deleted objects are returned only when includeDeleted
// is set.
func (tx *ClientTransaction) GetObject(ctx context.Context, id domain.ObjectID, includeDeleted bool) (*DomainObject, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	if _, err := tx.hie.mapping.MustClass(id.Class); err != nil {
		return nil, err
	}
	dc, err := tx.dm.container(ctx, id)
	if err != nil {
		return nil, err
	}
	if dc.State() == StateDeleted && !includeDeleted {
		return nil, domain.InvalidOperationf("object %s has been deleted", id)
	}
	return tx.hie.object(id), nil
}

// TryGetObject is GetObject with includeDeleted set that returns nil instead
// of an error for missing or invalid objects.
func (tx *ClientTransaction) TryGetObject(ctx context.Context, id domain.ObjectID) (*DomainObject, error) {
	obj, err := tx.GetObject(ctx, id, true)
	if err == nil {
		return obj, nil
	}
	var notFound domain.ObjectNotFoundError
	if errors.As(err, &notFound) || tx.dm.isInvalid(id) {
		return nil, nil
	}
	return nil, err
}

// GetObjects loads all ids with one strategy call and returns them in request
// order. Missing objects are reported together.
func (tx *ClientTransaction) GetObjects(ctx context.Context, ids ...domain.ObjectID) ([]*DomainObject, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.hie.mapping.MustClass(id.Class); err != nil {
			return nil, err
		}
	}
	if _, err := tx.dm.ensureLoaded(ctx, ids); err != nil {
		return nil, err
	}
	var missing []domain.ObjectID
	out := make([]*DomainObject, len(ids))
	for i, id := range ids {
		dc, ok := tx.dm.containers[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if dc.State() == StateDeleted {
			return nil, domain.InvalidOperationf("object %s has been deleted", id)
		}
		out[i] = tx.hie.object(id)
	}
	if len(missing) > 0 {
		return nil, domain.ObjectNotFoundError{IDs: missing}
	}
	return out, nil
}

// GetObjectReference returns the handle of id without loading it.
func (tx *ClientTransaction) GetObjectReference(id domain.ObjectID) (*DomainObject, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, domain.ArgumentError{Argument: "id", Message: "object id must not be empty"}
	}
	if _, err := tx.hie.mapping.MustClass(id.Class); err != nil {
		return nil, err
	}
	if tx.dm.isInvalid(id) {
		return nil, domain.InvalidOperationf("object %s is invalid in this transaction", id)
	}
	return tx.hie.object(id), nil
}

// State returns the state of obj in tx. Handles of other hierarchies are
// reported as Invalid.
func (tx *ClientTransaction) State(obj *DomainObject) ObjectState {
	if obj == nil || obj.hie != tx.hie {
		return ObjectInvalid
	}
	return tx.dm.objectState(obj.id)
}

// Timestamp returns the persisted version of obj, loading it if necessary.
func (tx *ClientTransaction) Timestamp(ctx context.Context, obj *DomainObject) (domain.Timestamp, error) {
	dc, err := tx.readableContainer(ctx, obj)
	if err != nil {
		return 0, err
	}
	return dc.Timestamp(), nil
}

// EnsureDataAvailable loads the data of all objs.
func (tx *ClientTransaction) EnsureDataAvailable(ctx context.Context, objs ...*DomainObject) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	ids := make([]domain.ObjectID, len(objs))
	for i, o := range objs {
		if err := tx.checkObject(o); err != nil {
			return err
		}
		if tx.dm.isInvalid(o.id) {
			return domain.InvalidOperationf("object %s is invalid in this transaction", o.id)
		}
		ids[i] = o.id
	}
	notFound, err := tx.dm.ensureLoaded(ctx, ids)
	if err != nil {
		return err
	}
	if len(notFound) > 0 {
		return domain.ObjectNotFoundError{IDs: notFound}
	}
	return nil
}

// EnsureDataComplete resolves the virtual end point id. Foreign key end points
// are always complete.
func (tx *ClientTransaction) EnsureDataComplete(ctx context.Context, id RelationEndPointID) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	def, err := tx.dm.endPointDefinition(id)
	if err != nil {
		return err
	}
	if _, err := tx.dm.container(ctx, id.Object); err != nil {
		return err
	}
	if !def.Virtual {
		return nil
	}
	_, err = tx.dm.virtualEndPoint(ctx, id)
	return err
}

// GetValue returns the current value of a persistent property. Foreign key
// properties yield a domain.ObjectID or nil.
func (tx *ClientTransaction) GetValue(ctx context.Context, obj *DomainObject, property string) (any, error) {
	dc, err := tx.readableContainer(ctx, obj)
	if err != nil {
		return nil, err
	}
	return dc.Value(property)
}

// GetOriginalValue returns the value property had at load or last commit.
func (tx *ClientTransaction) GetOriginalValue(ctx context.Context, obj *DomainObject, property string) (any, error) {
	dc, err := tx.readableContainer(ctx, obj)
	if err != nil {
		return nil, err
	}
	return dc.OriginalValue(property)
}

// SetValue changes a persistent property. Setting a foreign key property is
// equivalent to SetRelated; value may then be a domain.ObjectID, a
// *DomainObject or nil.
func (tx *ClientTransaction) SetValue(ctx context.Context, obj *DomainObject, property string, value any) error {
	if err := tx.beginModification(obj); err != nil {
		return err
	}
	class, err := tx.hie.mapping.MustClass(obj.id.Class)
	if err != nil {
		return err
	}
	if def, ok := class.EndPoint(property); ok {
		if def.Virtual {
			return domain.ArgumentError{Argument: "property", Message: fmt.Sprintf("%s is not a persistent property", def)}
		}
		related, err := tx.referenceArgument(def, value)
		if err != nil {
			return err
		}
		return tx.setForeignKey(ctx, obj, def, related)
	}
	dc, err := tx.liveContainer(ctx, obj)
	if err != nil {
		return err
	}
	newValue, err := dc.prepareValue(property, value)
	if err != nil {
		return err
	}
	oldValue := dc.current[property]
	if domain.ValuesEqual(oldValue, newValue) {
		return nil
	}
	return tx.execute(&propertySetCommand{tx: tx, dc: dc, property: property, oldValue: domain.CloneValue(oldValue), newValue: newValue})
}

func (tx *ClientTransaction) referenceArgument(def *domain.RelationEndPointDefinition, value any) (*DomainObject, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *DomainObject:
		return v, nil
	case domain.ObjectID:
		if v.IsZero() {
			return nil, nil
		}
		return tx.GetObjectReference(v)
	default:
		return nil, domain.ArgumentTypeError{Property: def.Property, Expected: domain.TypeReference, Actual: fmt.Sprintf("%T", value)}
	}
}

// GetRelated returns the current related object of a one-valued relation
// property, or nil.
func (tx *ClientTransaction) GetRelated(ctx context.Context, obj *DomainObject, property string) (*DomainObject, error) {
	return tx.related(ctx, obj, property, false)
}

// GetOriginalRelated returns the related object at load or last commit.
func (tx *ClientTransaction) GetOriginalRelated(ctx context.Context, obj *DomainObject, property string) (*DomainObject, error) {
	return tx.related(ctx, obj, property, true)
}

func (tx *ClientTransaction) related(ctx context.Context, obj *DomainObject, property string, original bool) (*DomainObject, error) {
	if _, err := tx.readableContainer(ctx, obj); err != nil {
		return nil, err
	}
	id := NewRelationEndPointID(obj.id, property)
	def, err := tx.dm.endPointDefinition(id)
	if err != nil {
		return nil, err
	}
	if def.IsCollection() {
		return nil, domain.ArgumentError{Argument: "property", Message: fmt.Sprintf("%s is a collection; use Collection to read it", def)}
	}
	var ep RelationEndPoint
	if def.Virtual {
		if ep, err = tx.dm.virtualEndPoint(ctx, id); err != nil {
			return nil, err
		}
	} else {
		ep = tx.dm.endPoints.real(id)
	}
	ids := ep.OppositeObjectIDs()
	if original {
		ids = ep.OriginalOppositeObjectIDs()
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return tx.hie.object(ids[0]), nil
}

// Collection returns the handle of a one-to-many collection property. The
// collection data is loaded on first access.
func (tx *ClientTransaction) Collection(ctx context.Context, obj *DomainObject, property string) (*Collection, error) {
	if _, err := tx.readableContainer(ctx, obj); err != nil {
		return nil, err
	}
	id := NewRelationEndPointID(obj.id, property)
	def, err := tx.dm.endPointDefinition(id)
	if err != nil {
		return nil, err
	}
	if !def.IsCollection() {
		return nil, domain.ArgumentError{Argument: "property", Message: fmt.Sprintf("%s is not a collection property", def)}
	}
	return &Collection{tx: tx, owner: obj, id: id}, nil
}

// MarkAsChanged forces an existing, non-deleted object into the Changed state.
func (tx *ClientTransaction) MarkAsChanged(ctx context.Context, obj *DomainObject) error {
	if err := tx.beginModification(obj); err != nil {
		return err
	}
	dc, err := tx.dm.container(ctx, obj.id)
	if err != nil {
		return err
	}
	return dc.MarkAsChanged()
}

// RegisterForCommit includes an Unchanged object in the next commit as if it
// had been changed. New and Changed objects are unaffected.
func (tx *ClientTransaction) RegisterForCommit(ctx context.Context, obj *DomainObject) error {
	if err := tx.beginModification(obj); err != nil {
		return err
	}
	dc, err := tx.dm.container(ctx, obj.id)
	if err != nil {
		return err
	}
	switch dc.State() {
	case StateDeleted:
		return domain.InvalidOperationf("deleted object %s cannot be registered for commit", obj.id)
	case StateNew:
		return nil
	}
	return dc.MarkAsChanged()
}
