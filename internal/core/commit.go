package core

import (
	"context"
	"errors"

	"relkeeper/pkg/domain"
)

// CommittingEventRegistrar is handed to TransactionCommitting handlers. It
// extends the commit set; objects can never be removed from it.
type CommittingEventRegistrar struct {
	ctx        context.Context
	tx         *ClientTransaction
	additional []*DomainObject
}

// RegisterForCommit includes obj in the running commit. obj receives its own
// committing notification in the next round.
func (r *CommittingEventRegistrar) RegisterForCommit(obj *DomainObject) error {
	return r.tx.RegisterForCommit(r.ctx, obj)
}

// RegisterForAdditionalCommittingEvents requests another committing
// notification for objects that are already part of the commit set.
func (r *CommittingEventRegistrar) RegisterForAdditionalCommittingEvents(objs ...*DomainObject) error {
	for _, o := range objs {
		if err := r.tx.checkObject(o); err != nil {
			return err
		}
		switch r.tx.dm.objectState(o.id) {
		case ObjectNew, ObjectChanged, ObjectDeleted:
		default:
			return domain.InvalidOperationf("object %s is not part of the commit set", o.id)
		}
		r.additional = append(r.additional, o)
	}
	return nil
}

// Commit persists the changes of tx. A root transaction writes to its storage
// provider; a sub-transaction merges into its parent. On failure no state of
// tx is changed except the modifications made by committing handlers.
func (tx *ClientTransaction) Commit(ctx context.Context) (err error) {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	ctx, obs := tx.observe(ctx, OperationCommit)
	defer func() { obs.end(ctx, err) }()

	if err := tx.raiseCommitting(ctx); err != nil {
		return err
	}
	ids := tx.dm.commitCandidates()
	if err := tx.checkMandatoryRelations(ids); err != nil {
		return err
	}
	data := tx.dm.persistableData(ids)
	if err := tx.evaluateRules(ctx, data); err != nil {
		return err
	}
	if err := tx.events.transactionCommitValidate(tx, data); err != nil {
		return err
	}
	results, err := tx.strategy.PersistData(ctx, data)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyViolation) {
			tx.logger.Warn("commit rejected by concurrency check", "transaction", tx.id, "error", err)
		}
		return err
	}
	tx.dm.commit(results)
	tx.status = StatusCommitted
	objects := make([]*DomainObject, len(data))
	for i, d := range data {
		objects[i] = d.Object
	}
	tx.events.transactionCommitted(tx, objects)
	tx.logger.Info("transaction committed", "transaction", tx.id, "objects", len(objects))
	return nil
}

// raiseCommitting notifies listeners about the commit set until no further
// objects join it.
func (tx *ClientTransaction) raiseCommitting(ctx context.Context) error {
	registrar := &CommittingEventRegistrar{ctx: ctx, tx: tx}
	notified := make(map[domain.ObjectID]struct{})
	for {
		var batch []*DomainObject
		for _, id := range tx.dm.commitCandidates() {
			if _, ok := notified[id]; ok {
				continue
			}
			notified[id] = struct{}{}
			batch = append(batch, tx.hie.object(id))
		}
		for _, o := range registrar.additional {
			if _, ok := tx.dm.containers[o.id]; ok && !containsObject(batch, o) {
				batch = append(batch, o)
			}
		}
		registrar.additional = nil
		if len(batch) == 0 {
			return nil
		}
		if err := tx.events.transactionCommitting(tx, batch, registrar); err != nil {
			return err
		}
	}
}

func containsObject(objs []*DomainObject, o *DomainObject) bool {
	for _, x := range objs {
		if x == o {
			return true
		}
	}
	return false
}

// checkMandatoryRelations rejects New and Changed objects whose mandatory
// relations are empty. Incomplete virtual end points are not loaded for the
// check.
func (tx *ClientTransaction) checkMandatoryRelations(ids []domain.ObjectID) error {
	for _, id := range ids {
		dc := tx.dm.containers[id]
		if dc == nil || dc.State() == StateDeleted {
			continue
		}
		for _, rep := range tx.dm.endPoints.realEndPointsOf(dc) {
			if rep.def.Mandatory && rep.OppositeObjectID().IsZero() {
				return domain.MandatoryRelationNotSetError{Object: id, Property: rep.def.Property}
			}
		}
		for _, ep := range tx.dm.endPoints.virtualEndPointsOf(id) {
			if !ep.Definition().Mandatory || !ep.IsDataComplete() {
				continue
			}
			if len(ep.OppositeObjectIDs()) == 0 {
				return domain.MandatoryRelationNotSetError{Object: id, Property: ep.ID().Property}
			}
		}
	}
	return nil
}

// commitView exposes the commit set to rules.
type commitView struct {
	changes []domain.Change
	values  map[domain.ObjectID]map[string]any
}

func (v commitView) Find(id domain.ObjectID) (map[string]any, bool) {
	vals, ok := v.values[id]
	if !ok {
		return nil, false
	}
	return cloneValues(vals), true
}

func (v commitView) Changes() []domain.Change {
	return append([]domain.Change(nil), v.changes...)
}

func newCommitView(data []PersistableData) commitView {
	view := commitView{values: make(map[domain.ObjectID]map[string]any, len(data))}
	for _, d := range data {
		ch := domain.Change{Object: d.Object.ID()}
		switch d.State {
		case ObjectNew:
			ch.Action = domain.ActionCreate
			ch.After = d.Container.CurrentValues()
		case ObjectDeleted:
			ch.Action = domain.ActionDelete
			ch.Before = d.Container.OriginalValues()
		default:
			ch.Action = domain.ActionUpdate
			ch.Before = d.Container.OriginalValues()
			ch.After = d.Container.CurrentValues()
		}
		view.changes = append(view.changes, ch)
		if ch.After != nil {
			view.values[ch.Object] = ch.After
		}
	}
	return view
}

// evaluateRules runs the rules engine on root commits.
func (tx *ClientTransaction) evaluateRules(ctx context.Context, data []PersistableData) error {
	if tx.rules == nil || tx.parent != nil || len(data) == 0 {
		return nil
	}
	view := newCommitView(data)
	res, err := tx.rules.Evaluate(ctx, view, view.Changes())
	if err != nil {
		return err
	}
	for _, v := range res.Violations {
		if v.Severity == domain.SeverityWarn {
			tx.logger.Warn("rule violation", "transaction", tx.id, "rule", v.Rule, "object", v.Object.String(), "message", v.Message)
		}
	}
	if res.HasBlocking() {
		return domain.RuleViolationError{Result: res}
	}
	return nil
}

// Rollback discards the changes of tx. New objects become invalid. The
// storage provider is never contacted.
func (tx *ClientTransaction) Rollback(ctx context.Context) (err error) {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	ctx, obs := tx.observe(ctx, OperationRollback)
	defer func() { obs.end(ctx, err) }()

	objects := tx.hie.objectsOf(tx.dm.commitCandidates())
	if err := tx.events.transactionRollingBack(tx, objects); err != nil {
		return err
	}
	tx.dm.rollback()
	tx.status = StatusRolledBack
	tx.events.transactionRolledBack(tx, objects)
	tx.logger.Info("transaction rolled back", "transaction", tx.id, "objects", len(objects))
	return nil
}
