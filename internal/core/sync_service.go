package core

import (
	"context"

	"relkeeper/pkg/domain"
)

// BidirectionalRelationSyncService inspects and repairs relation end points
// whose loaded data disagrees with the foreign keys held in memory.
type BidirectionalRelationSyncService struct{}

// IsSynchronized reports whether the end point id agrees with its opposite
// side. The end point must be registered; resolving its sync state may load
// the opposite virtual end point.
func (BidirectionalRelationSyncService) IsSynchronized(ctx context.Context, tx *ClientTransaction, id RelationEndPointID) (bool, error) {
	def, err := tx.dm.endPointDefinition(id)
	if err != nil {
		return false, err
	}
	if def.Virtual {
		if !tx.dm.isLoaded(id.Object) {
			return false, domain.InvalidOperationf("end point %s has not been loaded in transaction %s", id, tx.id)
		}
		ep, err := tx.dm.virtualEndPoint(ctx, id)
		if err != nil {
			return false, err
		}
		return ep.isSynchronized(), nil
	}
	ep, err := registeredEndPoint(tx, id)
	if err != nil {
		return false, err
	}
	switch e := ep.(type) {
	case *realObjectEndPoint:
		if e.sync == SyncUnknown {
			if oppID, ok := e.originalOppositeEndPointID(); ok {
				if _, err := tx.dm.virtualEndPoint(ctx, oppID); err != nil {
					return false, err
				}
			}
		}
		return e.sync != SyncUnsynchronized, nil
	}
	return true, nil
}

// SyncState returns the sync state of id without loading anything.
func (BidirectionalRelationSyncService) SyncState(tx *ClientTransaction, id RelationEndPointID) SyncState {
	switch e := tx.dm.endPoints.get(id).(type) {
	case *realObjectEndPoint:
		return e.sync
	case virtualEndPoint:
		if !e.IsDataComplete() {
			return SyncUnknown
		}
		if e.isSynchronized() {
			return SyncSynchronized
		}
		return SyncUnsynchronized
	}
	return SyncUnknown
}

// Synchronize repairs the end point id in tx and in its active
// sub-transactions. For a foreign key end point its object is added to the
// loaded opposite side; for a virtual end point the items whose foreign key
// points elsewhere are dropped from its loaded data.
func (s BidirectionalRelationSyncService) Synchronize(ctx context.Context, tx *ClientTransaction, id RelationEndPointID) error {
	if err := tx.checkActive(); err != nil {
		return err
	}
	ep, err := registeredEndPoint(tx, id)
	if err != nil {
		return err
	}
	switch e := ep.(type) {
	case *realObjectEndPoint:
		if err := s.synchronizeReal(ctx, tx, e); err != nil {
			return err
		}
	case virtualEndPoint:
		if e.IsDataComplete() {
			e.synchronize()
		}
	}
	tx.logger.Debug("end point synchronized", "transaction", tx.id, "end_point", id.String())
	if sub := tx.sub; sub != nil && sub.dm.endPoints.get(id) != nil {
		return s.Synchronize(ctx, sub, id)
	}
	return nil
}

func (BidirectionalRelationSyncService) synchronizeReal(ctx context.Context, tx *ClientTransaction, rep *realObjectEndPoint) error {
	oppID, ok := rep.originalOppositeEndPointID()
	if !ok {
		return nil
	}
	if rep.sync == SyncUnknown {
		if _, err := tx.dm.virtualEndPoint(ctx, oppID); err != nil {
			return err
		}
	}
	if rep.sync != SyncUnsynchronized {
		return nil
	}
	opp := tx.dm.endPoints.virtual(oppID)
	if opp == nil || !opp.IsDataComplete() {
		return domain.InvalidOperationf("the opposite end point %s of %s is not loaded", oppID, rep.id)
	}
	return opp.synchronizeOpposite(rep)
}

func registeredEndPoint(tx *ClientTransaction, id RelationEndPointID) (RelationEndPoint, error) {
	if _, err := tx.dm.endPointDefinition(id); err != nil {
		return nil, err
	}
	ep := tx.dm.endPoints.get(id)
	if ep == nil {
		return nil, domain.InvalidOperationf("end point %s has not been loaded in transaction %s", id, tx.id)
	}
	return ep, nil
}
