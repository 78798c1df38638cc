package core

import (
	"context"
	"errors"

	"relkeeper/pkg/domain"
)

// LeaveBehavior decides what leaving a Scope does to its transaction.
type LeaveBehavior int

// Leave behaviors.
const (
	LeaveNone LeaveBehavior = iota
	LeaveRollback
)

// ScopeStack tracks the current transaction of a caller. Scopes must be left
// in reverse order of entering. A ScopeStack is owned by one goroutine.
type ScopeStack struct {
	scopes []*Scope
}

// Scope makes a transaction current until Leave is called.
type Scope struct {
	stack    *ScopeStack
	tx       *ClientTransaction
	behavior LeaveBehavior
	left     bool
}

// Enter pushes tx as the current transaction.
func (s *ScopeStack) Enter(tx *ClientTransaction, behavior LeaveBehavior) *Scope {
	sc := &Scope{stack: s, tx: tx, behavior: behavior}
	s.scopes = append(s.scopes, sc)
	return sc
}

// Current returns the transaction of the innermost scope, or nil.
func (s *ScopeStack) Current() *ClientTransaction {
	if len(s.scopes) == 0 {
		return nil
	}
	return s.scopes[len(s.scopes)-1].tx
}

// Depth returns the number of active scopes.
func (s *ScopeStack) Depth() int { return len(s.scopes) }

// Transaction returns the scoped transaction.
func (sc *Scope) Transaction() *ClientTransaction { return sc.tx }

// Leave pops the scope. With LeaveRollback the transaction is rolled back
// first; a discarded transaction is left without rollback.
func (sc *Scope) Leave(ctx context.Context) error {
	if sc.left {
		return domain.InvalidOperationf("scope of transaction %s has already been left", sc.tx.id)
	}
	stack := sc.stack.scopes
	if len(stack) == 0 || stack[len(stack)-1] != sc {
		return domain.InvalidOperationf("scope of transaction %s is not the innermost scope", sc.tx.id)
	}
	var err error
	if sc.behavior == LeaveRollback && !sc.tx.IsDiscarded() {
		err = sc.tx.Rollback(ctx)
	}
	sc.stack.scopes = stack[:len(stack)-1]
	sc.left = true
	return err
}

// Run enters tx, calls fn and leaves the scope again.
func (s *ScopeStack) Run(ctx context.Context, tx *ClientTransaction, behavior LeaveBehavior, fn func(ctx context.Context) error) error {
	sc := s.Enter(tx, behavior)
	err := fn(ctx)
	if lerr := sc.Leave(ctx); lerr != nil {
		err = errors.Join(err, lerr)
	}
	return err
}
