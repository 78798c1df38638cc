package core

import (
	"context"
	"errors"
	"testing"

	"relkeeper/pkg/domain"
)

func TestScopeStackTracksCurrentTransaction(t *testing.T) {
	ctx := context.Background()
	var stack ScopeStack
	if stack.Current() != nil || stack.Depth() != 0 {
		t.Fatalf("empty stack must have no current transaction")
	}
	root := newTestTransaction(t, seededStore())
	outer := stack.Enter(root, LeaveNone)
	sub, err := root.CreateSubTransaction()
	if err != nil {
		t.Fatalf("CreateSubTransaction: %v", err)
	}
	inner := stack.Enter(sub, LeaveNone)
	if stack.Current() != sub || stack.Depth() != 2 || inner.Transaction() != sub {
		t.Fatalf("inner scope must be current")
	}
	if err := outer.Leave(ctx); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("scopes must be left in order, got %v", err)
	}
	if err := inner.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := inner.Leave(ctx); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("double leave must fail, got %v", err)
	}
	if stack.Current() != root {
		t.Fatalf("outer scope must be current again")
	}
	_ = sub.Discard()
	if err := outer.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
}

func TestScopeLeaveRollback(t *testing.T) {
	ctx := context.Background()
	var stack ScopeStack
	tx := newTestTransaction(t, seededStore())
	c1 := mustGet(t, tx, customerID("c1"))
	err := stack.Run(ctx, tx, LeaveRollback, func(ctx context.Context) error {
		return stack.Current().SetValue(ctx, c1, "Name", "scoped")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tx.State(c1) != ObjectUnchanged || tx.Status() != StatusRolledBack {
		t.Fatalf("LeaveRollback must roll back, got %s", tx.State(c1))
	}

	sub, _ := tx.CreateSubTransaction()
	_ = sub.Discard()
	if err := stack.Enter(sub, LeaveRollback).Leave(ctx); err != nil {
		t.Fatalf("discarded transactions are left without rollback, got %v", err)
	}
}

func TestScopeRunJoinsErrors(t *testing.T) {
	ctx := context.Background()
	var stack ScopeStack
	tx := newTestTransaction(t, seededStore())
	boom := errors.New("boom")
	err := stack.Run(ctx, tx, LeaveNone, func(context.Context) error { return boom })
	if !errors.Is(err, boom) || stack.Depth() != 0 {
		t.Fatalf("Run must return fn error and pop the scope, got %v", err)
	}
}
