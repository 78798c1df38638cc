package core

import (
	"context"
	"time"
)

// Logger is the structured logging surface used by transactions. Its method
// set matches log/slog so either slog or the zerolog adapter can be plugged in.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder receives one observation per load, commit, rollback and
// unload operation.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

// Tracer opens spans around transaction operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is closed with the operation's outcome.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// Operation names reported to metrics recorders and tracers.
const (
	OperationLoad        = "load"
	OperationLoadRelated = "load_related"
	OperationCommit      = "commit"
	OperationRollback    = "rollback"
	OperationUnload      = "unload"
)

type observation struct {
	tx      *ClientTransaction
	op      string
	started time.Time
	span    TraceSpan
}

type transactionIDKey struct{}

// TransactionIDFromContext returns the id of the transaction whose operation
// ctx belongs to. Contexts handed to tracers and metrics recorders carry it.
func TransactionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(transactionIDKey{}).(string)
	return id, ok
}

func (tx *ClientTransaction) observe(ctx context.Context, op string) (context.Context, *observation) {
	ctx = context.WithValue(ctx, transactionIDKey{}, tx.id)
	ctx, span := tx.obs.tracer.Start(ctx, op)
	return ctx, &observation{tx: tx, op: op, started: time.Now(), span: span}
}

func (o *observation) end(ctx context.Context, err error) {
	o.span.End(err)
	o.tx.obs.metrics.Observe(ctx, o.op, err == nil, time.Since(o.started))
}
