package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY BEST PRACTICES:
//
// High cardinality attributes (unique values per request) should NEVER be added to spans
// that contribute to metrics, as they create unbounded metric series and can cause:
// - Memory exhaustion
// - Query performance degradation
// - Storage cost explosion
//
// AVOID these as span attributes:
// - Download ids, URLs, filenames, save paths
// - Timestamps, random values, UUIDs
// - Error messages with dynamic content
//
// SAFE attributes (bounded cardinality):
// - Operation types (limited set: "insert", "update", "search", ...)
// - Status values (limited set: "success", "error", "timeout")
// - Error kinds (limited set: NetworkError, IoError, ...)
//
// For debugging, high-cardinality data should be:
// - Logged with correlation IDs (the download id), not attached as span attributes
// - Stored in trace context for propagation

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentLedgerOperation instruments a ledger CRUD/query operation.
func (t *Telemetry) InstrumentLedgerOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "ledger_"+operation, "ledger", fn)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordLedgerOperation(operation, status, duration)

	return err
}

// InstrumentTransfer instruments one run of a download task end to end:
// the wait for a concurrency permit, every attempt and retry, and the
// final transition. A non-nil error from fn is recorded as "error".
func (t *Telemetry) InstrumentTransfer(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveTransfers()
	defer t.DecrementActiveTransfers()

	err := t.InstrumentOperation(ctx, "transfer_attempt", "transfer", fn)

	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordTransfer(status, duration)

	return err
}

// InstrumentValidation instruments a validator check, recording a rejection
// metric keyed by check name when it fails.
func (t *Telemetry) InstrumentValidation(ctx context.Context, check string, fn func() error) error {
	if t == nil {
		return fn()
	}

	err := t.InstrumentOperation(ctx, "validate_"+check, "validator", func(context.Context) error {
		return fn()
	})

	if err != nil {
		t.RecordValidatorRejection(check)
	}

	return err
}
