package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality: priority tiers, operation names,
// cache scopes and statuses are fine. Content keys, catalog URLs and error
// messages belong in logs and span status, never in attributes.

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

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentDownload instruments a single download job of the given priority tier.
func (t *Telemetry) InstrumentDownload(ctx context.Context, priority string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.AddActiveDownloads(priority, 1)
	defer t.AddActiveDownloads(priority, -1)

	err := t.InstrumentOperation(ctx, "download", "scheduler", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "download_"+priority)
		defer span.End()

		span.SetAttributes(attribute.String("download.priority", priority))

		return fn(ctx)
	})

	t.RecordDownload(priority, statusOf(err), time.Since(start))

	return err
}

// InstrumentCatalog instruments catalog operations. trigger is what caused
// the operation (request, validate, expiry).
func (t *Telemetry) InstrumentCatalog(ctx context.Context, operation, trigger string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "catalog_"+operation, "catalog", fn)

	t.RecordCatalogOperation(operation, trigger, statusOf(err))

	return err
}

// InstrumentCacheClear instruments cache clear operations.
func (t *Telemetry) InstrumentCacheClear(ctx context.Context, scope string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "cache_clear_"+scope, "cache", fn)

	t.RecordCacheClear(scope, statusOf(err))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
