package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed metric series, so keep them bounded:
//
// Never attach tokens, archive names, remote addresses or error messages.
// Tokens are bearer credentials and must not leave the audit log.
// Safe values are operation names ("load", "consume"), outcomes
// ("served", "rejected") and channel names ("smtp", "discord").

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

	status := statusOf(err)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentRegistryOperation instruments token registry operations.
func (t *Telemetry) InstrumentRegistryOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "registry_"+operation, "registry", fn)

	t.RecordRegistryOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentNotification instruments a notification delivery on one channel.
func (t *Telemetry) InstrumentNotification(ctx context.Context, channel string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "notify_"+channel, "notifier", fn)

	t.RecordNotification(channel, statusOf(err))

	return err
}

// InstrumentStream instruments the streaming part of a download. The
// outcome is recorded separately because rejected requests never stream.
func (t *Telemetry) InstrumentStream(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	return t.InstrumentOperation(ctx, "stream_archive", "download", fn)
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
