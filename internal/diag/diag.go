// Package diag reports unexpected failures. Every report is logged and
// counted; configured sinks such as GitHub issues receive it asynchronously.
package diag

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/italolelis/zipdrop/internal/telemetry"
)

const sinkTimeout = 15 * time.Second

// Incident is one reported failure.
type Incident struct {
	Context  string
	Err      error
	Stack    []byte
	Time     time.Time
	Instance string
}

// Sink receives incidents, for example an issue tracker.
type Sink interface {
	Send(ctx context.Context, inc Incident) error
}

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}

	return nil
}

// Reporter is safe for concurrent use. A nil *Reporter only logs.
type Reporter struct {
	telemetry *telemetry.Telemetry
	sinks     []Sink
	instance  string
	now       func() time.Time

	wg sync.WaitGroup
}

func NewReporter(tel *telemetry.Telemetry, sinks ...Sink) *Reporter {
	return &Reporter{telemetry: tel, sinks: sinks, instance: InstanceID(), now: time.Now}
}

// Report records err under where, a short fixed label such as
// "regenerate_token". The label becomes a metric attribute and the issue title.
func (r *Reporter) Report(ctx context.Context, where string, err error) {
	if err == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	logger.ErrorContext(ctx, where, "err", err)

	if r == nil {
		return
	}

	errorType := "error"

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		errorType = "panic"
	}

	r.telemetry.RecordSystemError(where, errorType)

	inc := Incident{Context: where, Err: err, Stack: debug.Stack(), Time: r.now(), Instance: r.instance}

	for _, sink := range r.sinks {
		r.wg.Add(1)

		go func() {
			defer r.wg.Done()

			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("diagnostics sink panicked", "panic", rec)
				}
			}()

			sinkCtx, cancel := contextWithTimeout(ctx)
			defer cancel()

			if err := sink.Send(sinkCtx, inc); err != nil {
				logger.WarnContext(sinkCtx, "failed to deliver diagnostic", "context", where, "err", err)
			}
		}()
	}
}

// Wait blocks until all in-flight sink deliveries finish or ctx is done.
func (r *Reporter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}

	done := make(chan struct{})

	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// contextWithTimeout detaches from the caller's cancellation so a finished
// HTTP request does not abort the delivery.
func contextWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
}
