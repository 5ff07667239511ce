package storage

import (
	"context"

	"github.com/italolelis/zipdrop/internal/telemetry"
)

// InstrumentedRegistry wraps a Registry with telemetry.
type InstrumentedRegistry struct {
	next      Registry
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRegistry creates a new instrumented registry.
func NewInstrumentedRegistry(next Registry, tel *telemetry.Telemetry) *InstrumentedRegistry {
	return &InstrumentedRegistry{next: next, telemetry: tel}
}

func (r *InstrumentedRegistry) Load(ctx context.Context) (Tokens, error) {
	var tokens Tokens

	err := r.telemetry.InstrumentRegistryOperation(ctx, "load", func(ctx context.Context) error {
		var err error
		tokens, err = r.next.Load(ctx)

		return err
	})

	return tokens, err
}

func (r *InstrumentedRegistry) Save(ctx context.Context, tokens Tokens) error {
	return r.telemetry.InstrumentRegistryOperation(ctx, "save", func(ctx context.Context) error {
		return r.next.Save(ctx, tokens)
	})
}

func (r *InstrumentedRegistry) Insert(ctx context.Context, token, filename string) error {
	return r.telemetry.InstrumentRegistryOperation(ctx, "insert", func(ctx context.Context) error {
		return r.next.Insert(ctx, token, filename)
	})
}

func (r *InstrumentedRegistry) Remove(ctx context.Context, token string) error {
	return r.telemetry.InstrumentRegistryOperation(ctx, "remove", func(ctx context.Context) error {
		return r.next.Remove(ctx, token)
	})
}

func (r *InstrumentedRegistry) Consume(ctx context.Context, token string, check CheckFunc) (string, error) {
	var filename string

	err := r.telemetry.InstrumentRegistryOperation(ctx, "consume", func(ctx context.Context) error {
		var err error
		filename, err = r.next.Consume(ctx, token, check)

		return err
	})

	return filename, err
}

func (r *InstrumentedRegistry) Close() error {
	return r.next.Close()
}
