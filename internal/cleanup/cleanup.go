package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/zipdrop/internal/archive"
	"github.com/italolelis/zipdrop/internal/audit"
	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/italolelis/zipdrop/internal/telemetry"
)

// Sweeper deletes archives that no live token references once they have
// been orphaned for longer than the retention period.
type Sweeper struct {
	registry  storage.Registry
	store     *archive.Store
	auditor   audit.Auditor
	telemetry *telemetry.Telemetry
	keep      time.Duration
	now       func() time.Time
}

func NewSweeper(registry storage.Registry, store *archive.Store, auditor audit.Auditor, tel *telemetry.Telemetry, keep time.Duration) *Sweeper {
	if auditor == nil {
		auditor = audit.NoopAuditor{}
	}

	return &Sweeper{
		registry:  registry,
		store:     store,
		auditor:   auditor,
		telemetry: tel,
		keep:      keep,
		now:       time.Now,
	}
}

// Sweep removes expired orphan archives and returns their names. The archive
// mtime is the age reference.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	tokens, err := s.registry.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	referenced := tokens.CountByFilename()

	entries, err := s.store.List()
	if err != nil {
		return nil, err
	}

	now := s.now()

	var removed []string

	for _, e := range entries {
		if referenced[e.Name] > 0 || now.Sub(e.ModTime) <= s.keep {
			continue
		}

		if err := s.store.Remove(e.Name); err != nil {
			logger.ErrorContext(ctx, "failed to delete orphan archive", "filename", e.Name, "err", err)

			return removed, err
		}

		removed = append(removed, e.Name)

		if err := s.auditor.Log(ctx, audit.Entry{Kind: audit.KindCleanup, Detail: "file=" + e.Name}); err != nil {
			logger.ErrorContext(ctx, "failed to write audit entry", "err", err)
		}

		logger.InfoContext(ctx, "deleted orphan archive", "filename", e.Name, "age", now.Sub(e.ModTime).Round(time.Second))
	}

	s.telemetry.RecordCleanup(len(removed))

	return removed, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.ErrorContext(ctx, "orphan cleanup failed", "err", err)
				s.telemetry.RecordSystemError("cleanup", "sweep_failed")
			}
		}
	}
}
