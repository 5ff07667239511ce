// Package download implements the single-use download protocol: validate a
// token, consume it, stream the archive and issue a replacement.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/zipdrop/internal/archive"
	"github.com/italolelis/zipdrop/internal/audit"
	"github.com/italolelis/zipdrop/internal/diag"
	"github.com/italolelis/zipdrop/internal/issuer"
	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/italolelis/zipdrop/internal/notifier"
	"github.com/italolelis/zipdrop/internal/progress"
	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/italolelis/zipdrop/internal/telemetry"
	"github.com/italolelis/zipdrop/internal/token"
)

// Download outcomes, used as the downloads_total outcome attribute.
const (
	OutcomeServed          = "served"
	OutcomeInvalid         = "invalid"
	OutcomeRejected        = "rejected"
	OutcomeUnsafePath      = "unsafe_path"
	OutcomeMissingArchive  = "missing_archive"
	OutcomeRegistryMissing = "registry_missing"
	OutcomeError           = "error"
	OutcomeAborted         = "aborted"
)

// progressInterval is how many streamed bytes pass between progress logs.
const progressInterval = 64 << 20

// RecipientFunc returns the address that receives replacement tokens. It is
// called for every regeneration so operators can change it without a restart.
type RecipientFunc func() string

// Options tunes a Service.
type Options struct {
	// PublicBaseURL prefixes links in notifications, e.g. "https://node:8082".
	PublicBaseURL string
	// BurnTokenOnMissingArchive removes a token whose archive is missing
	// instead of leaving it retryable.
	BurnTokenOnMissingArchive bool
	Recipient                 RecipientFunc
}

// Grant is a consumed token with its archive opened for streaming.
type Grant struct {
	Filename string
	Archive  *archive.Blob
}

type Service struct {
	registry  storage.Registry
	store     *archive.Store
	issuer    *issuer.Issuer
	notifier  notifier.Notifier
	auditor   audit.Auditor
	reporter  *diag.Reporter
	telemetry *telemetry.Telemetry
	opts      Options

	wg sync.WaitGroup
}

func NewService(
	registry storage.Registry,
	store *archive.Store,
	iss *issuer.Issuer,
	n notifier.Notifier,
	auditor audit.Auditor,
	reporter *diag.Reporter,
	tel *telemetry.Telemetry,
	opts Options,
) *Service {
	if n == nil {
		n = notifier.Noop{}
	}

	if auditor == nil {
		auditor = audit.NoopAuditor{}
	}

	if opts.Recipient == nil {
		opts.Recipient = func() string { return "" }
	}

	return &Service{
		registry:  registry,
		store:     store,
		issuer:    iss,
		notifier:  n,
		auditor:   auditor,
		reporter:  reporter,
		telemetry: tel,
		opts:      opts,
	}
}

// Consume validates tok and removes it from the registry. Lookup, path
// safety, the existence check and removal happen in one registry critical
// section, so at most one caller gets a Grant for a given token. The archive
// is opened inside that section. On success a replacement token is issued in
// the background and the caller must stream and close Grant.Archive.
func (s *Service) Consume(ctx context.Context, tok, remote string) (*Grant, error) {
	logger := logctx.LoggerFromContext(ctx)

	if tok == "" || !token.Valid(tok) {
		s.audit(ctx, remote, audit.KindInvalid, fmt.Sprintf("token=%q", truncate(tok, token.MaxLength)))
		s.telemetry.RecordDownload(OutcomeInvalid, 0, 0)

		return nil, &InvalidTokenError{Token: tok}
	}

	var blob *archive.Blob

	filename, err := s.registry.Consume(ctx, tok, func(filename string) error {
		b, err := s.store.Open(filename)
		if err != nil {
			switch {
			case errors.Is(err, archive.ErrUnsafePath):
				return &UnsafePathError{Filename: filename, Err: err}
			case errors.Is(err, archive.ErrNotFound):
				return &ArchiveMissingError{Filename: filename, Err: err}
			default:
				return err
			}
		}

		blob = b

		return nil
	})
	if err != nil {
		if blob != nil {
			blob.Close()
		}

		return nil, s.reject(ctx, tok, remote, err)
	}

	s.audit(ctx, remote, audit.KindDownload, fmt.Sprintf("token=%s file=%s", tok, filename))
	logger.InfoContext(ctx, "token consumed", "token", tok, "filename", filename, "size", humanize.Bytes(uint64(blob.Size)))

	s.Regenerate(ctx, filename, remote)

	return &Grant{Filename: filename, Archive: blob}, nil
}

func (s *Service) reject(ctx context.Context, tok, remote string, err error) error {
	logger := logctx.LoggerFromContext(ctx)

	var (
		unsafe  *UnsafePathError
		missing *ArchiveMissingError
	)

	switch {
	case errors.Is(err, storage.ErrTokenNotFound):
		s.audit(ctx, remote, audit.KindRejected, "token="+tok)
		s.telemetry.RecordDownload(OutcomeRejected, 0, 0)

		return err

	case errors.Is(err, storage.ErrRegistryMissing):
		s.audit(ctx, remote, audit.KindError, "token registry missing")
		s.telemetry.RecordDownload(OutcomeRegistryMissing, 0, 0)
		logger.ErrorContext(ctx, "token registry missing")

		return err

	case errors.As(err, &unsafe):
		s.audit(ctx, remote, audit.KindUnsafePath, fmt.Sprintf("token=%s path=%q", tok, unsafe.Filename))
		s.telemetry.RecordDownload(OutcomeUnsafePath, 0, 0)
		logger.WarnContext(ctx, "registry entry escapes archive directory", "filename", unsafe.Filename)

		return err

	case errors.As(err, &missing):
		s.audit(ctx, remote, audit.KindError, "missing archive file="+missing.Filename)
		s.telemetry.RecordDownload(OutcomeMissingArchive, 0, 0)
		logger.ErrorContext(ctx, "archive referenced by live token is missing", "filename", missing.Filename)

		if s.opts.BurnTokenOnMissingArchive {
			s.burn(ctx, tok, remote, missing.Filename)
		}

		return err

	case errors.Is(err, storage.ErrPersist):
		s.audit(ctx, remote, audit.KindError, "failed to persist consumption of token="+tok)
		s.telemetry.RecordDownload(OutcomeError, 0, 0)
		s.reporter.Report(ctx, "consume_token", err)

		return &PersistError{Err: err}

	default:
		s.audit(ctx, remote, audit.KindError, "token="+tok+" internal error")
		s.telemetry.RecordDownload(OutcomeError, 0, 0)
		s.reporter.Report(ctx, "consume_token", err)

		return err
	}
}

func (s *Service) burn(ctx context.Context, tok, remote, filename string) {
	err := s.registry.Remove(ctx, tok)
	if err != nil && !errors.Is(err, storage.ErrTokenNotFound) {
		s.reporter.Report(ctx, "burn_token", err)

		return
	}

	s.audit(ctx, remote, audit.KindRevoked, fmt.Sprintf("token=%s file=%s reason=missing_archive", tok, filename))
}

// Stream copies the granted archive to w and closes it. Consumption is
// already committed, so a failed copy is only logged and counted.
func (s *Service) Stream(ctx context.Context, w io.Writer, g *Grant) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)
	defer g.Archive.Close()

	var written int64

	start := time.Now()

	err := s.telemetry.InstrumentStream(ctx, func(ctx context.Context) error {
		pr := progress.NewReader(g.Archive, g.Archive.Size, progressInterval, func(read, total int64) {
			logger.DebugContext(ctx, "streaming archive",
				"filename", g.Filename,
				"sent", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
			)
		})

		n, err := io.Copy(w, pr)
		written = n

		return err
	})

	duration := time.Since(start)

	if err != nil {
		s.telemetry.RecordDownload(OutcomeAborted, written, duration)
		logger.WarnContext(ctx, "archive stream aborted", "filename", g.Filename, "sent", humanize.Bytes(uint64(written)), "err", err)

		return written, err
	}

	s.telemetry.RecordDownload(OutcomeServed, written, duration)
	logger.InfoContext(ctx, "archive served", "filename", g.Filename, "size", humanize.Bytes(uint64(written)), "duration", duration)

	return written, nil
}

// Regenerate issues a replacement token for filename on a tracked goroutine
// and hands it to the notifier. Failures are reported, never returned.
func (s *Service) Regenerate(ctx context.Context, filename, remote string) {
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		defer func() {
			if rec := recover(); rec != nil {
				s.reporter.Report(ctx, "regenerate_token", &diag.PanicError{Value: rec})
			}
		}()

		s.regenerate(ctx, filename, remote)
	}()
}

func (s *Service) regenerate(ctx context.Context, filename, remote string) {
	logger := logctx.LoggerFromContext(ctx)

	tok, err := s.issuer.Issue(ctx, issuer.Request{
		Filename: filename,
		Reason:   issuer.ReasonRegenerate,
		Remote:   remote,
	})
	if err != nil {
		s.reporter.Report(ctx, "regenerate_token", err)

		return
	}

	msg := notifier.RenewalMessage(s.opts.Recipient(), filename, issuer.Link(s.opts.PublicBaseURL, tok))
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.reporter.Report(ctx, "notify_token", err)

		return
	}

	logger.InfoContext(ctx, "replacement token delivered", "filename", filename, "recipient", msg.Recipient)
}

// Wait blocks until background regenerations finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) audit(ctx context.Context, remote string, kind audit.Kind, detail string) {
	if err := s.auditor.Log(ctx, audit.Entry{Remote: remote, Kind: kind, Detail: detail}); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to write audit entry", "kind", kind, "err", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
