// Package issuer creates download tokens for archives.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/italolelis/zipdrop/internal/audit"
	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/italolelis/zipdrop/internal/storage"
	"github.com/italolelis/zipdrop/internal/telemetry"
	"github.com/italolelis/zipdrop/internal/token"
)

const maxAttempts = 5

// Reason tells why a token was issued. It is a metric attribute.
type Reason string

const (
	ReasonIssue      Reason = "issue"
	ReasonRegenerate Reason = "regenerate"
	ReasonAdmin      Reason = "admin"
)

// ErrCollision is returned when every drawn token was already registered.
var ErrCollision = errors.New("could not draw an unused token")

// Request describes a token to issue.
type Request struct {
	Filename string
	Reason   Reason
	Remote   string
	// Digest is the archive's blake3 digest, recorded in the audit line when known.
	Digest string
}

type Issuer struct {
	registry  storage.Registry
	generator token.Generator
	auditor   audit.Auditor
	telemetry *telemetry.Telemetry
}

func New(registry storage.Registry, generator token.Generator, auditor audit.Auditor, tel *telemetry.Telemetry) *Issuer {
	if auditor == nil {
		auditor = audit.NoopAuditor{}
	}

	return &Issuer{
		registry:  registry,
		generator: generator,
		auditor:   auditor,
		telemetry: tel,
	}
}

// Issue registers a fresh token for req.Filename and returns it. A drawn
// value that is already live is discarded and a new one drawn.
func (i *Issuer) Issue(ctx context.Context, req Request) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tok, err := i.generator.Generate()
		if err != nil {
			return "", err
		}

		err = i.registry.Insert(ctx, tok, req.Filename)
		if errors.Is(err, storage.ErrTokenExists) {
			logger.WarnContext(ctx, "drawn token already registered, drawing again", "attempt", attempt)

			continue
		}

		if err != nil {
			return "", fmt.Errorf("failed to register token: %w", err)
		}

		i.telemetry.RecordTokenIssued(string(req.Reason))

		if err := i.auditor.Log(ctx, audit.Entry{
			Remote: req.Remote,
			Kind:   kindFor(req.Reason),
			Detail: detail(tok, req),
		}); err != nil {
			logger.ErrorContext(ctx, "failed to write audit entry", "err", err)
		}

		logger.InfoContext(ctx, "token issued", "token", tok, "filename", req.Filename, "reason", req.Reason)

		return tok, nil
	}

	return "", ErrCollision
}

func kindFor(r Reason) audit.Kind {
	if r == ReasonRegenerate {
		return audit.KindRegenerated
	}

	return audit.KindIssued
}

func detail(tok string, req Request) string {
	d := fmt.Sprintf("token=%s file=%s", tok, req.Filename)
	if req.Digest != "" {
		d += " blake3=" + req.Digest
	}

	return d
}

// Link returns the public download URL for tok.
func Link(publicBaseURL, tok string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/download?token=" + url.QueryEscape(tok)
}
