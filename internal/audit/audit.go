// Package audit records registry mutations and access decisions as an
// append-only, line-oriented log.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindDownload        Kind = "DOWNLOAD"
	KindRejected        Kind = "REJECTED"
	KindInvalid         Kind = "INVALID"
	KindUnsafePath      Kind = "UNSAFE_PATH"
	KindError           Kind = "ERROR"
	KindIssued          Kind = "ISSUED"
	KindRegenerated     Kind = "REGENERATED"
	KindRevoked         Kind = "REVOKED"
	KindCorruptRegistry Kind = "CORRUPT_REGISTRY"
	KindCleanup         Kind = "CLEANUP"
)

// Entry is a single audit record.
type Entry struct {
	Time   time.Time
	Remote string
	Kind   Kind
	Detail string
}

// Auditor persists audit entries. Implementations must be safe for
// concurrent use.
type Auditor interface {
	Log(ctx context.Context, entry Entry) error
	Close() error
}

var lineEscaper = strings.NewReplacer("\r", `\r`, "\n", `\n`)

// Format renders e as one line: "[<RFC3339Nano UTC>] <remote> <KIND> <detail>".
func Format(e Entry) string {
	remote := e.Remote
	if remote == "" {
		remote = "-"
	}

	line := fmt.Sprintf("[%s] %s %s", e.Time.UTC().Format(time.RFC3339Nano), lineEscaper.Replace(remote), e.Kind)
	if e.Detail != "" {
		line += " " + lineEscaper.Replace(e.Detail)
	}

	return line
}
