package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var _ Auditor = (*FileAuditor)(nil)

// FileAuditor appends formatted entries to a file.
type FileAuditor struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

func NewFileAuditor(filePath string) (*FileAuditor, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}

	return &FileAuditor{file: file, now: time.Now}, nil
}

func (f *FileAuditor) Log(_ context.Context, entry Entry) error {
	if entry.Time.IsZero() {
		entry.Time = f.now()
	}

	line := Format(entry) + "\n"

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.file.WriteString(line); err != nil {
		return fmt.Errorf("writing audit log entry: %w", err)
	}

	return nil
}

func (f *FileAuditor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.file.Close()
}
