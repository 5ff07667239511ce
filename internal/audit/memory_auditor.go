package audit

import (
	"context"
	"sync"
	"time"
)

var _ Auditor = (*InMemoryAuditor)(nil)

// InMemoryAuditor keeps entries in memory.
type InMemoryAuditor struct {
	mu      sync.Mutex
	entries []Entry
}

func NewInMemoryAuditor() *InMemoryAuditor {
	return &InMemoryAuditor{}
}

func (i *InMemoryAuditor) Log(_ context.Context, entry Entry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.entries = append(i.entries, entry)

	return nil
}

// Entries returns a copy of everything logged so far.
func (i *InMemoryAuditor) Entries() []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries := make([]Entry, len(i.entries))
	copy(entries, i.entries)

	return entries
}

// Kinds returns the kind of every entry, in order.
func (i *InMemoryAuditor) Kinds() []Kind {
	entries := i.Entries()

	kinds := make([]Kind, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}

	return kinds
}

func (i *InMemoryAuditor) Close() error {
	return nil
}
