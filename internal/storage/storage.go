package storage

import (
	"context"
	"errors"
)

var (
	// ErrTokenNotFound is returned when a token is not a key of the registry.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExists is returned by Insert when the token is already live.
	ErrTokenExists = errors.New("token already exists")

	// ErrRegistryMissing is returned by Consume when the backing store does not exist at all.
	ErrRegistryMissing = errors.New("token registry missing")

	// ErrPersist marks failures to durably write the registry.
	ErrPersist = errors.New("failed to persist token registry")
)

// Tokens maps live tokens to archive filenames.
type Tokens map[string]string

// CountByFilename returns how many live tokens reference each archive.
func (t Tokens) CountByFilename() map[string]int {
	counts := make(map[string]int)
	for _, filename := range t {
		counts[filename]++
	}

	return counts
}

// CheckFunc validates the archive a token points to. It runs inside the
// registry's critical section; a non-nil error aborts consumption and leaves
// the token live.
type CheckFunc func(filename string) error

// Registry is the durable token -> archive filename mapping.
type Registry interface {
	// Load returns the whole mapping. Absent or unreadable stores yield an empty mapping.
	Load(ctx context.Context) (Tokens, error)
	// Save atomically replaces the whole mapping.
	Save(ctx context.Context, tokens Tokens) error
	// Insert adds a new token, failing with ErrTokenExists on collision.
	Insert(ctx context.Context, token, filename string) error
	// Remove deletes a token, failing with ErrTokenNotFound when absent.
	Remove(ctx context.Context, token string) error
	// Consume looks the token up, runs check and removes the token in one
	// critical section. At most one caller observes a given token.
	Consume(ctx context.Context, token string, check CheckFunc) (string, error)
	Close() error
}

// ConsumeFrom applies the lookup-check-delete sequence to an in-memory
// mapping. Backends call it while holding their lock.
func ConsumeFrom(tokens Tokens, token string, check CheckFunc) (string, error) {
	filename, ok := tokens[token]
	if !ok {
		return "", ErrTokenNotFound
	}

	if check != nil {
		if err := check(filename); err != nil {
			return filename, err
		}
	}

	delete(tokens, token)

	return filename, nil
}
