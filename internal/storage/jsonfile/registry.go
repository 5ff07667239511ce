package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/italolelis/zipdrop/internal/storage"
)

const (
	dirPerm  = 0700
	filePerm = 0600
)

// CorruptionError describes a registry file that exists but cannot be parsed.
type CorruptionError struct {
	Path   string
	Backup string // where the unreadable contents were moved before the next write, if any
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("token registry %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Option configures a Registry.
type Option func(*Registry)

// WithCorruptionHandler sets the callback invoked whenever the registry file
// is unparsable and gets treated as empty.
func WithCorruptionHandler(fn func(ctx context.Context, err *CorruptionError)) Option {
	return func(r *Registry) {
		r.onCorrupt = fn
	}
}

// Registry persists tokens as a single JSON object. All access is serialized
// by a process mutex plus an advisory lock on a sidecar file, and writes go
// through a temp file that is renamed over the registry.
type Registry struct {
	path     string
	lockPath string

	mu        sync.Mutex
	onCorrupt func(ctx context.Context, err *CorruptionError)
	now       func() time.Time
}

var _ storage.Registry = (*Registry)(nil)

// New returns a registry stored at path. The parent directory is created.
func New(path string, opts ...Option) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	r := &Registry{
		path:     path,
		lockPath: path + ".lock",
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

func (r *Registry) Load(ctx context.Context) (storage.Tokens, error) {
	var tokens storage.Tokens

	err := r.withLock(func() error {
		snap, err := r.read(ctx)
		if err != nil {
			return err
		}

		tokens = snap.tokens

		return nil
	})

	return tokens, err
}

func (r *Registry) Save(ctx context.Context, tokens storage.Tokens) error {
	return r.withLock(func() error {
		snap, err := r.read(ctx)
		if err != nil {
			return err
		}

		return r.write(snap, tokens)
	})
}

func (r *Registry) Insert(ctx context.Context, token, filename string) error {
	return r.withLock(func() error {
		snap, err := r.read(ctx)
		if err != nil {
			return err
		}

		if _, ok := snap.tokens[token]; ok {
			return storage.ErrTokenExists
		}

		snap.tokens[token] = filename

		return r.write(snap, snap.tokens)
	})
}

func (r *Registry) Remove(ctx context.Context, token string) error {
	return r.withLock(func() error {
		snap, err := r.read(ctx)
		if err != nil {
			return err
		}

		if _, ok := snap.tokens[token]; !ok {
			return storage.ErrTokenNotFound
		}

		delete(snap.tokens, token)

		return r.write(snap, snap.tokens)
	})
}

func (r *Registry) Consume(ctx context.Context, token string, check storage.CheckFunc) (string, error) {
	var filename string

	err := r.withLock(func() error {
		snap, err := r.read(ctx)
		if err != nil {
			return err
		}

		if !snap.exists {
			return storage.ErrRegistryMissing
		}

		filename, err = storage.ConsumeFrom(snap.tokens, token, check)
		if err != nil {
			return err
		}

		return r.write(snap, snap.tokens)
	})

	return filename, err
}

func (r *Registry) Close() error {
	return nil
}

type snapshot struct {
	tokens  storage.Tokens
	exists  bool
	corrupt bool
}

// read must be called with the lock held.
func (r *Registry) read(ctx context.Context) (snapshot, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshot{tokens: storage.Tokens{}}, nil
		}

		return snapshot{}, fmt.Errorf("failed to read token registry: %w", err)
	}

	tokens := storage.Tokens{}
	if len(bytes.TrimSpace(data)) == 0 {
		return snapshot{tokens: tokens, exists: true}, nil
	}

	if err := json.Unmarshal(data, &tokens); err != nil || tokens == nil {
		if err == nil {
			err = errors.New("registry is not a JSON object")
		}

		r.reportCorruption(ctx, &CorruptionError{Path: r.path, Err: err})

		return snapshot{tokens: storage.Tokens{}, exists: true, corrupt: true}, nil
	}

	return snapshot{tokens: tokens, exists: true}, nil
}

// write must be called with the lock held. A corrupt file is moved aside
// first so that its contents stay available for recovery.
func (r *Registry) write(snap snapshot, tokens storage.Tokens) error {
	if snap.corrupt {
		backup := fmt.Sprintf("%s.corrupt-%s", r.path, r.now().UTC().Format("20060102-150405.000000000"))
		if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: failed to move corrupt registry aside: %w", storage.ErrPersist, err)
		}
	}

	if tokens == nil {
		tokens = storage.Tokens{}
	}

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode registry: %w", storage.ErrPersist, err)
	}

	data = append(data, '\n')

	if err := writeFileAtomic(r.path, data); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrPersist, err)
	}

	return nil
}

func (r *Registry) reportCorruption(ctx context.Context, err *CorruptionError) {
	if r.onCorrupt != nil {
		r.onCorrupt(ctx, err)
	}
}

func (r *Registry) withLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := acquireLock(r.lockPath)
	if err != nil {
		return fmt.Errorf("failed to lock token registry: %w", err)
	}
	defer releaseLock(lock)

	return fn()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp registry file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return fmt.Errorf("writing registry data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return fmt.Errorf("syncing registry data: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp registry file: %w", err)
	}

	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("setting registry permissions: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing registry file: %w", err)
	}

	success = true

	// Persist the rename itself. Not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}

	return nil
}
