package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// TimestampLayout is the UTC suffix appended to archive names.
	TimestampLayout = "20060102-150405"
)

// Blob is an open archive ready to be streamed.
type Blob struct {
	io.ReadCloser

	Name    string
	Size    int64
	ModTime time.Time
}

// Entry describes an archive stored in the directory.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store holds immutable archives under a single directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates the archive directory if needed and returns a store rooted at its absolute path.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("archive directory must not be empty")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive directory: %w", err)
	}

	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Store{dir: abs, now: time.Now}, nil
}

// Dir returns the absolute archive directory.
func (s *Store) Dir() string {
	return s.dir
}

// Resolve maps filename to an absolute path strictly inside the archive
// directory. Names with a ".." segment are rejected even when they would
// clean back inside. Both the lexical path and, when it exists, the
// symlink-resolved path must stay inside. Registry values go through here too, so a poisoned
// registry cannot point the server at arbitrary files.
func (s *Store) Resolve(filename string) (string, error) {
	if filename == "" || strings.ContainsRune(filename, 0) || filepath.IsAbs(filename) || filepath.VolumeName(filename) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, filename)
	}

	if hasParentSegment(filename) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, filename)
	}

	joined := filepath.Join(s.dir, filename)
	if !within(s.dir, joined) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, filename)
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			return joined, nil
		}

		return "", fmt.Errorf("failed to resolve archive path: %w", err)
	}

	root, err := filepath.EvalSymlinks(s.dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve archive directory: %w", err)
	}

	if !within(root, resolved) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, filename)
	}

	return joined, nil
}

// Exists reports whether filename is a regular file inside the directory.
func (s *Store) Exists(filename string) (bool, error) {
	path, err := s.Resolve(filename)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat archive: %w", err)
	}

	return info.Mode().IsRegular(), nil
}

// Open opens filename for reading.
func (s *Store) Open(filename string) (*Blob, error) {
	path, err := s.Resolve(filename)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
		}

		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	if !info.Mode().IsRegular() {
		f.Close()

		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, filename)
	}

	return &Blob{
		ReadCloser: f,
		Name:       filepath.Base(path),
		Size:       info.Size(),
		ModTime:    info.ModTime(),
	}, nil
}

// List returns the regular files at the top level of the archive directory.
// Temporary files left by interrupted writes are skipped.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))

	for _, de := range dirEntries {
		if !de.Type().IsRegular() || strings.HasPrefix(de.Name(), ".") {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}

		entries = append(entries, Entry{Name: de.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}

	return entries, nil
}

// Remove deletes filename from the directory. Missing files are not an error.
func (s *Store) Remove(filename string) error {
	path, err := s.Resolve(filename)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archive: %w", err)
	}

	return nil
}

// Import copies an archive from outside into the directory and returns the
// stored name. A file already inside the directory is registered as is; a
// name clash gets a UTC timestamp appended before the extension.
func (s *Store) Import(ctx context.Context, src string) (string, error) {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return "", fmt.Errorf("failed to resolve source archive: %w", err)
	}

	info, err := os.Stat(absSrc)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, src)
		}

		return "", fmt.Errorf("failed to stat source archive: %w", err)
	}

	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrNotFound, src)
	}

	name := filepath.Base(absSrc)
	if filepath.Dir(absSrc) == s.dir {
		return name, nil
	}

	if _, err := os.Stat(filepath.Join(s.dir, name)); err == nil {
		ext := filepath.Ext(name)
		name = fmt.Sprintf("%s_%s%s", strings.TrimSuffix(name, ext), s.now().UTC().Format(TimestampLayout), ext)
	}

	in, err := os.Open(absSrc)
	if err != nil {
		return "", fmt.Errorf("failed to open source archive: %w", err)
	}
	defer in.Close()

	if err := s.writeAtomic(ctx, name, func(w io.Writer) error {
		_, err := io.Copy(w, in)

		return err
	}); err != nil {
		return "", err
	}

	return name, nil
}

// writeAtomic writes name through a hidden temp file in the same directory
// and renames it into place. Existing archives are never replaced.
func (s *Store) writeAtomic(ctx context.Context, name string, write func(w io.Writer) error) error {
	final, err := s.Resolve(name)
	if err != nil {
		return err
	}

	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}

	tmp, err := os.CreateTemp(s.dir, ".pack-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := write(tmp); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to write archive: %w", err)
	}

	if err := ctx.Err(); err != nil {
		tmp.Close()

		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to sync archive: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Chmod(tmpPath, filePerm); err != nil {
		return fmt.Errorf("failed to set archive permissions: %w", err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}

	success = true

	return nil
}

func hasParentSegment(filename string) bool {
	for _, part := range strings.Split(strings.ReplaceAll(filepath.ToSlash(filename), `\`, "/"), "/") {
		if part == ".." {
			return true
		}
	}

	return false
}

func within(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)

	return path != root && strings.HasPrefix(path, root+string(filepath.Separator))
}
