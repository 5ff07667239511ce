package download

import "fmt"

// InvalidTokenError is returned when the token parameter is empty, too long
// or contains characters outside the URL-safe alphabet.
type InvalidTokenError struct {
	Token string
}

func (e *InvalidTokenError) Error() string {
	if e.Token == "" {
		return "missing token"
	}

	return "malformed token"
}

// UnsafePathError is returned when a registry entry points outside the
// archive directory.
type UnsafePathError struct {
	Filename string
	Err      error
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("unsafe archive path %q", e.Filename)
}

func (e *UnsafePathError) Unwrap() error {
	return e.Err
}

// ArchiveMissingError is returned when a live token references an archive
// that is not on disk.
type ArchiveMissingError struct {
	Filename string
	Err      error
}

func (e *ArchiveMissingError) Error() string {
	return fmt.Sprintf("archive %s is missing", e.Filename)
}

func (e *ArchiveMissingError) Unwrap() error {
	return e.Err
}

// PersistError is returned when the token could not be durably removed.
// No bytes may be served in that case.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist token consumption: %v", e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}
