package archive

import "errors"

var (
	// ErrUnsafePath is returned when a filename resolves outside the archive directory.
	ErrUnsafePath = errors.New("archive: path escapes archive directory")

	// ErrNotFound is returned when the archive blob does not exist on disk.
	ErrNotFound = errors.New("archive: not found")

	// ErrExists is returned when packing would overwrite an existing archive.
	ErrExists = errors.New("archive: already exists")
)
