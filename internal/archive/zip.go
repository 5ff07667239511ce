package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/zipdrop/internal/logctx"
	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// Packed describes an archive produced by an Archiver.
type Packed struct {
	Name   string
	Size   int64
	Files  int
	Digest string
}

// Archiver packages a source folder into a single archive blob.
type Archiver interface {
	Pack(ctx context.Context, folder string) (*Packed, error)
}

// ZipArchiver writes deflate-compressed zip archives into a Store.
type ZipArchiver struct {
	store *Store
}

func NewZipArchiver(store *Store) *ZipArchiver {
	return &ZipArchiver{store: store}
}

// Pack zips folder into {folder name}_{UTC timestamp}.zip. Entry names are
// relative to folder and use forward slashes. Symlinks are not followed.
func (a *ZipArchiver) Pack(ctx context.Context, folder string) (*Packed, error) {
	logger := logctx.LoggerFromContext(ctx)

	src, err := filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve folder: %w", err)
	}

	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("failed to stat folder: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", folder)
	}

	if src == a.store.Dir() || within(src, a.store.Dir()) {
		return nil, fmt.Errorf("refusing to pack %s: it contains the archive directory", folder)
	}

	name := a.ArchiveName(src)

	logger.Info("packing folder", "folder", src, "archive", name)

	var files int

	err = a.store.writeAtomic(ctx, name, func(w io.Writer) error {
		zw := zip.NewWriter(w)

		walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			if err := ctx.Err(); err != nil {
				return err
			}

			if !d.Type().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}

			if err := addFile(zw, path, filepath.ToSlash(rel)); err != nil {
				return fmt.Errorf("failed to add %s: %w", rel, err)
			}

			files++

			return nil
		})
		if walkErr != nil {
			zw.Close()

			return walkErr
		}

		return zw.Close()
	})
	if err != nil {
		return nil, err
	}

	path := filepath.Join(a.store.Dir(), name)

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat packed archive: %w", err)
	}

	digest, err := Digest(path)
	if err != nil {
		return nil, err
	}

	logger.Info("folder packed",
		"archive", name,
		"files", files,
		"size", humanize.Bytes(uint64(stat.Size())),
		"blake3", digest,
	)

	return &Packed{Name: name, Size: stat.Size(), Files: files, Digest: digest}, nil
}

// ArchiveName builds the timestamped archive name for a source folder.
func (a *ZipArchiver) ArchiveName(folder string) string {
	base := filepath.Base(strings.TrimRight(filepath.Clean(folder), string(filepath.Separator)))

	return fmt.Sprintf("%s_%s.zip", base, a.store.now().UTC().Format(TimestampLayout))
}

func addFile(zw *zip.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)

	return err
}

// Digest returns the hex blake3 sum of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open archive for digest: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash archive: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
