// Package archiver packages a staging tree into a single archive file.
//
// Small trees (or single-CPU hosts) get a stored zip, which is quick to write and
// to check. Larger trees get a streaming compressed tar. Every archive is written
// to a temp file, renamed into place and then re-read in full; an archive that
// does not read back cleanly is removed and the attempt is retried.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/pool"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// TempFilePattern names in-progress archive files in the backup directory.
const TempFilePattern = "snapback-*.tmp"

// ErrValidation marks an archive that did not read back cleanly.
var ErrValidation = errors.New("archive validation failed")

// Request names what to archive and where.
type Request struct {
	SourceDir string
	DestDir   string
	Kind      Kind
	Date      time.Time
}

// Result describes a written and validated archive.
type Result struct {
	Info
	Path    string
	Entries int
	Bytes   int64
}

// Stats counts regular-file entries and their payload bytes.
type Stats struct {
	Entries int
	Bytes   int64
}

type Archiver struct {
	// validate re-reads a finished archive. Replaced in tests.
	validate func(ctx context.Context, path string, format Format, bufferSize int) (Stats, error)
}

func NewArchiver() *Archiver {
	return &Archiver{validate: Validate}
}

// ChooseFormat picks the stored zip for small trees or single-CPU hosts, the
// compressed format otherwise.
func ChooseFormat(p *Plan, treeBytes int64) Format {
	threshold := p.StoredThreshold
	if threshold <= 0 {
		threshold = DefaultStoredThreshold
	}
	if p.CPUs <= 1 || treeBytes <= threshold {
		return Zip
	}
	return p.CompressedFormat
}

// Archive writes req.SourceDir into "<DestDir>/<Kind>-<date>.<ext>", retrying creation
// and validation per p.Retry. On failure no archive file is left behind.
func (a *Archiver) Archive(ctx context.Context, p *Plan, req Request) (*Result, error) {
	tree, err := TreeStats(ctx, req.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to measure staging tree: %w", err)
	}

	format := ChooseFormat(p, tree.Bytes)
	info := Info{
		Name:   FileName(req.Kind, req.Date, format),
		Kind:   req.Kind,
		Date:   req.Date,
		Format: format,
	}
	absArchivePath := filepath.Join(req.DestDir, info.Name)
	bufferSize := p.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1 * util.MiB
	}
	bufPool := pool.NewFixedBufferPool(bufferSize)

	plog.Log(plog.Attempt, "Creating archive", "archive", info.Name, "format", format, "files", tree.Entries, "size", util.ByteCountIEC(tree.Bytes))

	var written Stats
	err = p.Retry.Do(ctx, "create archive "+info.Name, func() error {
		var err error
		written, err = a.createOnce(ctx, p, req.SourceDir, absArchivePath, format, bufPool)
		if err != nil {
			return err
		}
		read, err := a.validate(ctx, absArchivePath, format, bufferSize)
		if err == nil && (read.Entries != written.Entries || read.Bytes != written.Bytes) {
			err = fmt.Errorf("%w: wrote %d entries (%d bytes), read back %d entries (%d bytes)",
				ErrValidation, written.Entries, written.Bytes, read.Entries, read.Bytes)
		}
		if err != nil {
			os.Remove(absArchivePath)
			if !errors.Is(err, ErrValidation) {
				err = fmt.Errorf("%w: %v", ErrValidation, err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		// The last attempt may have failed before removal (e.g. cancellation mid-rename).
		os.Remove(absArchivePath)
		plog.Log(plog.Failure, "Archive creation failed", "archive", info.Name, "error", err)
		return nil, err
	}

	plog.Log(plog.Success, "Archive created and validated", "archive", info.Name, "entries", written.Entries, "size", util.ByteCountIEC(written.Bytes))
	return &Result{Info: info, Path: absArchivePath, Entries: written.Entries, Bytes: written.Bytes}, nil
}

// createOnce writes one archive to a temp file and renames it into place.
func (a *Archiver) createOnce(ctx context.Context, p *Plan, srcDir, absArchivePath string, format Format, bufPool *pool.FixedBufferPool) (stats Stats, retErr error) {
	tmp, err := os.CreateTemp(filepath.Dir(absArchivePath), TempFilePattern)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if format == Zip {
		stats, err = writeZip(ctx, srcDir, tmp, bufPool)
	} else {
		stats, err = writeTar(ctx, srcDir, tmp, format, p.CPUs, bufPool)
	}
	if err != nil {
		return Stats{}, err
	}

	if err := tmp.Sync(); err != nil {
		return Stats{}, fmt.Errorf("failed to sync temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Stats{}, fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Chmod(tmpPath, util.UserWritableFilePerms); err != nil {
		return Stats{}, fmt.Errorf("failed to set archive permissions: %w", err)
	}
	if err := os.Rename(tmpPath, absArchivePath); err != nil {
		return Stats{}, fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return stats, nil
}

// TreeStats counts the regular files below root and their total size.
func TreeStats(ctx context.Context, root string) (Stats, error) {
	var s Stats
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		s.Entries++
		s.Bytes += info.Size()
		return nil
	})
	return s, err
}

// CleanupStaleTempFiles removes temp archives left behind by an interrupted run.
func CleanupStaleTempFiles(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, TempFilePattern))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			plog.Warn("Failed to remove stale temp archive", "path", m, "error", err)
			continue
		}
		plog.Info("Removed stale temp archive", "path", m)
	}
}

// CleanupStaleStaging removes staging directories named like BaseName that an
// interrupted run left in dir. The caller must hold the backup lock.
func CleanupStaleStaging(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, _, ok := ParseBaseName(e.Name()); !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			plog.Warn("Failed to remove stale staging directory", "path", path, "error", err)
			continue
		}
		plog.Info("Removed stale staging directory", "path", path)
	}
}

// entryName converts a path below root into a slash-separated archive entry name.
func entryName(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is not below %s", path, root)
	}
	return rel, nil
}
