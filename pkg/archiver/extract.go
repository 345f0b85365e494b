package archiver

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// Extract unpacks the archive at absArchivePath into absTargetDir. The format is
// taken from the file name. Existing files are overwritten.
func Extract(ctx context.Context, absArchivePath, absTargetDir string) (Stats, error) {
	info, ok := ParseName(filepath.Base(absArchivePath))
	if !ok {
		return Stats{}, fmt.Errorf("%s does not look like a backup archive (want Full-YYYYMMDD.<ext> or Incremental-YYYYMMDD.<ext>)", filepath.Base(absArchivePath))
	}
	if err := os.MkdirAll(absTargetDir, util.UserWritableDirPerms); err != nil {
		return Stats{}, fmt.Errorf("failed to create target directory: %w", err)
	}

	plog.Notice("EXTRACT", "archive", absArchivePath, "target", absTargetDir)
	if info.Format == Zip {
		return extractZip(ctx, absArchivePath, absTargetDir)
	}
	return extractTar(ctx, absArchivePath, absTargetDir, info.Format)
}

// safeTarget resolves an entry name below targetDir, rejecting any name that
// would escape it ("Zip Slip").
func safeTarget(targetDir, name string) (string, error) {
	abs := filepath.Join(targetDir, filepath.FromSlash(name))
	if !strings.HasPrefix(abs, filepath.Clean(targetDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return abs, nil
}

func writeEntry(absTarget string, r io.Reader, mode os.FileMode, modTime time.Time) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
		return 0, err
	}
	// Remove first so a symlink planted at this path is not followed.
	_ = os.Remove(absTarget)

	out, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.WithUserWritePermission(mode.Perm()))
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	return n, os.Chtimes(absTarget, modTime, modTime)
}

func extractZip(ctx context.Context, absArchivePath, absTargetDir string) (Stats, error) {
	zr, err := zip.OpenReader(absArchivePath)
	if err != nil {
		return Stats{}, err
	}
	defer zr.Close()

	var s Stats
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		absTarget, err := safeTarget(absTargetDir, f.Name)
		if err != nil {
			return s, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(absTarget, util.UserWritableDirPerms); err != nil {
				return s, err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return s, err
		}
		n, err := writeEntry(absTarget, rc, f.Mode(), f.Modified)
		rc.Close()
		if err != nil {
			return s, fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		s.Entries++
		s.Bytes += n
	}
	return s, nil
}

func extractTar(ctx context.Context, absArchivePath, absTargetDir string, format Format) (Stats, error) {
	f, err := os.Open(absArchivePath)
	if err != nil {
		return Stats{}, err
	}
	defer f.Close()

	dr, err := newDecompressReader(format, f)
	if err != nil {
		return Stats{}, err
	}
	defer dr.Close()

	var s Stats
	tr := tar.NewReader(dr)
	for {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return s, nil
		}
		if err != nil {
			return s, err
		}
		absTarget, err := safeTarget(absTargetDir, header.Name)
		if err != nil {
			return s, err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(absTarget, util.UserWritableDirPerms); err != nil {
				return s, err
			}
		case tar.TypeReg:
			// Only permission bits are restored; setuid/setgid never are.
			mode := os.FileMode(header.Mode).Perm()
			n, err := writeEntry(absTarget, tr, mode, header.ModTime)
			if err != nil {
				return s, fmt.Errorf("failed to extract %s: %w", header.Name, err)
			}
			s.Entries++
			s.Bytes += n
		default:
			plog.Debug("Skipping unsupported tar entry", "name", header.Name, "type", header.Typeflag)
		}
	}
}
