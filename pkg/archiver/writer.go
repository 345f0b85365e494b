package archiver

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/paulschiretz/pgl-snapback/pkg/pool"
)

// walkFiles calls fn for every regular file below root in lexical order.
func walkFiles(ctx context.Context, root string, fn func(absPath, name string, info fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(absPath string, d fs.DirEntry, err error) error {
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
		name, err := entryName(root, absPath)
		if err != nil {
			return err
		}
		return fn(absPath, name, info)
	})
}

func copyFileInto(w io.Writer, absPath string, bufPool *pool.FixedBufferPool) (int64, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	bufPtr := bufPool.Get()
	defer bufPool.Put(bufPtr)
	return io.CopyBuffer(w, f, *bufPtr)
}

// writeZip writes every file below srcDir into an uncompressed zip.
func writeZip(ctx context.Context, srcDir string, out io.Writer, bufPool *pool.FixedBufferPool) (stats Stats, retErr error) {
	bufWriter := bufio.NewWriterSize(out, bufPool.Size())
	zw := zip.NewWriter(bufWriter)
	defer func() {
		if err := zw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("zip writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	err := walkFiles(ctx, srcDir, func(absPath, name string, info fs.FileInfo) error {
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("failed to build zip header for %s: %w", absPath, err)
		}
		header.Name = name
		header.Method = zip.Store

		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to add %s to zip: %w", name, err)
		}
		n, err := copyFileInto(w, absPath, bufPool)
		if err != nil {
			return fmt.Errorf("failed to write %s to zip: %w", name, err)
		}
		stats.Entries++
		stats.Bytes += n
		return nil
	})
	return stats, err
}

// writeTar writes every file below srcDir into a compressed tar stream.
func writeTar(ctx context.Context, srcDir string, out io.Writer, format Format, workers int, bufPool *pool.FixedBufferPool) (stats Stats, retErr error) {
	bufWriter := bufio.NewWriterSize(out, bufPool.Size())
	compressedWriter, err := newCompressWriter(format, bufWriter, workers)
	if err != nil {
		return Stats{}, err
	}
	tw := tar.NewWriter(compressedWriter)

	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	err = walkFiles(ctx, srcDir, func(absPath, name string, info fs.FileInfo) error {
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to build tar header for %s: %w", absPath, err)
		}
		header.Name = name
		// Owner names depend on the host; the archive only needs content and times.
		header.Uname, header.Gname = "", ""
		header.Format = tar.FormatPAX

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", name, err)
		}
		n, err := copyFileInto(tw, absPath, bufPool)
		if err != nil {
			return fmt.Errorf("failed to write %s to tar: %w", name, err)
		}
		if n != header.Size {
			return fmt.Errorf("file %s changed size while archiving (%d != %d)", name, n, header.Size)
		}
		stats.Entries++
		stats.Bytes += n
		return nil
	})
	return stats, err
}
