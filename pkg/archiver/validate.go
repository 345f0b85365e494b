package archiver

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

// Validate reads every entry of the archive at path and returns what it found.
// Zip entries are checked against their CRC; compressed tars rely on the codec's
// frame checksums and the tar entry sizes.
func Validate(ctx context.Context, path string, format Format, bufferSize int) (Stats, error) {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	buf := make([]byte, bufferSize)
	if format == Zip {
		return validateZip(ctx, path, buf)
	}
	return validateTar(ctx, path, format, buf)
}

func validateZip(ctx context.Context, path string, buf []byte) (Stats, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: cannot open zip: %v", ErrValidation, err)
	}
	defer zr.Close()

	var s Stats
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return s, fmt.Errorf("%w: entry %s: %v", ErrValidation, f.Name, err)
		}
		n, err := io.CopyBuffer(io.Discard, rc, buf)
		rc.Close()
		if err != nil {
			return s, fmt.Errorf("%w: entry %s: %v", ErrValidation, f.Name, err)
		}
		s.Entries++
		s.Bytes += n
	}
	return s, nil
}

func validateTar(ctx context.Context, path string, format Format, buf []byte) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: cannot open archive: %v", ErrValidation, err)
	}
	defer f.Close()

	dr, err := newDecompressReader(format, f)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrValidation, err)
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
			return s, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		n, err := io.CopyBuffer(io.Discard, tr, buf)
		if err != nil {
			return s, fmt.Errorf("%w: entry %s: %v", ErrValidation, header.Name, err)
		}
		s.Entries++
		s.Bytes += n
	}
}
