package archiver

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v4"

	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// Format is the container written for an archive.
type Format int

const (
	// Zip is an uncompressed (stored) zip container.
	Zip Format = iota + 1
	// TarLz4 is a tar stream compressed with lz4 frames.
	TarLz4
	// TarZst is a tar stream compressed with zstd.
	TarZst
	// TarGz is a tar stream compressed with parallel gzip.
	TarGz
)

// allFormats is ordered so that longer extensions are matched first.
var allFormats = []Format{TarLz4, TarZst, TarGz, Zip}

var formatToString = map[Format]string{
	Zip:    "zip",
	TarLz4: "tar.lz4",
	TarZst: "tar.zst",
	TarGz:  "tar.gz",
}

var stringToFormat = util.InvertMap(formatToString)

func (f Format) String() string {
	if s, ok := formatToString[f]; ok {
		return s
	}
	return fmt.Sprintf("unknown_format(%d)", int(f))
}

// Extension returns the file extension without the leading dot.
func (f Format) Extension() string {
	return f.String()
}

// IsCompressed reports whether f is one of the compressed tar formats.
func (f Format) IsCompressed() bool {
	return f == TarLz4 || f == TarZst || f == TarGz
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	if f, ok := stringToFormat[s]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("invalid archive format: %q. Must be 'zip', 'tar.lz4', 'tar.zst' or 'tar.gz'", s)
}

// ParseCompressedFormat parses a format name and rejects the stored zip.
func ParseCompressedFormat(s string) (Format, error) {
	f, err := ParseFormat(s)
	if err != nil {
		return 0, err
	}
	if !f.IsCompressed() {
		return 0, fmt.Errorf("invalid compressed format: %q. Must be 'tar.lz4', 'tar.zst' or 'tar.gz'", s)
	}
	return f, nil
}

func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("archive format should be a string, got %s", data)
	}
	parsed, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// newCompressWriter wraps w with the codec of a compressed tar format.
func newCompressWriter(f Format, w io.Writer, workers int) (io.WriteCloser, error) {
	if workers < 1 {
		workers = 1
	}
	switch f {
	case TarLz4:
		zw := lz4.NewWriter(w)
		if err := zw.Apply(lz4.ConcurrencyOption(workers), lz4.ChecksumOption(true)); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return zw, nil
	case TarZst:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(workers))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	case TarGz:
		zw, err := pgzip.NewWriterLevel(w, pgzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("format %s is not a compressed tar format", f)
	}
}

// newDecompressReader wraps r with the decoder of a compressed tar format.
func newDecompressReader(f Format, r io.Reader) (io.ReadCloser, error) {
	switch f {
	case TarLz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case TarZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return readCloser{Reader: zr, close: func() error { zr.Close(); return nil }}, nil
	case TarGz:
		zr, err := pgzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return zr, nil
	default:
		return nil, fmt.Errorf("format %s is not a compressed tar format", f)
	}
}
