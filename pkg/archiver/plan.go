package archiver

import "github.com/paulschiretz/pgl-snapback/pkg/retrier"

// DefaultStoredThreshold is the largest staging tree stored uncompressed (2 GiB).
const DefaultStoredThreshold int64 = 2 << 30

type Plan struct {
	// CompressedFormat is used when the staging tree exceeds StoredThreshold
	// and more than one CPU is available.
	CompressedFormat Format
	StoredThreshold  int64

	// CPUs is the parallelism available to the compressor. 1 or less forces the stored zip.
	CPUs       int
	BufferSize int

	Retry retrier.Policy
}
