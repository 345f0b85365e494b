// Package staging copies the selected files out of the snapshot views into a
// staging tree laid out as <date>/<drive>/<relative path>, ready to be archived.
package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-snapback/pkg/changestore"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/pool"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

const (
	progressInterval = 10 * time.Second
	tempFilePattern  = "snapback-stage-*.tmp"
)

// Status is the outcome of staging one hash.
type Status int

const (
	Copied Status = iota + 1
	Failed
)

func (s Status) String() string {
	switch s {
	case Copied:
		return "copied"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown_status(%d)", int(s))
	}
}

// FileResult is the staging outcome for one tracker record. Status is Copied
// only if every path of the record was staged; Keys holds the triples whose
// paths all made it into the staging tree.
type FileResult struct {
	Status Status
	Keys   []changestore.Key
}

// Result merges the per-worker outcomes, keyed by hash.
type Result struct {
	Files  map[string]FileResult
	Copied int64
	Failed int64
	Bytes  int64
}

// Committable returns the history keys of every staged path.
func (r *Result) Committable() []changestore.Key {
	keys := make([]changestore.Key, 0, len(r.Files))
	for _, fr := range r.Files {
		keys = append(keys, fr.Keys...)
	}
	return keys
}

type Stager struct {
	// open is replaced in tests to simulate unreadable sources.
	open func(name string) (io.ReadCloser, error)
}

func NewStager() *Stager {
	return &Stager{open: func(name string) (io.ReadCloser, error) { return os.Open(name) }}
}

// Destination returns where a file of drive with slash path rel is staged.
func Destination(stagingRoot, date, drive, rel string) string {
	return filepath.Join(stagingRoot, date, drive, filepath.FromSlash(rel))
}

// Stage copies recs into stagingRoot. The records are dealt round-robin to the
// workers; each worker reports its own hash map and the maps are merged after
// all workers have returned. Per-file failures are logged and marked Failed.
func (s *Stager) Stage(ctx context.Context, p *Plan, stagingRoot, date string, recs []*changestore.TrackerRecord) (*Result, error) {
	workers := p.Workers
	if workers <= 0 {
		workers = util.DefaultWorkers()
	}
	if workers > len(recs) {
		workers = max(len(recs), 1)
	}
	bufferSize := p.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1 * util.MiB
	}

	var m Metrics = &NoopMetrics{}
	if p.Metrics {
		m = &StageMetrics{}
		m.StartProgress("Staging progress", progressInterval)
		defer m.StopProgress()
	}

	if err := os.MkdirAll(stagingRoot, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create staging directory %s: %w", stagingRoot, err)
	}

	plog.Log(plog.Attempt, "Staging files", "files", len(recs), "workers", workers, "staging", stagingRoot)

	bufPool := pool.NewFixedBufferPool(bufferSize)
	partials := make([]map[string]FileResult, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := range workers {
		g.Go(func() error {
			part := make(map[string]FileResult)
			buf := bufPool.Get()
			defer bufPool.Put(buf)

			for i := w; i < len(recs); i += workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				rec := recs[i]
				part[rec.Hash] = s.stageRecord(stagingRoot, date, rec, *buf, m)
			}
			partials[w] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Files: make(map[string]FileResult, len(recs))}
	for _, part := range partials {
		for hash, fr := range part {
			res.Files[hash] = fr
			if fr.Status == Copied {
				res.Copied++
			} else {
				res.Failed++
			}
		}
	}
	for _, rec := range recs {
		if res.Files[rec.Hash].Status == Copied {
			res.Bytes += rec.TotalBytes()
		}
	}
	m.LogSummary("Staging finished")
	plog.Log(plog.Success, "Staging complete", "copied", res.Copied, "failed", res.Failed, "size", util.ByteCountIEC(res.Bytes))
	return res, nil
}

// stageRecord copies a record and all of its aliases. The record counts as
// Copied only if every path was staged. A triple is committable only when
// none of the paths carrying it failed.
func (s *Stager) stageRecord(stagingRoot, date string, rec *changestore.TrackerRecord, buf []byte, m Metrics) FileResult {
	fr := FileResult{Status: Copied}
	staged := make(map[changestore.Key]bool, len(rec.Aliases)+1)
	var order []changestore.Key

	stage := func(drive, path, rel string, modTime time.Time, size int64) {
		k := changestore.KeyOf(rec.Hash, modTime, size)
		ok := true
		if err := s.copyFile(path, Destination(stagingRoot, date, drive, rel), modTime, size, buf, m); err != nil {
			plog.Log(plog.Warning, "Copy failed, file will be retried next run", "path", path, "error", err)
			m.AddFilesFailed(1)
			fr.Status = Failed
			ok = false
		} else {
			m.AddFilesCopied(1)
		}
		prev, seen := staged[k]
		if !seen {
			order = append(order, k)
			prev = true
		}
		staged[k] = prev && ok
	}

	stage(rec.Drive, rec.Path, rec.RelPath, rec.ModTime, rec.Size)
	for _, a := range rec.Aliases {
		stage(a.Drive, a.Path, a.RelPath, a.ModTime, a.Size)
	}
	for _, k := range order {
		if staged[k] {
			fr.Keys = append(fr.Keys, k)
		}
	}
	return fr
}

// copyFile writes src to a temp file next to dst, then renames it into place
// with the source modification time.
func (s *Stager) copyFile(src, dst string, modTime time.Time, size int64, buf []byte, m Metrics) (retErr error) {
	in, err := s.open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dstDir, err)
	}

	out, err := os.CreateTemp(dstDir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dstDir, err)
	}
	tmpPath := out.Name()
	defer func() {
		if retErr != nil {
			out.Close()
			os.Remove(tmpPath)
		}
	}()

	n, err := io.CopyBuffer(out, in, buf)
	m.AddBytesWritten(n)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if n != size {
		return fmt.Errorf("%s changed while being copied: expected %d bytes, read %d", src, size, n)
	}
	if err := out.Chmod(util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", tmpPath, err)
	}
	// Close before Chtimes; flushing may touch the mtime.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}
	if err := os.Chtimes(tmpPath, modTime, modTime); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	plog.Notice("COPY", "path", src)
	return nil
}
