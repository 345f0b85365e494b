// Package hashing computes the content hash of every candidate file with a
// bounded pool of workers and folds the results into a change tracker.
package hashing

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/paulschiretz/pgl-snapback/pkg/changestore"
	"github.com/paulschiretz/pgl-snapback/pkg/enumerate"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/pool"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

const progressInterval = 10 * time.Second

// Result is the outcome of a hashing pass.
type Result struct {
	Tracker    *changestore.Tracker
	Hashed     int64
	Failed     int64
	Duplicates int64
	Metrics    Metrics
}

type Hasher struct {
	// open is replaced in tests to simulate unreadable files.
	open func(name string) (io.ReadCloser, error)
}

func NewHasher() *Hasher {
	return &Hasher{open: func(name string) (io.ReadCloser, error) { return os.Open(name) }}
}

// HashFile returns the xxh64 of r as 16 lowercase hex digits.
func HashFile(r io.Reader, buf []byte) (string, int64, error) {
	h := xxhash.New()
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return "", n, err
	}
	return fmt.Sprintf("%016x", h.Sum64()), n, nil
}

// Hash hashes every file and returns once all workers have finished. A file
// that cannot be read is logged and left out of the tracker.
func (h *Hasher) Hash(ctx context.Context, p *Plan, files []enumerate.CandidateFile) (*Result, error) {
	workers := p.Workers
	if workers <= 0 {
		workers = util.DefaultWorkers()
	}
	bufferSize := p.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1 * util.MiB
	}

	var m Metrics = &NoopMetrics{}
	if p.Metrics {
		m = &HashMetrics{}
		m.StartProgress("Hashing progress", progressInterval)
		defer m.StopProgress()
	}

	bufPool := pool.NewFixedBufferPool(bufferSize)
	tracker := changestore.NewTracker()
	jobs := make(chan enumerate.CandidateFile, workers*2)

	type tally struct{ hashed, failed, dups int64 }
	tallies := make([]tally, workers)

	plog.Log(plog.Attempt, "Hashing files", "files", len(files), "workers", workers)

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := bufPool.Get()
			defer bufPool.Put(buf)
			for f := range jobs {
				if ctx.Err() != nil {
					continue
				}
				sum, n, err := h.hashOne(f.AbsPath, *buf)
				m.AddBytesRead(n)
				if err != nil {
					tallies[w].failed++
					m.AddFilesFailed(1)
					plog.Log(plog.Warning, "Cannot hash file, excluding it from this run", "path", f.AbsPath, "error", err)
					continue
				}
				tallies[w].hashed++
				m.AddFilesHashed(1)
				if tracker.Add(&changestore.TrackerRecord{
					Drive:   f.Volume.Label,
					Path:    f.AbsPath,
					RelPath: f.RelPath,
					Hash:    sum,
					ModTime: f.ModTime,
					Size:    f.Size,
					Order:   f.Order,
				}) {
					tallies[w].dups++
					m.AddDuplicates(1)
				}
			}
		}()
	}

producer:
	for _, f := range files {
		select {
		case jobs <- f:
		case <-ctx.Done():
			break producer
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Tracker: tracker, Metrics: m}
	for _, t := range tallies {
		res.Hashed += t.hashed
		res.Failed += t.failed
		res.Duplicates += t.dups
	}
	m.LogSummary("Hashing finished")
	plog.Log(plog.Success, "Hashing complete", "hashed", res.Hashed, "distinct", tracker.Len(), "failed", res.Failed)
	return res, nil
}

func (h *Hasher) hashOne(path string, buf []byte) (string, int64, error) {
	f, err := h.open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return HashFile(f, buf)
}
