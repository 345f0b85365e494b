// Package replicate copies archives to a second location. Archives missing at
// the destination, or whose size or modification time differ there (an earlier
// interrupted copy or foreign content), are transferred and read back.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/hashing"
	"github.com/paulschiretz/pgl-snapback/pkg/hints"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/retrier"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

var (
	ErrDisabled    = hints.New("replication is disabled")
	ErrUnreachable = errors.New("replication destination unreachable")
)

// Result summarises a replication pass.
type Result struct {
	Candidates  []string
	Transferred []string
	Failed      []string
	Bytes       int64
}

const verifyBufferSize = 1 << 20

type candidate struct {
	info archiver.Info
	size int64
	path string
}

type Replicator struct {
	sink Sink
}

func NewReplicator(sink Sink) *Replicator {
	return &Replicator{sink: sink}
}

// Replicate brings the destination up to date with the archives in localDir.
// It is safe to run with nothing to do and safe to repeat.
func (r *Replicator) Replicate(ctx context.Context, p *Plan, localDir string) (*Result, error) {
	if !p.Enabled {
		return nil, ErrDisabled
	}
	if err := r.sink.Reachable(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, r.sink.Name(), err)
	}

	infos, err := archiver.ListArchives(localDir)
	if err != nil {
		return nil, err
	}

	var todo []candidate
	for _, info := range infos {
		path := filepath.Join(localDir, info.Name)
		local, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		remote, exists, err := r.sink.Stat(ctx, info.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s at %s: %w", info.Name, r.sink.Name(), err)
		}
		if !exists || !upToDate(local, remote) {
			todo = append(todo, candidate{info: info, size: local.Size(), path: path})
		}
	}

	res := &Result{}
	for _, c := range todo {
		res.Candidates = append(res.Candidates, c.info.Name)
	}
	if len(todo) == 0 {
		plog.Info("Destination is up to date", "destination", r.sink.Name())
		return res, nil
	}
	if p.DryRun {
		for _, c := range todo {
			plog.Info("[DRY RUN] Would transfer archive", "archive", c.info.Name, "size", util.ByteCountIEC(c.size))
		}
		return res, nil
	}

	plog.Log(plog.Attempt, "Replicating archives", "count", len(todo), "destination", r.sink.Name())

	limit := p.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(limit)
	for _, c := range todo {
		g.Go(func() error {
			err := r.transfer(ctx, p.Retry, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				plog.Log(plog.Failure, "Transfer failed", "archive", c.info.Name, "error", err)
				res.Failed = append(res.Failed, c.info.Name)
				return nil
			}
			plog.Notice("TRANSFER", "archive", c.info.Name, "size", util.ByteCountIEC(c.size))
			res.Transferred = append(res.Transferred, c.info.Name)
			res.Bytes += c.size
			return nil
		})
	}
	g.Wait()
	sort.Strings(res.Transferred)
	sort.Strings(res.Failed)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if len(res.Failed) > 0 {
		return res, fmt.Errorf("failed to replicate %d of %d archive(s)", len(res.Failed), len(todo))
	}
	plog.Log(plog.Success, "Replication complete", "transferred", len(res.Transferred), "size", util.ByteCountIEC(res.Bytes))
	return res, nil
}

// transfer copies one archive, then reads the destination copy back and
// compares its checksum with the local file.
func (r *Replicator) transfer(ctx context.Context, policy retrier.Policy, c candidate) error {
	want, err := localChecksum(c.path)
	if err != nil {
		return err
	}
	return policy.Do(ctx, "transfer "+c.info.Name, func() error {
		if err := r.sink.Put(ctx, c.path, c.info.Name); err != nil {
			return err
		}
		got, exists, err := r.sink.Stat(ctx, c.info.Name)
		if err != nil {
			return err
		}
		if !exists || got.Size != c.size {
			return fmt.Errorf("size mismatch after transfer: local %d, remote %d", c.size, got.Size)
		}
		sum, err := r.remoteChecksum(ctx, c.info.Name)
		if err != nil {
			return fmt.Errorf("failed to read back %s: %w", c.info.Name, err)
		}
		if sum != want {
			return fmt.Errorf("checksum mismatch after transfer: local %s, remote %s", want, sum)
		}
		return nil
	})
}

func localChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum, _, err := hashing.HashFile(f, make([]byte, verifyBufferSize))
	return sum, err
}

func (r *Replicator) remoteChecksum(ctx context.Context, name string) (string, error) {
	rc, err := r.sink.Open(ctx, name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	sum, _, err := hashing.HashFile(ctxReader{ctx: ctx, r: rc}, make([]byte, verifyBufferSize))
	return sum, err
}
