// Package retention prunes old archives: it keeps the configured number of the
// most recent full and incremental archives and deletes the rest together
// with their history rows.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

// HistoryPruner removes the history rows of a backup date.
type HistoryPruner interface {
	DeleteDate(ctx context.Context, date string) (int64, error)
}

// Result summarises a prune.
type Result struct {
	Kept        []archiver.Info
	Deleted     []archiver.Info
	HistoryRows int64
}

// Select splits infos into the archives to keep and those to delete. Each kind
// is sorted newest first and the first keepFull/keepIncremental entries are kept.
func Select(infos []archiver.Info, keepFull, keepIncremental int) (keep, remove []archiver.Info) {
	var full, inc []archiver.Info
	for _, i := range infos {
		switch i.Kind {
		case archiver.Full:
			full = append(full, i)
		case archiver.Incremental:
			inc = append(inc, i)
		}
	}
	archiver.SortNewestFirst(full)
	archiver.SortNewestFirst(inc)

	split := func(list []archiver.Info, n int) {
		n = max(0, min(n, len(list)))
		keep = append(keep, list[:n]...)
		remove = append(remove, list[n:]...)
	}
	split(full, keepFull)
	split(inc, keepIncremental)
	return keep, remove
}

type Manager struct {
	history HistoryPruner
}

// NewManager returns a Manager. history may be nil, in which case only files are removed.
func NewManager(history HistoryPruner) *Manager {
	return &Manager{history: history}
}

// Prune deletes the archives in dir that fall outside the policy. A history
// deletion failure is a warning; an archive that cannot be deleted is reported
// in the returned error after the remaining archives have been processed.
func (m *Manager) Prune(ctx context.Context, dir string, p *Plan) (*Result, error) {
	infos, err := archiver.ListArchives(dir)
	if err != nil {
		return nil, err
	}
	keep, remove := Select(infos, p.KeepFull, p.KeepIncremental)
	res := &Result{Kept: keep}

	if len(remove) == 0 {
		plog.Debug("No archives need deletion", "kept", len(keep))
		return res, nil
	}
	if p.DryRun {
		for _, i := range remove {
			plog.Info("[DRY RUN] Would delete archive", "archive", i.Name)
		}
		res.Deleted = remove
		return res, nil
	}

	plog.Log(plog.Attempt, "Deleting outdated archives", "count", len(remove), "keep_full", p.KeepFull, "keep_incremental", p.KeepIncremental)

	deleted, errs := deleteArchives(ctx, dir, remove, p.Workers)
	res.Deleted = deleted

	// A date may still be referenced by a kept archive of the other kind.
	keptDates := make(map[string]bool, len(keep))
	for _, k := range keep {
		keptDates[k.DateKey()] = true
	}
	for _, d := range deleted {
		date := d.DateKey()
		if m.history == nil || keptDates[date] {
			continue
		}
		n, err := m.history.DeleteDate(ctx, date)
		if err != nil {
			plog.Log(plog.Warning, "Failed to delete history rows", "date", date, "error", err)
			continue
		}
		res.HistoryRows += n
		plog.Notice("DELETE HISTORY", "date", date, "rows", n)
	}

	plog.Log(plog.Success, "Prune complete", "deleted", len(deleted), "history_rows", res.HistoryRows)
	if len(errs) > 0 {
		return res, fmt.Errorf("failed to delete %d archive(s): %w", len(errs), errors.Join(errs...))
	}
	return res, nil
}

// deleteArchives removes the files with a small worker pool. Deletions on
// network shares are latency bound, so a few run at once.
func deleteArchives(ctx context.Context, dir string, infos []archiver.Info, workers int) ([]archiver.Info, []error) {
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan archiver.Info, workers*2)

	var (
		mu      sync.Mutex
		deleted []archiver.Info
		errs    []error
		wg      sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for info := range jobs {
				if ctx.Err() != nil {
					continue
				}
				path := filepath.Join(dir, info.Name)
				err := os.Remove(path)
				mu.Lock()
				if err != nil && !os.IsNotExist(err) {
					plog.Log(plog.Failure, "Failed to delete archive", "archive", info.Name, "error", err)
					errs = append(errs, fmt.Errorf("%s: %w", info.Name, err))
				} else {
					plog.Notice("DELETE", "archive", info.Name)
					deleted = append(deleted, info)
				}
				mu.Unlock()
			}
		}()
	}
	for _, i := range infos {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	archiver.SortNewestFirst(deleted)
	return deleted, errs
}
