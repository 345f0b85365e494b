package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/hints"
	"github.com/paulschiretz/pgl-snapback/pkg/lockfile"
	"github.com/paulschiretz/pgl-snapback/pkg/planner"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/retention"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

func (r *Runner) ExecutePrune(ctx context.Context, p *planner.PrunePlan) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.validator.Run(ctx, p.BackupDir, "", p.Preflight); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	var cleanup cleanupStack
	defer cleanup.unwind()

	if !p.DryRun {
		lock, err := lockfile.Acquire(ctx, p.BackupDir, "prune")
		if err != nil {
			var held *lockfile.HeldError
			if errors.As(err, &held) {
				plog.Warn("Another run is active for this backup directory, skipping", "details", held.Error())
				return hints.Wrapf(err, "prune skipped")
			}
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		cleanup.push("lock", lock.Release)
	}

	var history retention.HistoryPruner
	h, err := r.openExistingHistory(p.HistoryPath)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	if h != nil {
		history = h
		cleanup.push("history", func() { h.Close() })
	}

	plog.Info("Starting prune", "backup_dir", p.BackupDir)
	res, err := r.newPruner(history).Prune(ctx, p.BackupDir, p.Retention)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	plog.Info("Prune completed", "kept", len(res.Kept), "deleted", len(res.Deleted))
	return nil
}

// ExecuteReplicate pushes the archives in the backup directory to the
// configured destination. replicate.ErrDisabled is passed through as a hint.
func (r *Runner) ExecuteReplicate(ctx context.Context, p *planner.BackupPlan) error {
	res, err := r.replicator.Replicate(ctx, p.Replicate, p.BackupDir)
	if err != nil {
		return err
	}
	plog.Info("Replicate completed", "candidates", len(res.Candidates), "transferred", len(res.Transferred))
	return nil
}

// ExecuteRestore unpacks an archive into targetDir, which must be empty or absent.
func (r *Runner) ExecuteRestore(ctx context.Context, absArchivePath, absTargetDir string) error {
	if _, err := os.Stat(absArchivePath); err != nil {
		return fmt.Errorf("archive not found: %w", err)
	}
	entries, err := os.ReadDir(absTargetDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot read restore target: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("restore target %s is not empty", absTargetDir)
	}

	plog.Log(plog.Attempt, "Restoring archive", "archive", absArchivePath, "target", absTargetDir)
	stats, err := archiver.Extract(ctx, absArchivePath, absTargetDir)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	plog.Log(plog.Success, "Restore completed", "files", stats.Entries, "size", util.ByteCountIEC(stats.Bytes))
	return nil
}

// ListEntry is one archive together with the history rows of its date.
type ListEntry struct {
	archiver.Info
	Size        int64
	HistoryRows int
}

// Listing is the content of a backup directory.
type Listing struct {
	Archives []ListEntry
	// OrphanDates have history rows but no archive.
	OrphanDates []string
}

func (r *Runner) List(ctx context.Context, p *planner.BackupPlan) (*Listing, error) {
	infos, err := archiver.ListArchives(p.BackupDir)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	h, err := r.openExistingHistory(p.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if h != nil {
		defer h.Close()
		if counts, err = h.Counts(ctx); err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
	}

	listing := &Listing{}
	seen := make(map[string]bool)
	for _, info := range infos {
		entry := ListEntry{Info: info, HistoryRows: counts[info.DateKey()]}
		if fi, err := os.Stat(filepath.Join(p.BackupDir, info.Name)); err == nil {
			entry.Size = fi.Size()
		}
		listing.Archives = append(listing.Archives, entry)
		seen[info.DateKey()] = true
	}
	for date := range counts {
		if !seen[date] {
			listing.OrphanDates = append(listing.OrphanDates, date)
		}
	}
	sort.Strings(listing.OrphanDates)
	return listing, nil
}
