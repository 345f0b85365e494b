package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/changestore"
	"github.com/paulschiretz/pgl-snapback/pkg/enumerate"
	"github.com/paulschiretz/pgl-snapback/pkg/hints"
	"github.com/paulschiretz/pgl-snapback/pkg/lockfile"
	"github.com/paulschiretz/pgl-snapback/pkg/planner"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/preflight"
	"github.com/paulschiretz/pgl-snapback/pkg/runmetrics"
	"github.com/paulschiretz/pgl-snapback/pkg/staging"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// --- Backup sequence ---
//
//   determine type -> snapshot -> enumerate -> hash -> select -> space check
//   -> stage -> archive (validated) -> release -> commit history -> prune -> replicate
//
// History is only written once the archive has been read back successfully, so
// a failed run leaves the store as it was and its files are picked up again by
// the next run. Staging and snapshots are undone on every exit path.

// RunState is what a backup run accumulates. The plan it runs under is never modified.
type RunState struct {
	Started  time.Time
	Date     time.Time
	Decision planner.Decision

	StagingDir    string
	Selected      []*changestore.TrackerRecord
	SelectedBytes int64
	Staged        *staging.Result
	Archive       *archiver.Result
	Committed     bool
	Pruned        int
	Replicated    int

	cleanup cleanupStack
}

func (s *RunState) dateKey() string {
	return s.Date.Format(archiver.DateLayout)
}

// ExecuteBackup performs one backup run. ErrNothingDue and ErrNoChanges are
// hints: the run ended early without anything being wrong.
func (r *Runner) ExecuteBackup(ctx context.Context, p *planner.BackupPlan) (retErr error) {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	now := r.now()
	state := &RunState{
		Started: now,
		Date:    time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
	}
	defer func() { r.recordRun(p, state, retErr) }()
	defer state.cleanup.unwind()

	if err := r.validator.Run(ctx, p.BackupDir, p.SourceList, p.Preflight); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	if !p.DryRun {
		lock, err := lockfile.Acquire(ctx, p.BackupDir, "backup")
		if err != nil {
			var held *lockfile.HeldError
			if errors.As(err, &held) {
				plog.Warn("Another run is active for this backup directory, skipping", "details", held.Error())
				return hints.Wrapf(err, "backup skipped")
			}
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		state.cleanup.push("lock", lock.Release)
		archiver.CleanupStaleTempFiles(p.BackupDir)
		archiver.CleanupStaleStaging(p.BackupDir)
	}

	history, err := r.historyFor(p.HistoryPath, p.DryRun)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	state.cleanup.push("history", func() {
		if err := history.Close(); err != nil {
			plog.Warn("Failed to close history", "error", err)
		}
	})

	// --- Determine type ---
	infos, err := archiver.ListArchives(p.BackupDir)
	if err != nil {
		return err
	}
	lastFull := archiver.Latest(infos, archiver.Full)
	lastInc := archiver.Latest(infos, archiver.Incremental)
	state.Decision = planner.DetermineType(lastFull, lastInc, state.Date, p.FullIntervalDays, p.IncrementalIntervalDays)
	plog.Info("Backup type determined", "decision", state.Decision, "date", state.dateKey(),
		"last_full", formatDate(lastFull), "last_incremental", formatDate(lastInc))

	if state.Decision == planner.Skip {
		r.replicateBestEffort(ctx, p, state)
		return ErrNothingDue
	}

	// --- Sources and snapshots ---
	paths, err := enumerate.ReadSourceList(p.SourceList, p.UserName)
	if err != nil {
		return err
	}
	sources, vols := enumerate.ResolveSources(paths)
	if len(sources) == 0 {
		return fmt.Errorf("%w: none of the %d listed path(s) exist", enumerate.ErrEmptySourceList, len(paths))
	}

	set, err := r.snapshots.Acquire(ctx, p.Snapshot, vols)
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	releaseSnapshots := state.cleanup.push("snapshots", func() { set.Release(ctx) })

	// --- Enumerate, hash and select ---
	found, err := enumerate.Walk(ctx, sources, set.Roots())
	if err != nil {
		return fmt.Errorf("enumeration failed: %w", err)
	}
	hashed, err := r.hasher.Hash(ctx, p.Hashing, found.Files)
	if err != nil {
		return fmt.Errorf("hashing failed: %w", err)
	}

	if state.Decision == planner.Full {
		state.Selected = changestore.SelectAll(hashed.Tracker)
	} else {
		index, err := history.LoadIndex(ctx)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		state.Selected = changestore.Diff(hashed.Tracker, index)
	}
	state.SelectedBytes = changestore.SelectedBytes(state.Selected)
	plog.Info("Selection complete", "decision", state.Decision, "selected", len(state.Selected),
		"tracked", hashed.Tracker.Len(), "size", util.ByteCountIEC(state.SelectedBytes))

	if len(state.Selected) == 0 {
		releaseSnapshots()
		r.replicateBestEffort(ctx, p, state)
		return ErrNoChanges
	}

	// --- Capacity ---
	if err := r.checkSpace(p.BackupDir, state.SelectedBytes); err != nil {
		releaseSnapshots()
		var insufficient *preflight.InsufficientSpaceError
		if !errors.As(err, &insufficient) {
			return fmt.Errorf("free space check failed: %w", err)
		}
		plog.Log(plog.Failure, "Not enough free space for backup", "required", util.ByteCountIEC(insufficient.Required),
			"available", util.ByteCountIEC(insufficient.Available))
		if !p.DryRun {
			r.pruneBestEffort(ctx, p, history, state)
		}
		return fmt.Errorf("%w: %w", ErrInsufficientSpace, err)
	}

	if p.DryRun {
		plog.Info("[DRY RUN] Would archive selection", "decision", state.Decision, "files", len(state.Selected),
			"size", util.ByteCountIEC(state.SelectedBytes),
			"archive", archiver.BaseName(state.Decision.Kind(), state.Date))
		return nil
	}

	// --- Stage ---
	state.StagingDir = filepath.Join(p.BackupDir, archiver.BaseName(state.Decision.Kind(), state.Date))
	removeStaging := state.cleanup.push("staging", func() {
		if err := os.RemoveAll(state.StagingDir); err != nil {
			plog.Warn("Failed to remove staging directory", "path", state.StagingDir, "error", err)
		}
	})
	if err := os.RemoveAll(state.StagingDir); err != nil {
		return fmt.Errorf("failed to clear staging directory: %w", err)
	}

	state.Staged, err = r.stager.Stage(ctx, p.Staging, state.StagingDir, state.dateKey(), state.Selected)
	if err != nil {
		return fmt.Errorf("staging failed: %w", err)
	}
	releaseSnapshots()
	keys := state.Staged.Committable()
	if len(keys) == 0 {
		return fmt.Errorf("staging failed: none of %d file(s) could be copied", len(state.Selected))
	}

	// --- Archive ---
	state.Archive, err = r.archiver.Archive(ctx, p.Archive, archiver.Request{
		SourceDir: state.StagingDir,
		DestDir:   p.BackupDir,
		Kind:      state.Decision.Kind(),
		Date:      state.Date,
	})
	if err != nil {
		return fmt.Errorf("archive failed: %w", err)
	}

	// --- Commit ---
	if err := history.Commit(ctx, state.dateKey(), keys); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	state.Committed = true
	plog.Log(plog.Success, "History committed", "date", state.dateKey(), "records", len(keys))
	removeStaging()

	// --- Housekeeping ---
	r.pruneBestEffort(ctx, p, history, state)
	r.replicateBestEffort(ctx, p, state)

	plog.Log(plog.Success, "Backup completed",
		"archive", state.Archive.Name,
		"files", state.Staged.Copied,
		"failed", state.Staged.Failed,
		"size", util.ByteCountIEC(state.Archive.Bytes),
		"duration", time.Since(state.Started).Round(time.Millisecond))
	return nil
}

// historyFor opens the history store. A dry run never creates one.
func (r *Runner) historyFor(path string, dryRun bool) (historyStore, error) {
	if !dryRun {
		return r.openHistory(path)
	}
	h, err := r.openExistingHistory(path)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return emptyHistory{}, nil
	}
	return h, nil
}

func (r *Runner) pruneBestEffort(ctx context.Context, p *planner.BackupPlan, history historyStore, state *RunState) {
	res, err := r.newPruner(history).Prune(ctx, p.BackupDir, p.Retention)
	if res != nil {
		state.Pruned = len(res.Deleted)
	}
	if err != nil {
		plog.Log(plog.Warning, "Prune failed", "error", err)
	}
}

func (r *Runner) replicateBestEffort(ctx context.Context, p *planner.BackupPlan, state *RunState) {
	res, err := r.replicator.Replicate(ctx, p.Replicate, p.BackupDir)
	if res != nil {
		state.Replicated = len(res.Transferred)
	}
	switch {
	case err == nil:
	case hints.IsHint(err):
		plog.Debug("Replication skipped", "reason", err)
	default:
		plog.Log(plog.Warning, "Replication failed", "error", err)
	}
}

// recordRun writes the metrics textfile when one is configured.
func (r *Runner) recordRun(p *planner.BackupPlan, state *RunState, err error) {
	if p.MetricsTextfile == "" {
		return
	}
	run := runmetrics.Run{
		Command:    "backup",
		Outcome:    outcome(state, err),
		Success:    err == nil || hints.IsHint(err),
		Started:    state.Started,
		Duration:   time.Since(state.Started),
		Pruned:     state.Pruned,
		Replicated: state.Replicated,
	}
	if state.Staged != nil {
		run.Files = state.Staged.Copied
	}
	if state.Archive != nil {
		run.Bytes = state.Archive.Bytes
	}
	c := runmetrics.NewCollector()
	c.Observe(run)
	if werr := c.WriteTextfile(p.MetricsTextfile); werr != nil {
		plog.Warn("Failed to write metrics textfile", "path", p.MetricsTextfile, "error", werr)
	}
}

func outcome(state *RunState, err error) string {
	switch {
	case errors.Is(err, ErrNothingDue):
		return "skipped"
	case errors.Is(err, ErrNoChanges):
		return "no_changes"
	case err != nil:
		return "failed"
	default:
		return state.Decision.String()
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.Format(archiver.DateLayout)
}
