package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapback/pkg/engine"
	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/planner"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// RunRestore handles the logic for the restore command.
func RunRestore(ctx context.Context, flagMap map[string]any) error {
	archive := flagString(flagMap, "archive")
	if archive == "" {
		return fmt.Errorf("the -archive flag is required to run restore")
	}
	target := flagString(flagMap, "target")
	if target == "" {
		return fmt.Errorf("the -target flag is required to run restore")
	}

	runConfig, err := loadRunConfig(flagparse.Restore, flagMap)
	if err != nil {
		return err
	}
	backupPlan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return err
	}

	absArchivePath, err := resolveArchivePath(backupPlan.BackupDir, archive)
	if err != nil {
		return err
	}
	absTargetDir, err := util.ExpandedAbsPath(target)
	if err != nil {
		return fmt.Errorf("target path invalid: %w", err)
	}

	if backupPlan.DryRun {
		plog.Info("[DRY RUN] Would restore archive", "archive", absArchivePath, "target", absTargetDir)
		return nil
	}

	runner := engine.NewRunner(newSnapshotProvider(backupPlan.Provider), nil)

	startTime := time.Now()
	err = runner.ExecuteRestore(ctx, absArchivePath, absTargetDir)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" restore finished successfully.", "duration", duration)
	return nil
}

// resolveArchivePath accepts either a path or a bare archive name, which is
// looked up in the backup directory.
func resolveArchivePath(backupDir, archive string) (string, error) {
	if filepath.Base(archive) == archive {
		if _, ok := archiver.ParseName(archive); !ok {
			return "", fmt.Errorf("%q is not an archive name (expected e.g. Full-20260101.zip)", archive)
		}
		return filepath.Join(backupDir, archive), nil
	}
	abs, err := util.ExpandedAbsPath(archive)
	if err != nil {
		return "", fmt.Errorf("archive path invalid: %w", err)
	}
	return abs, nil
}
