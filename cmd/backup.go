package cmd

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapback/pkg/engine"
	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/planner"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

// RunBackup handles the logic for the backup command.
func RunBackup(ctx context.Context, flagMap map[string]any) error {
	return runBackup(ctx, flagparse.Backup, flagMap)
}

// runBackup plans and executes one run. The schedule command calls it on every tick.
func runBackup(ctx context.Context, command flagparse.Command, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(command, flagMap)
	if err != nil {
		return err
	}

	// Get the Plan
	backupPlan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return err
	}

	sink, err := newSink(backupPlan.Replicate.Enabled, backupPlan.Server)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
	}

	// Create the runner and feed it with our leaf workers
	runner := engine.NewRunner(newSnapshotProvider(backupPlan.Provider), sink)

	// Execute the plan
	startTime := time.Now()
	err = runner.ExecuteBackup(ctx, backupPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" backup finished successfully.", "duration", duration)
	return nil
}
