package cmd

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapback/pkg/engine"
	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/planner"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/replicate"
)

// RunReplicate handles the logic for the replicate command.
func RunReplicate(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagparse.Replicate, flagMap)
	if err != nil {
		return err
	}
	if !runConfig.Server.Enabled {
		return replicate.ErrDisabled
	}

	backupPlan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return err
	}
	sink, err := newSink(true, backupPlan.Server)
	if err != nil {
		return err
	}
	defer sink.Close()

	runner := engine.NewRunner(newSnapshotProvider(backupPlan.Provider), sink)

	startTime := time.Now()
	err = runner.ExecuteReplicate(ctx, backupPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" replicate finished successfully.", "duration", duration)
	return nil
}
