package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapback/pkg/engine"
	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/planner"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

// RunPrune handles the logic for the prune command.
func RunPrune(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagparse.Prune, flagMap)
	if err != nil {
		return err
	}

	prunePlan, err := planner.GeneratePrunePlan(runConfig)
	if err != nil {
		return err
	}

	if !prunePlan.DryRun && !flagBool(flagMap, "force") {
		fmt.Printf("This operation will permanently delete archives in %s beyond the retention policy:\n", prunePlan.BackupDir)
		fmt.Printf("  Keep %d full and %d incremental archive(s)\n", prunePlan.Retention.KeepFull, prunePlan.Retention.KeepIncremental)
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " prune operation canceled.")
			return nil
		}
	}

	runner := engine.NewRunner(newSnapshotProvider(planner.ProviderPlan{}), nil)

	startTime := time.Now()
	err = runner.ExecutePrune(ctx, prunePlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" prune finished successfully.", "duration", duration)
	return nil
}
