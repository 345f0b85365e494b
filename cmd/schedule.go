package cmd

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-snapback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/hints"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

// cronLogger routes the scheduler's own messages through plog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	plog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	plog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

// RunSchedule runs a backup on every tick of the cron expression until ctx is
// cancelled. A tick that fires while the previous run is still going is skipped.
func RunSchedule(ctx context.Context, flagMap map[string]any) error {
	spec := flagString(flagMap, "cron")
	if spec == "" {
		return fmt.Errorf("the -cron flag cannot be empty")
	}

	// Fail on a broken configuration now rather than at the first tick.
	if _, err := loadRunConfig(flagparse.Schedule, flagMap); err != nil {
		return err
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() { scheduledBackup(ctx, flagMap) }); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	c.Start()
	plog.Info(buildinfo.Name+" scheduler started", "cron", spec, "next", c.Entries()[0].Next)

	<-ctx.Done()
	plog.Info("Stopping scheduler, waiting for a running backup to finish")
	<-c.Stop().Done()
	return nil
}

func scheduledBackup(ctx context.Context, flagMap map[string]any) {
	if ctx.Err() != nil {
		return
	}
	err := runBackup(ctx, flagparse.Schedule, flagMap)
	switch {
	case err == nil:
	case hints.IsHint(err):
		plog.Info("Scheduled backup ended early", "reason", err)
	default:
		plog.Error("Scheduled backup failed", "error", err)
	}
}
