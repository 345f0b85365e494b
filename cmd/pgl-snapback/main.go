package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-snapback/cmd"
	"github.com/paulschiretz/pgl-snapback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/hints"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return err
	}

	if level, ok := flagMap["log-level"].(string); ok {
		plog.SetLevel(plog.LevelFromString(level))
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion()
	case flagparse.Backup:
		return cmd.RunBackup(ctx, flagMap)
	case flagparse.Prune:
		return cmd.RunPrune(ctx, flagMap)
	case flagparse.Replicate:
		return cmd.RunReplicate(ctx, flagMap)
	case flagparse.Restore:
		return cmd.RunRestore(ctx, flagMap)
	case flagparse.List:
		return cmd.RunList(ctx, flagMap)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	case flagparse.Seal:
		return cmd.RunSeal(ctx, flagMap)
	case flagparse.Schedule:
		return cmd.RunSchedule(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

// exitCode maps a run result to the process exit code. Hints mean the run
// ended early by design and count as success.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case hints.IsHint(err):
		plog.Info(buildinfo.Name+" finished", "note", hints.Reason(err))
		return 0
	default:
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		return 1
	}
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := exitCode(run(ctx, os.Args[1:]))
	stop()
	os.Exit(code)
}
