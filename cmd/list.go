package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/paulschiretz/pgl-snapback/pkg/engine"
	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/planner"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// RunList handles the logic for the list command.
func RunList(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagparse.List, flagMap)
	if err != nil {
		return err
	}
	backupPlan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return err
	}

	runner := engine.NewRunner(newSnapshotProvider(backupPlan.Provider), nil)
	listing, err := runner.List(ctx, backupPlan)
	if err != nil {
		return err
	}
	printListing(os.Stdout, backupPlan.BackupDir, listing)
	return nil
}

func printListing(out io.Writer, backupDir string, listing *engine.Listing) {
	if len(listing.Archives) == 0 {
		fmt.Fprintf(out, "No archives in %s\n", backupDir)
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tDATE\tFORMAT\tSIZE\tHISTORY\tARCHIVE")
		for _, a := range listing.Archives {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				a.Kind, a.Date.Format("2006-01-02"), a.Format, util.ByteCountIEC(a.Size), a.HistoryRows, a.Name)
		}
		w.Flush()
	}
	if len(listing.OrphanDates) > 0 {
		fmt.Fprintf(out, "\nHistory dates without an archive: %v\n", listing.OrphanDates)
	}
}
