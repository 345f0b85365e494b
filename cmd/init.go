package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/paulschiretz/pgl-snapback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-snapback/pkg/config"
	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// RunInit writes a configuration file from the defaults, the resolved host
// values and any flags given.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	path := flagString(flagMap, "config")
	if path == "" {
		path = flagparse.DefaultConfigPath
	}
	absPath, err := util.ExpandedAbsPath(path)
	if err != nil {
		return fmt.Errorf("config path invalid: %w", err)
	}

	if _, err := os.Stat(absPath); err == nil && !flagBool(flagMap, "force") {
		fmt.Printf("WARNING: Configuration file already exists at %s.\n", absPath)
		fmt.Printf("Continuing will overwrite it with default values. All custom settings will be lost.\n")
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " init operation canceled.")
			return nil
		}
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, config.NewDefault(), flagMap)
	runConfig.ResolveDefaults()
	runConfig.Path = absPath

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Would write configuration", "path", absPath)
		return nil
	}
	if err := config.Save(absPath, runConfig); err != nil {
		return err
	}
	if runConfig.Backup.SourceList == "" || runConfig.Backup.BackupDirectory == "" {
		plog.Warn("Set source_list and backup_directory in the configuration before the first backup", "path", absPath)
	}
	return nil
}
