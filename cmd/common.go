package cmd

import (
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-snapback/pkg/config"
	"github.com/paulschiretz/pgl-snapback/pkg/credential"
	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/planner"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/replicate"
	"github.com/paulschiretz/pgl-snapback/pkg/snapshot"
)

// loadRunConfig loads the config file named by -config, applies the flags
// given for command and validates the result.
func loadRunConfig(command flagparse.Command, flagMap map[string]any) (config.Config, error) {
	path, _ := flagMap["config"].(string)
	if path == "" {
		path = flagparse.DefaultConfigPath
	}

	loadedConfig, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)
	runConfig.ResolveDefaults()

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	plog.SetLevel(plog.LevelFromString(runConfig.Log.Level))
	runConfig.LogSummary(command)
	return runConfig, nil
}

func newSnapshotProvider(p planner.ProviderPlan) snapshot.Provider {
	if p.Name == "command" {
		return snapshot.NewCommandProvider(p.CreateCommand, p.DestroyCommand)
	}
	return snapshot.PassthroughProvider{}
}

// newSink builds the replication destination. It returns nil when
// replication is disabled.
func newSink(enabled bool, p planner.ServerPlan) (replicate.Sink, error) {
	if !enabled {
		return nil, nil
	}
	switch p.Transport {
	case "directory":
		return &replicate.DirSink{Dir: p.Directory}, nil
	case "sftp":
		return replicate.NewSFTPSink(replicate.SFTPConfig{
			Address:    p.Address,
			Port:       p.Port,
			User:       p.User,
			Password:   credential.FromConfig(p.Password, p.IdentityFile),
			KnownHosts: p.KnownHosts,
			Dir:        p.Directory,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", p.Transport)
	}
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}

func flagBool(flagMap map[string]any, name string) bool {
	v, _ := flagMap[name].(bool)
	return v
}

func flagString(flagMap map[string]any, name string) string {
	v, _ := flagMap[name].(string)
	return v
}
