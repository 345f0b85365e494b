package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-snapback/pkg/buildinfo"
)

// DefaultConfigPath is used when -config is not given.
const DefaultConfigPath = "config.ini"

// cliFlags holds pointers to all possible command-line flags. A nil pointer
// means the flag is not registered for the parsed command.
type cliFlags struct {
	// Global
	Config   *string
	LogLevel *string
	DryRun   *bool
	Metrics  *bool

	// Backup / Schedule / Init
	SourceList              *string
	BackupDir               *string
	Workers                 *int
	BufferSizeKB            *int
	FullIntervalDays        *int
	IncrementalIntervalDays *int
	KeepFull                *int
	KeepIncremental         *int
	CompressedFormat        *string
	Replicate               *bool

	// Restore
	Archive *string
	Target  *string

	// Init / Prune
	Force *bool

	// Seal
	Identity *string

	// Schedule
	Cron *string
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Config = fs.String("config", DefaultConfigPath, "Path to the INI configuration file.")
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
	f.Metrics = fs.Bool("metrics", false, "Enable progress and file-counting metrics.")
}

func registerRunFlags(fs *flag.FlagSet, f *cliFlags) {
	f.SourceList = fs.String("source-list", "", "File listing the paths to back up, one per line.")
	f.BackupDir = fs.String("backup-dir", "", "Directory receiving archives and the history database.")
	f.Workers = fs.Int("workers", 0, "Number of hash/copy workers (0 = CPU count).")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Read buffer size in KiB (0 = sized from memory).")
	f.FullIntervalDays = fs.Int("full-interval-days", 0, "Days after which a new full backup is due.")
	f.IncrementalIntervalDays = fs.Int("incremental-interval-days", 0, "Days after which a new incremental backup is due.")
	f.KeepFull = fs.Int("keep-full", 0, "Number of full archives to keep.")
	f.KeepIncremental = fs.Int("keep-incremental", 0, "Number of incremental archives to keep.")
	f.CompressedFormat = fs.String("compressed-format", "", "Codec for large archives: 'tar.lz4', 'tar.zst' or 'tar.gz'.")
	f.Replicate = fs.Bool("replicate", false, "Replicate archives to the configured server after the run.")
}

func registerPruneFlags(fs *flag.FlagSet, f *cliFlags) {
	f.BackupDir = fs.String("backup-dir", "", "Directory holding the archives to prune.")
	f.KeepFull = fs.Int("keep-full", 0, "Number of full archives to keep.")
	f.KeepIncremental = fs.Int("keep-incremental", 0, "Number of incremental archives to keep.")
	f.Force = fs.Bool("force", false, "Delete without asking for confirmation.")
}

func registerRestoreFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Archive = fs.String("archive", "", "Archive file to unpack, e.g. 'Full-20260101.zip'. (Required)")
	f.Target = fs.String("target", "", "Directory to unpack into. (Required)")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	registerRunFlags(fs, f)
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file.")
}

func registerSealFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Identity = fs.String("identity", "", "age identity file; its recipient seals the password. Created if missing. (Required)")
}

func registerScheduleFlags(fs *flag.FlagSet, f *cliFlags) {
	registerRunFlags(fs, f)
	f.Cron = fs.String("cron", "0 2 * * *", "Standard 5-field cron expression for backup runs.")
}

type subcommand struct {
	desc     string
	register func(fs *flag.FlagSet, f *cliFlags)
}

var subcommands = map[Command]subcommand{
	Backup:    {"Run a backup if one is due.", registerRunFlags},
	Prune:     {"Apply the retention policy to existing archives.", registerPruneFlags},
	Replicate: {"Copy missing or incomplete archives to the configured server.", func(*flag.FlagSet, *cliFlags) {}},
	Restore:   {"Unpack an archive into a target directory.", registerRestoreFlags},
	List:      {"List archives and history generations.", func(*flag.FlagSet, *cliFlags) {}},
	Init:      {"Write a configuration file with resolved defaults.", registerInitFlags},
	Seal:      {"Encrypt a replication password for server_pass.", registerSealFlags},
	Schedule:  {"Run backups on a cron schedule until interrupted.", registerScheduleFlags},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and
// a map of the flags that were explicitly set.
func Parse(args []string) (Command, map[string]any, error) {
	if len(args) == 0 {
		printTopLevelUsage(flag.NewFlagSet("main", flag.ContinueOnError))
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	switch cmdStr {
	case "help", "-h", "-help", "--help":
		printTopLevelUsage(flag.NewFlagSet("main", flag.ContinueOnError))
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return Version, nil, nil
	}

	sc := subcommands[command]
	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	sc.register(fs, f)
	fs.Usage = func() {
		printSubcommandUsage(command, sc.desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments for %s: %v", command, fs.Args())
	}

	flagMap := flagsToMap(fs, f)
	// The config path is always needed, so carry its default too.
	if _, ok := flagMap["config"]; !ok {
		flagMap["config"] = *f.Config
	}
	return command, flagMap, nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]any {
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "source-list", f.SourceList)
	addIfUsed(flagMap, usedFlags, "backup-dir", f.BackupDir)
	addIfUsed(flagMap, usedFlags, "workers", f.Workers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "full-interval-days", f.FullIntervalDays)
	addIfUsed(flagMap, usedFlags, "incremental-interval-days", f.IncrementalIntervalDays)
	addIfUsed(flagMap, usedFlags, "keep-full", f.KeepFull)
	addIfUsed(flagMap, usedFlags, "keep-incremental", f.KeepIncremental)
	addIfUsed(flagMap, usedFlags, "compressed-format", f.CompressedFormat)
	addIfUsed(flagMap, usedFlags, "replicate", f.Replicate)

	addIfUsed(flagMap, usedFlags, "archive", f.Archive)
	addIfUsed(flagMap, usedFlags, "target", f.Target)
	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "identity", f.Identity)
	addIfUsed(flagMap, usedFlags, "cron", f.Cron)

	// The schedule default is meaningful even when not typed.
	if f.Cron != nil && !usedFlags["cron"] {
		flagMap["cron"] = *f.Cron
	}
	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Snapshot-based full and incremental backups.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  backup      Run a backup if one is due\n")
	fmt.Fprintf(fs.Output(), "  prune       Apply the retention policy\n")
	fmt.Fprintf(fs.Output(), "  replicate   Copy archives to the configured server\n")
	fmt.Fprintf(fs.Output(), "  restore     Unpack an archive\n")
	fmt.Fprintf(fs.Output(), "  list        List archives and history generations\n")
	fmt.Fprintf(fs.Output(), "  init        Write a configuration file\n")
	fmt.Fprintf(fs.Output(), "  seal        Encrypt a replication password\n")
	fmt.Fprintf(fs.Output(), "  schedule    Run backups on a cron schedule\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s)\n\n", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}
