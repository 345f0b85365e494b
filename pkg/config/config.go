package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/paulschiretz/pgl-snapback/pkg/flagparse"
	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// DefaultConfigFileName is looked up in the working directory when -config is not given.
const DefaultConfigFileName = "config.ini"

// Section names in the INI file.
const (
	sectionBackup   = "BACKUP"
	sectionSnapshot = "SNAPSHOT"
	sectionServer   = "SERVER"
	sectionLog      = "LOG"
)

type BackupConfig struct {
	SourceList      string `ini:"source_list" comment:"Newline-delimited list of absolute paths to back up. {username} is substituted."`
	BackupDirectory string `ini:"backup_directory" comment:"Directory receiving archives, the history database and the staging tree."`
	UserName        string `ini:"user_name" comment:"Value for {username} in the source list. Empty uses the current OS user."`

	FullIntervalDays        int `ini:"full_interval_days" comment:"A full backup is due once the last full is this many days old."`
	IncrementalIntervalDays int `ini:"incremental_interval_days" comment:"An incremental is due once the last incremental is this many days old."`
	KeepFull                int `ini:"keep_full" comment:"Number of full archives to keep."`
	KeepIncremental         int `ini:"keep_incremental" comment:"Number of incremental archives to keep."`

	MaxThreads   int `ini:"max_threads" comment:"Hash/copy workers. 0 uses the CPU count."`
	BufferSizeKB int `ini:"buffer_size_kb" comment:"Read buffer in KiB. 0 sizes it from installed memory."`

	CompressedFormat  string `ini:"compressed_format" comment:"Codec for large archives: tar.lz4, tar.zst or tar.gz."`
	StoredThresholdMB int    `ini:"stored_threshold_mb" comment:"Staging trees up to this size are stored uncompressed in a zip."`

	RetryAttempts     int `ini:"retry_attempts"`
	RetryDelaySeconds int `ini:"retry_delay_seconds"`
}

type SnapshotConfig struct {
	Provider       string `ini:"provider" comment:"passthrough (live volume) or command (external snapshot tool)."`
	LinkDirectory  string `ini:"link_directory" comment:"Directory holding the snapshot_<volume> links. Empty uses <backup_directory>/.links."`
	CreateCommand  string `ini:"create_command" comment:"command provider: prints the snapshot path on its last output line. {volume} is substituted."`
	DestroyCommand string `ini:"destroy_command" comment:"command provider: {volume} and {path} are substituted."`
}

type ServerConfig struct {
	Enabled       bool   `ini:"enabled"`
	Transport     string `ini:"transport" comment:"directory (local or mounted share) or sftp."`
	Address       string `ini:"server_address"`
	Port          int    `ini:"server_port"`
	Directory     string `ini:"server_directory"`
	User          string `ini:"server_user"`
	Password      string `ini:"server_pass" comment:"Plain text, or ENC:<sealed> produced by the seal command."`
	IdentityFile  string `ini:"identity_file" comment:"age identity used to open an ENC: password."`
	KnownHosts    string `ini:"known_hosts"`
	MaxConcurrent int    `ini:"max_concurrent"`
}

type LogConfig struct {
	Level           string `ini:"level"`
	MetricsTextfile string `ini:"metrics_textfile" comment:"Write a prometheus textfile with the run outcome to this path."`
}

// RuntimeConfig holds values that only come from the command line.
type RuntimeConfig struct {
	DryRun  bool
	Metrics bool
}

type Config struct {
	// Path is the file the config was loaded from.
	Path string

	Backup   BackupConfig
	Snapshot SnapshotConfig
	Server   ServerConfig
	Log      LogConfig
	Runtime  RuntimeConfig
}

// NewDefault returns a configuration with the defaults of a fresh install.
func NewDefault() Config {
	return Config{
		Backup: BackupConfig{
			FullIntervalDays:        7,
			IncrementalIntervalDays: 1,
			KeepFull:                2,
			KeepIncremental:         6,
			CompressedFormat:        "tar.lz4",
			StoredThresholdMB:       2048,
			RetryAttempts:           3,
			RetryDelaySeconds:       10,
		},
		Snapshot: SnapshotConfig{
			Provider: "passthrough",
		},
		Server: ServerConfig{
			Transport:     "directory",
			Port:          22,
			MaxConcurrent: 2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the INI file at path over the defaults. Keys missing from the file keep their default.
func Load(path string) (Config, error) {
	absPath, err := util.ExpandedAbsPath(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(absPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config file %s does not exist, run 'init' to create one", absPath)
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", absPath, err)
	}

	plog.Info("Loading configuration", "path", absPath)
	f, err := ini.Load(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}

	cfg := NewDefault()
	cfg.Path = absPath
	sections := []struct {
		name   string
		target any
	}{
		{sectionBackup, &cfg.Backup},
		{sectionSnapshot, &cfg.Snapshot},
		{sectionServer, &cfg.Server},
		{sectionLog, &cfg.Log},
	}
	for _, s := range sections {
		if !f.HasSection(s.name) {
			continue
		}
		if err := f.Section(s.name).MapTo(s.target); err != nil {
			return Config{}, fmt.Errorf("error reading section [%s] of %s: %w", s.name, absPath, err)
		}
	}
	return cfg, nil
}

// Save writes the configuration as an INI file.
func Save(path string, cfg Config) error {
	f := ini.Empty()
	sections := []struct {
		name   string
		source any
	}{
		{sectionBackup, &cfg.Backup},
		{sectionSnapshot, &cfg.Snapshot},
		{sectionServer, &cfg.Server},
		{sectionLog, &cfg.Log},
	}
	for _, s := range sections {
		sec, err := f.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to create section [%s]: %w", s.name, err)
		}
		if err := sec.ReflectFrom(s.source); err != nil {
			return fmt.Errorf("failed to encode section [%s]: %w", s.name, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// ResolveDefaults fills in values that are derived from the host: worker count,
// buffer size and the link directory.
func (c *Config) ResolveDefaults() {
	if c.Backup.MaxThreads <= 0 {
		c.Backup.MaxThreads = util.DefaultWorkers()
	}
	if c.Backup.BufferSizeKB <= 0 {
		c.Backup.BufferSizeKB = util.DefaultBufferSizeKB()
	}
	if c.Snapshot.LinkDirectory == "" && c.Backup.BackupDirectory != "" {
		c.Snapshot.LinkDirectory = filepath.Join(c.Backup.BackupDirectory, ".links")
	}
	if c.Server.MaxConcurrent <= 0 {
		c.Server.MaxConcurrent = 2
	}
}

// Validate checks the configuration for values no run can work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backup.SourceList) == "" {
		return fmt.Errorf("source_list cannot be empty")
	}
	if strings.TrimSpace(c.Backup.BackupDirectory) == "" {
		return fmt.Errorf("backup_directory cannot be empty")
	}
	if c.Backup.FullIntervalDays < 1 {
		return fmt.Errorf("full_interval_days must be at least 1, got %d", c.Backup.FullIntervalDays)
	}
	if c.Backup.IncrementalIntervalDays < 0 {
		return fmt.Errorf("incremental_interval_days cannot be negative, got %d", c.Backup.IncrementalIntervalDays)
	}
	if c.Backup.KeepFull < 1 {
		return fmt.Errorf("keep_full must be at least 1, got %d", c.Backup.KeepFull)
	}
	if c.Backup.KeepIncremental < 0 {
		return fmt.Errorf("keep_incremental cannot be negative, got %d", c.Backup.KeepIncremental)
	}
	if c.Backup.MaxThreads < 0 {
		return fmt.Errorf("max_threads cannot be negative, got %d", c.Backup.MaxThreads)
	}
	if c.Backup.BufferSizeKB < 0 {
		return fmt.Errorf("buffer_size_kb cannot be negative, got %d", c.Backup.BufferSizeKB)
	}
	if c.Backup.StoredThresholdMB < 0 {
		return fmt.Errorf("stored_threshold_mb cannot be negative, got %d", c.Backup.StoredThresholdMB)
	}
	if c.Backup.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1, got %d", c.Backup.RetryAttempts)
	}
	if c.Backup.RetryDelaySeconds < 0 {
		return fmt.Errorf("retry_delay_seconds cannot be negative, got %d", c.Backup.RetryDelaySeconds)
	}

	switch c.Snapshot.Provider {
	case "passthrough":
	case "command":
		if c.Snapshot.CreateCommand == "" {
			return fmt.Errorf("snapshot provider 'command' requires create_command")
		}
	default:
		return fmt.Errorf("invalid snapshot provider %q. Must be 'passthrough' or 'command'", c.Snapshot.Provider)
	}

	if c.Server.Enabled {
		if c.Server.Directory == "" {
			return fmt.Errorf("replication is enabled but server_directory is empty")
		}
		switch c.Server.Transport {
		case "directory":
		case "sftp":
			if c.Server.Address == "" {
				return fmt.Errorf("sftp replication requires server_address")
			}
			if c.Server.User == "" || c.Server.Password == "" {
				return fmt.Errorf("sftp replication requires server_user and server_pass")
			}
			if c.Server.KnownHosts == "" {
				return fmt.Errorf("sftp replication requires known_hosts")
			}
			if strings.HasPrefix(c.Server.Password, "ENC:") && c.Server.IdentityFile == "" {
				return fmt.Errorf("an ENC: server_pass requires identity_file")
			}
		default:
			return fmt.Errorf("invalid transport %q. Must be 'directory' or 'sftp'", c.Server.Transport)
		}
	}
	return nil
}

// LogSummary prints the effective configuration for the given command.
func (c *Config) LogSummary(command flagparse.Command) {
	logArgs := []any{
		"command", command.String(),
		"config", c.Path,
		"backup_directory", c.Backup.BackupDirectory,
		"log_level", c.Log.Level,
		"dry_run", c.Runtime.DryRun,
	}
	switch command {
	case flagparse.Backup, flagparse.Schedule:
		logArgs = append(logArgs,
			"source_list", c.Backup.SourceList,
			"interval", fmt.Sprintf("full:%dd inc:%dd", c.Backup.FullIntervalDays, c.Backup.IncrementalIntervalDays),
			"keep", fmt.Sprintf("full:%d inc:%d", c.Backup.KeepFull, c.Backup.KeepIncremental),
			"workers", c.Backup.MaxThreads,
			"buffer", util.ByteCountIEC(int64(c.Backup.BufferSizeKB)*1024),
			"compressed_format", c.Backup.CompressedFormat,
			"snapshot_provider", c.Snapshot.Provider,
		)
	case flagparse.Prune:
		logArgs = append(logArgs, "keep", fmt.Sprintf("full:%d inc:%d", c.Backup.KeepFull, c.Backup.KeepIncremental))
	}
	if c.Server.Enabled {
		logArgs = append(logArgs, "replication", fmt.Sprintf("%s -> %s", c.Server.Transport, c.Server.Directory))
	}
	plog.Info("Configuration", logArgs...)
}

// MergeConfigWithFlags applies explicitly set flags on top of the loaded config.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.Log.Level = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "metrics":
			merged.Runtime.Metrics = value.(bool)
		case "source-list":
			merged.Backup.SourceList = value.(string)
		case "backup-dir":
			merged.Backup.BackupDirectory = value.(string)
		case "workers":
			merged.Backup.MaxThreads = value.(int)
		case "buffer-size-kb":
			merged.Backup.BufferSizeKB = value.(int)
		case "full-interval-days":
			merged.Backup.FullIntervalDays = value.(int)
		case "incremental-interval-days":
			merged.Backup.IncrementalIntervalDays = value.(int)
		case "keep-full":
			merged.Backup.KeepFull = value.(int)
		case "keep-incremental":
			merged.Backup.KeepIncremental = value.(int)
		case "compressed-format":
			merged.Backup.CompressedFormat = value.(string)
		case "replicate":
			merged.Server.Enabled = value.(bool)
		case "config", "force", "archive", "target", "identity", "cron":
			// Handled by the command itself.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "command", command.String(), "flag", name)
		}
	}
	return merged
}
