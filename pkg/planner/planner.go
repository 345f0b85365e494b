// Package planner turns a validated configuration into the immutable plan a
// run executes, one sub-plan per stage.
package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/changestore"
	"github.com/paulschiretz/pgl-snapback/pkg/config"
	"github.com/paulschiretz/pgl-snapback/pkg/hashing"
	"github.com/paulschiretz/pgl-snapback/pkg/preflight"
	"github.com/paulschiretz/pgl-snapback/pkg/replicate"
	"github.com/paulschiretz/pgl-snapback/pkg/retention"
	"github.com/paulschiretz/pgl-snapback/pkg/retrier"
	"github.com/paulschiretz/pgl-snapback/pkg/snapshot"
	"github.com/paulschiretz/pgl-snapback/pkg/staging"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// deleteWorkers bounds concurrent archive deletions during pruning.
const deleteWorkers = 2

// BackupPlan is the per-run configuration. It is built once and only read afterwards.
type BackupPlan struct {
	DryRun  bool
	Metrics bool

	Host        string
	SourceList  string
	UserName    string
	BackupDir   string
	HistoryPath string

	FullIntervalDays        int
	IncrementalIntervalDays int

	Workers    int
	BufferSize int

	MetricsTextfile string

	Preflight *preflight.Plan
	Snapshot  *snapshot.Plan
	Provider  ProviderPlan
	Hashing   *hashing.Plan
	Staging   *staging.Plan
	Archive   *archiver.Plan
	Retention *retention.Plan
	Replicate *replicate.Plan
	Server    ServerPlan
}

// ProviderPlan selects and configures the snapshot provider.
type ProviderPlan struct {
	Name           string
	CreateCommand  string
	DestroyCommand string
}

// ServerPlan describes the replication destination.
type ServerPlan struct {
	Transport    string
	Address      string
	Port         int
	Directory    string
	User         string
	Password     string
	IdentityFile string
	KnownHosts   string
}

// PrunePlan is the configuration of a standalone prune.
type PrunePlan struct {
	DryRun      bool
	BackupDir   string
	HistoryPath string
	Preflight   *preflight.Plan
	Retention   *retention.Plan
}

var unsafeHostChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// HostIdentity returns the host name used to key the history store.
func HostIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	return unsafeHostChars.ReplaceAllString(host, "_")
}

func GenerateBackupPlan(cfg config.Config) (*BackupPlan, error) {
	dryRun := cfg.Runtime.DryRun
	metrics := cfg.Runtime.Metrics

	backupDir, err := util.ExpandedAbsPath(cfg.Backup.BackupDirectory)
	if err != nil {
		return nil, err
	}
	sourceList, err := util.ExpandedAbsPath(cfg.Backup.SourceList)
	if err != nil {
		return nil, err
	}

	userName := cfg.Backup.UserName
	if userName == "" {
		if userName, err = util.CurrentUserName(); err != nil {
			return nil, err
		}
	} else {
		userName = util.StripDomain(userName)
	}

	compressedFormat, err := archiver.ParseCompressedFormat(cfg.Backup.CompressedFormat)
	if err != nil {
		return nil, err
	}

	workers := cfg.Backup.MaxThreads
	if workers <= 0 {
		workers = util.DefaultWorkers()
	}
	bufferSize := cfg.Backup.BufferSizeKB * 1024
	if bufferSize <= 0 {
		bufferSize = util.DefaultBufferSizeKB() * 1024
	}

	retry := retrier.Policy{
		Attempts: cfg.Backup.RetryAttempts,
		Delay:    time.Duration(cfg.Backup.RetryDelaySeconds) * time.Second,
	}

	linkDir := cfg.Snapshot.LinkDirectory
	if linkDir == "" {
		linkDir = filepath.Join(backupDir, ".links")
	}

	host := HostIdentity()

	return &BackupPlan{
		DryRun:  dryRun,
		Metrics: metrics,

		Host:        host,
		SourceList:  sourceList,
		UserName:    userName,
		BackupDir:   backupDir,
		HistoryPath: filepath.Join(backupDir, changestore.HistoryFileName(host)),

		FullIntervalDays:        cfg.Backup.FullIntervalDays,
		IncrementalIntervalDays: cfg.Backup.IncrementalIntervalDays,

		Workers:    workers,
		BufferSize: bufferSize,

		MetricsTextfile: cfg.Log.MetricsTextfile,

		Preflight: &preflight.Plan{
			SourceListReadable: true,
			TargetAccessible:   true,
			TargetWriteable:    true,
			EnsureTargetExists: true,
			DryRun:             dryRun,
		},
		Snapshot: &snapshot.Plan{
			LinkDir: linkDir,
			Retry:   retry,
		},
		Provider: ProviderPlan{
			Name:           cfg.Snapshot.Provider,
			CreateCommand:  cfg.Snapshot.CreateCommand,
			DestroyCommand: cfg.Snapshot.DestroyCommand,
		},
		Hashing: &hashing.Plan{
			Workers:    workers,
			BufferSize: bufferSize,
			Metrics:    metrics,
		},
		Staging: &staging.Plan{
			Workers:    workers,
			BufferSize: bufferSize,
			Metrics:    metrics,
		},
		Archive: &archiver.Plan{
			CompressedFormat: compressedFormat,
			StoredThreshold:  int64(cfg.Backup.StoredThresholdMB) * util.MiB,
			CPUs:             workers,
			BufferSize:       bufferSize,
			Retry:            retry,
		},
		Retention: &retention.Plan{
			KeepFull:        cfg.Backup.KeepFull,
			KeepIncremental: cfg.Backup.KeepIncremental,
			Workers:         deleteWorkers,
			DryRun:          dryRun,
		},
		Replicate: &replicate.Plan{
			Enabled:       cfg.Server.Enabled,
			MaxConcurrent: cfg.Server.MaxConcurrent,
			Retry:         retry,
			DryRun:        dryRun,
		},
		Server: ServerPlan{
			Transport:    cfg.Server.Transport,
			Address:      cfg.Server.Address,
			Port:         cfg.Server.Port,
			Directory:    cfg.Server.Directory,
			User:         cfg.Server.User,
			Password:     cfg.Server.Password,
			IdentityFile: cfg.Server.IdentityFile,
			KnownHosts:   cfg.Server.KnownHosts,
		},
	}, nil
}

func GeneratePrunePlan(cfg config.Config) (*PrunePlan, error) {
	if cfg.Backup.BackupDirectory == "" {
		return nil, fmt.Errorf("backup_directory cannot be empty")
	}
	backupDir, err := util.ExpandedAbsPath(cfg.Backup.BackupDirectory)
	if err != nil {
		return nil, err
	}
	dryRun := cfg.Runtime.DryRun

	return &PrunePlan{
		DryRun:      dryRun,
		BackupDir:   backupDir,
		HistoryPath: filepath.Join(backupDir, changestore.HistoryFileName(HostIdentity())),
		Preflight: &preflight.Plan{
			TargetAccessible: true,
			TargetWriteable:  true,
			DryRun:           dryRun,
		},
		Retention: &retention.Plan{
			KeepFull:        cfg.Backup.KeepFull,
			KeepIncremental: cfg.Backup.KeepIncremental,
			Workers:         deleteWorkers,
			DryRun:          dryRun,
		},
	}, nil
}
