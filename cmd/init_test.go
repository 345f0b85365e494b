package cmd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-snapback/pkg/config"
)

func TestRunInit(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "config.ini")
	backupDir := filepath.Join(dir, "backups")
	flagMap := map[string]any{
		"config":      path,
		"force":       true,
		"backup-dir":  backupDir,
		"source-list": filepath.Join(dir, "sources.txt"),
		"keep-full":   5,
	}

	// Act
	if err := RunInit(context.Background(), flagMap); err != nil {
		t.Fatalf("RunInit failed: %v", err)
	}

	// Assert
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backup.BackupDirectory != backupDir {
		t.Errorf("expected backup_directory %s, got %s", backupDir, cfg.Backup.BackupDirectory)
	}
	if cfg.Backup.KeepFull != 5 {
		t.Errorf("expected keep_full 5, got %d", cfg.Backup.KeepFull)
	}
	if cfg.Backup.MaxThreads <= 0 || cfg.Backup.BufferSizeKB <= 0 {
		t.Errorf("expected resolved workers and buffer, got %d and %d", cfg.Backup.MaxThreads, cfg.Backup.BufferSizeKB)
	}
	if cfg.Snapshot.LinkDirectory != filepath.Join(backupDir, ".links") {
		t.Errorf("unexpected link directory %s", cfg.Snapshot.LinkDirectory)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("generated config does not validate: %v", err)
	}
}

func TestRunInit_DryRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := RunInit(context.Background(), map[string]any{"config": path, "dry-run": true}); err != nil {
		t.Fatalf("RunInit failed: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Error("dry run wrote a config file")
	}
}

func TestReadLine(t *testing.T) {
	got, err := readLine(strings.NewReader("s3cret\r\n"))
	if err != nil || got != "s3cret" {
		t.Errorf("readLine = %q, %v", got, err)
	}
	if _, err := readLine(strings.NewReader("\n")); err == nil {
		t.Error("expected error for empty password")
	}
}
