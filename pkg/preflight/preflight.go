// Package preflight holds the checks that run before a backup touches
// anything: the backup directory is usable, the source list can be read and
// the destination has room for the selected files.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// InsufficientSpaceError reports a destination without room for a backup.
type InsufficientSpaceError struct {
	Path      string
	Required  int64
	Available int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space on %s: need %s, have %s",
		e.Path, util.ByteCountIEC(e.Required), util.ByteCountIEC(e.Available))
}

type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Run performs the checks enabled in p.
func (v *Validator) Run(ctx context.Context, absBackupDir, sourceList string, p *Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.SourceListReadable {
		if err := CheckSourceListReadable(sourceList); err != nil {
			return err
		}
	}
	if p.TargetAccessible {
		if err := CheckBackupTargetAccessible(absBackupDir); err != nil {
			return err
		}
	}
	if p.EnsureTargetExists && !p.DryRun {
		if err := os.MkdirAll(absBackupDir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create backup directory %s: %w", absBackupDir, err)
		}
	}
	if p.TargetWriteable && !p.DryRun {
		if err := CheckBackupTargetWritable(absBackupDir); err != nil {
			return err
		}
	}
	return nil
}

// CheckBackupTargetAccessible makes sure the backup directory exists as a
// directory, or that its parent does so it can be created.
func CheckBackupTargetAccessible(targetPath string) error {
	if err := checkVolumeExists(targetPath); err != nil {
		return err
	}

	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		parentDir := filepath.Dir(targetPath)
		if _, err := os.Stat(parentDir); os.IsNotExist(err) {
			return fmt.Errorf("target path and its parent directory do not exist: %s", parentDir)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parentDir, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	return nil
}

// CheckBackupTargetWritable creates and removes a probe file in targetPath.
func CheckBackupTargetWritable(targetPath string) error {
	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("target directory does not exist: %s", targetPath)
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}

	f, err := os.CreateTemp(targetPath, ".snapback-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return nil
}

// CheckSourceListReadable validates that the source list is a readable file.
func CheckSourceListReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source list %s does not exist", path)
		}
		return fmt.Errorf("cannot stat source list %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("source list %s is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("source list %s is not readable: %w", path, err)
	}
	return f.Close()
}

// FreeSpace returns the bytes available to the current user on the volume
// holding path. A path that does not exist yet is measured at its nearest
// existing ancestor.
func FreeSpace(path string) (int64, error) {
	probe := path
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return 0, fmt.Errorf("no existing ancestor for %s", path)
		}
		probe = parent
	}
	free, err := freeBytes(probe)
	if err != nil {
		return 0, fmt.Errorf("failed to query free space of %s: %w", probe, err)
	}
	if free > uint64(1<<63-1) {
		return 1<<63 - 1, nil
	}
	return int64(free), nil
}

// CheckFreeSpace returns an *InsufficientSpaceError when path has less than
// required bytes free.
func CheckFreeSpace(path string, required int64) error {
	free, err := FreeSpace(path)
	if err != nil {
		return err
	}
	plog.Debug("Free space check", "path", path, "required", util.ByteCountIEC(required), "available", util.ByteCountIEC(free))
	if free < required {
		return &InsufficientSpaceError{Path: path, Required: required, Available: free}
	}
	return nil
}
