package snapshot

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Volume is a filesystem that holds data to back up. ID is its mount point on
// Unix ("/", "/home") or its drive root on Windows ("C:\").
type Volume struct {
	ID    string
	Label string
}

// NewVolume builds a Volume and derives its label from id.
func NewVolume(id string) Volume {
	return Volume{ID: id, Label: LabelFor(id)}
}

// LabelFor turns a volume id into a name usable as a single path element:
// "C:\" becomes "C", "/" becomes "root" and "/mnt/data" becomes "mnt_data".
func LabelFor(id string) string {
	if vn := filepath.VolumeName(id); vn != "" {
		return strings.TrimSuffix(strings.Trim(vn, `\/`), ":")
	}
	trimmed := strings.Trim(filepath.ToSlash(id), "/")
	if trimmed == "" {
		return "root"
	}
	return strings.ReplaceAll(trimmed, "/", "_")
}

// ResolveVolume returns the volume that holds path.
func ResolveVolume(path string) (Volume, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Volume{}, fmt.Errorf("could not resolve %s: %w", path, err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	id, err := volumeID(abs)
	if err != nil {
		return Volume{}, fmt.Errorf("could not determine volume of %s: %w", abs, err)
	}
	return NewVolume(id), nil
}

// RelToVolume returns path relative to the root of vol, slash-separated.
func RelToVolume(vol Volume, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	rel, err := filepath.Rel(vol.ID, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is not on volume %s", path, vol.ID)
	}
	return rel, nil
}
