//go:build windows

package snapshot

import (
	"fmt"
	"path/filepath"
)

// volumeID returns the drive root of path, e.g. "C:\".
func volumeID(path string) (string, error) {
	vn := filepath.VolumeName(path)
	if vn == "" {
		return "", fmt.Errorf("path %s has no drive letter", path)
	}
	return vn + `\`, nil
}
