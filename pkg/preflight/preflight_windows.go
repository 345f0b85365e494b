//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

// checkVolumeExists verifies that the drive or share root of path exists, so a
// disconnected drive is reported as such instead of as a missing directory.
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	checkVol := volume
	if !strings.HasSuffix(checkVol, string(filepath.Separator)) {
		checkVol += string(filepath.Separator)
	}
	if _, err := os.Stat(filepath.Clean(checkVol)); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", checkVol)
	}
	return nil
}

func freeBytes(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var freeToCaller, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeToCaller, &total, &totalFree); err != nil {
		return 0, err
	}
	return freeToCaller, nil
}
