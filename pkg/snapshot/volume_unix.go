//go:build !windows

package snapshot

import (
	"github.com/moby/sys/mountinfo"
)

// volumeID picks the deepest mount point that contains path.
func volumeID(path string) (string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.ParentsFilter(path))
	if err != nil {
		return "", err
	}
	best := "/"
	for _, m := range mounts {
		if len(m.Mountpoint) > len(best) {
			best = m.Mountpoint
		}
	}
	return best, nil
}
