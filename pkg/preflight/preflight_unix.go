//go:build !windows

package preflight

import "golang.org/x/sys/unix"

func checkVolumeExists(string) error { return nil }

func freeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
