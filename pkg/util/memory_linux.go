//go:build linux

package util

import "golang.org/x/sys/unix"

// TotalMemory returns installed RAM in bytes, or 0 if it cannot be determined.
func TotalMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}
