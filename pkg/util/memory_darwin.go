//go:build darwin

package util

import "golang.org/x/sys/unix"

func TotalMemory() uint64 {
	size, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return size
}
