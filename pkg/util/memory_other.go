//go:build !linux && !darwin

package util

// TotalMemory is not implemented on this platform; callers fall back to the smallest buffer.
func TotalMemory() uint64 {
	return 0
}
