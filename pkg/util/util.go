package util

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
)

// Permission constants for file and directory modes.
const (
	// PermUserWrite is the user-write permission bit (0200).
	PermUserWrite os.FileMode = 0200

	// UserWritableDirPerms is used for staging and link directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms is used for archives and config files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// Buffer sizes picked from the amount of installed memory.
const (
	MiB = 1024 * 1024
	GiB = 1024 * MiB
)

// WithUserWritePermission ensures that a staged file keeps the owner-write bit so
// that the staging tree can always be removed after archiving.
func WithUserWritePermission(basePerm os.FileMode) os.FileMode {
	return basePerm | PermUserWrite
}

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// ExpandedAbsPath expands ~ and returns the cleaned absolute path.
func ExpandedAbsPath(path string) (string, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not determine absolute path for %s: %w", path, err)
	}
	return abs, nil
}

// InvertMap takes a map[K]V and returns a map[V]K.
// It's a generic helper for creating reverse lookup maps for enums.
func InvertMap[K comparable, V comparable](m map[K]V) map[V]K {
	inv := make(map[V]K, len(m))
	for k, v := range m {
		inv[v] = k
	}
	return inv
}

// ByteCountIEC formats a byte count for logs, e.g. "1.5 GiB".
func ByteCountIEC(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// BufferSizeForMemory maps installed RAM to a copy/hash buffer size.
// Unknown memory (0) gets the smallest bucket.
func BufferSizeForMemory(totalRAM uint64) int64 {
	switch {
	case totalRAM <= 1*GiB:
		return 1 * MiB
	case totalRAM <= 2*GiB:
		return 2 * MiB
	case totalRAM <= 4*GiB:
		return 4 * MiB
	default:
		return 8 * MiB
	}
}

// DefaultBufferSizeKB returns the RAM-derived buffer size in KiB.
func DefaultBufferSizeKB() int {
	return int(BufferSizeForMemory(TotalMemory()) / 1024)
}

// DefaultWorkers returns the worker count used when none is configured.
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// CurrentUserName returns the login name of the user running the process,
// without any "DOMAIN\" prefix.
func CurrentUserName() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("could not determine current user: %w", err)
	}
	return StripDomain(u.Username), nil
}

// StripDomain removes a Windows "DOMAIN\" prefix from an account name.
func StripDomain(name string) string {
	if i := strings.LastIndex(name, `\`); i >= 0 {
		return name[i+1:]
	}
	return name
}
