//go:build darwin

package storage

import (
	"fmt"
	"strings"
	"syscall"
)

// detectFilesystemType returns the statfs type name, e.g. "apfs", "nfs" or "smbfs".
func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	var name strings.Builder
	for _, c := range stat.Fstypename {
		if c == 0 {
			break
		}
		name.WriteByte(byte(c))
	}
	return name.String(), nil
}
