package validator

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// InsufficientSpaceError reports that the filesystem backing a save
// path does not have enough free space for a pending download.
type InsufficientSpaceError struct {
	Path      string
	Available uint64
	Required  uint64
	ShortBy   uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: need %d bytes, have %d bytes (short by %d)",
		e.Path, e.Required, e.Available, e.ShortBy)
}

// CheckDiskSpace queries the filesystem containing path's parent
// directory for available bytes and fails if it is short of
// requiredBytes plus safetyMargin. On platforms where the underlying
// statfs call is unsupported, it returns nil (advisory only) so the
// Transfer Engine proceeds rather than blocking on an unanswerable
// question (§4.A).
func CheckDiskSpace(path string, requiredBytes, safetyMargin int64) error {
	dir := filepath.Dir(path)

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return nil //nolint:nilerr // advisory-only per spec when the platform can't answer
	}

	available := stat.Bavail * uint64(stat.Bsize)
	required := uint64(requiredBytes) + uint64(safetyMargin)

	if available < required {
		return &InsufficientSpaceError{
			Path:      dir,
			Available: available,
			Required:  required,
			ShortBy:   required - available,
		}
	}

	return nil
}
