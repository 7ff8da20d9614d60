package validator

import (
	"fmt"
	"os"
	"path/filepath"
)

// PathExists reports whether path exists on disk, following symlinks.
// It is the existence check GenerateSafePath uses, exported so other
// callers can run the same check.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GenerateSafePath combines directory with the sanitized filename and,
// if the resulting path already exists, appends " (N)" before the
// extension until a free path is found. Callers that need the
// check-and-reserve to be atomic across concurrent callers (§4.A) must
// run GenerateSafePath and the record-insert that claims the path in
// the same critical section; this function alone only guarantees the
// path was free at the moment it checked.
func GenerateSafePath(directory, filename string) string {
	safeName := SanitizeFilename(filename)
	candidate := filepath.Join(directory, safeName)

	if !PathExists(candidate) {
		return candidate
	}

	ext := filepath.Ext(safeName)
	base := safeName[:len(safeName)-len(ext)]

	for n := 1; ; n++ {
		next := filepath.Join(directory, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if !PathExists(next) {
			return next
		}
	}
}
