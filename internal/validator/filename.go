package validator

import (
	"path/filepath"
	"strings"
)

const (
	maxFilenameBytes = 255
	fallbackFilename = "download"
)

var reservedWindowsNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

// forbiddenChars are stripped outright; control characters (< 0x20) are
// stripped in the same pass.
const forbiddenChars = `<>:"|?*`

// SanitizeFilename reduces raw to a name safe to use as a single path
// component: no directory separators, no forbidden or control
// characters, no leading/trailing whitespace or dots, not a reserved
// device name, and no longer than 255 bytes. It is idempotent:
// SanitizeFilename(SanitizeFilename(x)) == SanitizeFilename(x).
func SanitizeFilename(raw string) string {
	name := lastPathComponent(raw)
	name = stripForbidden(name)
	name = collapseWhitespace(name)
	name = strings.Trim(name, " .")

	if name == "" || strings.HasPrefix(name, ".") || isReservedName(name) {
		name = fallbackFilename
	}

	return truncatePreservingExt(name, maxFilenameBytes)
}

func lastPathComponent(raw string) string {
	raw = strings.ReplaceAll(raw, "\\", "/")
	if idx := strings.LastIndexByte(raw, '/'); idx >= 0 {
		raw = raw[idx+1:]
	}

	return raw
}

func stripForbidden(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range s {
		if r < 0x20 {
			continue
		}

		if strings.ContainsRune(forbiddenChars, r) {
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func isReservedName(name string) bool {
	base := name
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}

	_, reserved := reservedWindowsNames[strings.ToLower(base)]

	return reserved
}

// truncatePreservingExt cuts name to at most limit bytes, keeping its
// extension intact. The cut can land right after a space or dot that
// collapseWhitespace/Trim had no reason to touch in the untruncated
// string, so the base is re-trimmed after slicing — otherwise a
// second SanitizeFilename pass over the result would trim it further
// and violate idempotence.
func truncatePreservingExt(name string, limit int) string {
	if len(name) <= limit {
		return name
	}

	ext := filepath.Ext(name)
	if len(ext) >= limit {
		return strings.TrimRight(name[:limit], " .")
	}

	base := name[:len(name)-len(ext)]
	keep := limit - len(ext)

	if keep > len(base) {
		keep = len(base)
	}

	base = strings.TrimRight(base[:keep], " .")

	if base == "" {
		base = fallbackFilename
	}

	return base + ext
}
