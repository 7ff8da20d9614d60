package validator

import (
	"path/filepath"
	"strings"
)

// Classification is the verdict ClassifyExtension and ValidateMIMEType
// return.
type Classification int

const (
	// ClassUnknown is advisory only: the caller may proceed without
	// confirmation, but the content hasn't been vetted as Safe.
	ClassUnknown Classification = iota
	ClassSafe
	ClassExecutable
)

func (c Classification) String() string {
	switch c {
	case ClassSafe:
		return "safe"
	case ClassExecutable:
		return "executable"
	default:
		return "unknown"
	}
}

var executableExtensions = map[string]struct{}{
	"exe": {}, "bat": {}, "cmd": {}, "sh": {}, "ps1": {}, "msi": {},
	"dmg": {}, "pkg": {}, "app": {}, "jar": {}, "scr": {}, "com": {}, "vbs": {}, "js": {},
}

var safeExtensions = map[string]struct{}{
	"pdf": {}, "txt": {}, "doc": {}, "docx": {}, "xls": {}, "xlsx": {},
	"ppt": {}, "pptx": {}, "zip": {}, "tar": {}, "gz": {}, "7z": {}, "rar": {},
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "webp": {},
	"mp3": {}, "mp4": {}, "mkv": {}, "mov": {}, "wav": {}, "flac": {}, "ogg": {},
}

var executableMIMETypes = map[string]struct{}{
	"application/x-msdownload":     {},
	"application/x-executable":     {},
	"application/x-msdos-program":  {},
}

// ClassifyExtension classifies filename's extension as Executable,
// Safe, or Unknown (§4.A). The check is case-insensitive and ignores
// everything but the final extension.
func ClassifyExtension(filename string) Classification {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return ClassUnknown
	}

	if _, ok := executableExtensions[ext]; ok {
		return ClassExecutable
	}

	if _, ok := safeExtensions[ext]; ok {
		return ClassSafe
	}

	return ClassUnknown
}

// ValidateMIMEType classifies a Content-Type value the same way
// ClassifyExtension classifies a filename. Only the type/subtype
// portion before any ";" parameter is considered.
func ValidateMIMEType(mimeType string) Classification {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))

	if _, ok := executableMIMETypes[base]; ok {
		return ClassExecutable
	}

	if strings.HasPrefix(base, "application/pdf") ||
		strings.HasPrefix(base, "image/") ||
		strings.HasPrefix(base, "audio/") ||
		strings.HasPrefix(base, "video/") ||
		strings.HasPrefix(base, "text/") ||
		strings.HasPrefix(base, "application/zip") ||
		strings.HasPrefix(base, "application/x-tar") ||
		strings.HasPrefix(base, "application/gzip") {
		return ClassSafe
	}

	return ClassUnknown
}
