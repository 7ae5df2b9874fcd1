package util

import (
	"path"
	"strings"
	"time"
)

// BuildArchiveKey constructs the object key of an output archive:
// <prefix>/<device>/<20060102T150405Z>_<label><ext>.
func BuildArchiveKey(prefix, device, label string, when time.Time, extension string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	parts = append(parts, KeySegment(device))
	if label == "" {
		label = "export"
	}
	name := when.UTC().Format("20060102T150405Z") + "_" + KeySegment(label)
	if extension != "" {
		name += "." + strings.TrimPrefix(extension, ".")
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

// BuildArchivePrefix builds the listing prefix for one device's archives.
func BuildArchivePrefix(prefix, device string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	if device != "" {
		parts = append(parts, KeySegment(device))
	}
	return path.Join(parts...)
}

// KeySegment makes s safe as one object key segment.
func KeySegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ' ' || r < 0x20:
			return '_'
		default:
			return r
		}
	}, s)
}
