package exporter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const maxNameRunes = 96

// Namer hands out file names that are unique within its scope.
type Namer struct {
	used map[string]struct{}
}

func NewNamer() *Namer {
	return &Namer{used: make(map[string]struct{})}
}

// Assign takes the first candidate that sanitizes to a usable name. A name
// already handed out gets the first free _2, _3, ... suffix. It reports false
// when no candidate is usable. Names are compared case-insensitively because
// exports are often read on case-insensitive file systems.
func (n *Namer) Assign(candidates ...string) (string, bool) {
	for _, c := range candidates {
		base := sanitizeName(c)
		if base == "" {
			continue
		}
		name := base
		for i := 2; n.taken(name); i++ {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		n.used[strings.ToLower(name)] = struct{}{}
		return name, true
	}
	return "", false
}

func (n *Namer) taken(name string) bool {
	_, ok := n.used[strings.ToLower(name)]
	return ok
}

// sanitizeName makes s usable as one path segment on common file systems.
func sanitizeName(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == utf8.RuneError:
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r), unicode.IsControl(r):
			b.WriteRune('_')
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), " .")
	if utf8.RuneCountInString(out) > maxNameRunes {
		out = strings.TrimRight(string([]rune(out)[:maxNameRunes]), " .")
	}
	if strings.Trim(out, "_") == "" {
		return ""
	}
	return out
}
