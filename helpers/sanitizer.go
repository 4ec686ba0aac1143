package helpers

import (
	"path"
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 removes invalid UTF-8 sequences and NUL bytes from a string
// so it is safe to store in a TEXT column.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}
	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue // skip invalid byte
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// SanitizeFilename reduces an attachment filename supplied by a remote
// sender to a safe basename: NUL bytes and directory components are
// stripped, everything outside [A-Za-z0-9._-] becomes '_', and leading or
// trailing dots and underscores are trimmed. An unusable name falls back to
// "attachment".
func SanitizeFilename(filename string) string {
	if filename == "" {
		return "attachment"
	}
	cleaned := strings.ReplaceAll(filename, "\x00", "")
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	cleaned = path.Base(cleaned)

	var b strings.Builder
	b.Grow(len(cleaned))
	for _, r := range cleaned {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned = strings.Trim(b.String(), "._")
	if cleaned == "" {
		return "attachment"
	}
	return cleaned
}
