package svc

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"securepad/svc/util"
)

const maxFileNameLen = 255

// sanitizeContent normalizes note text to NFC and drops invalid UTF-8 and
// control characters other than line breaks and tabs.
func sanitizeContent(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = norm.NFC.String(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// sanitizeFileName keeps only the base name, without control characters,
// bounded in length.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, norm.NFC.String(strings.ToValidUTF8(name, "")))
	name = strings.TrimSpace(name)
	if name == "." || name == "/" {
		return ""
	}
	return util.Truncate(name, maxFileNameLen)
}
