package cef

import (
	"regexp"
	"strings"
)

// escapePattern matches a backslash and the single character it escapes.
// It is the same two-character unit the scanner skips over.
var escapePattern = regexp.MustCompile(`(?s)\\(.)`)

// escapeSequences maps escaped characters that do not stand for themselves.
var escapeSequences = map[string]string{
	"n": "\n",
	"r": "\r",
	"t": "\t",
}

// Unescape resolves CEF backslash escapes. \n, \r and \t become control
// characters; any other escaped character stands for itself, so \\, \= and \|
// yield a backslash, '=' and '|'. A trailing lone backslash is kept.
func Unescape(s string) string {
	return escapePattern.ReplaceAllStringFunc(s, func(m string) string {
		c := m[1:]
		if r, ok := escapeSequences[c]; ok {
			return r
		}
		return c
	})
}

var (
	headerEscaper = strings.NewReplacer(
		`\`, `\\`,
		`|`, `\|`,
		"\n", `\n`,
		"\r", `\r`,
	)
	extensionEscaper = strings.NewReplacer(
		`\`, `\\`,
		`=`, `\=`,
		`|`, `\|`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
)

// EscapeHeader escapes a value for use as a header field.
func EscapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

// EscapeExtension escapes a value for use as an extension value.
func EscapeExtension(s string) string {
	return extensionEscaper.Replace(s)
}

// Format renders an event as a CEF line. Header fields that were not found
// are written empty, and a missing or non-numeric version is written as 0.
// Keys are written verbatim, so keys containing spaces or '=' do not survive
// a round trip through Parse.
func Format(e *Event) string {
	var b strings.Builder

	version := e.Version
	if version == "" || version[0] < '0' || version[0] > '9' {
		version = "0"
	}
	b.WriteString(marker)
	b.WriteString(EscapeHeader(version))

	for i := 1; i < HeaderFieldCount; i++ {
		b.WriteByte('|')
		b.WriteString(EscapeHeader(*e.headerField(i)))
	}
	b.WriteByte('|')

	for i, ext := range e.Extensions {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(ext.Key)
		b.WriteByte('=')
		b.WriteString(EscapeExtension(ext.Value))
	}

	return b.String()
}
