// Package cef provides Common Event Format (CEF) parsing.
//
// Parse never fails: a line without a CEF marker yields an empty Event, a
// line that ends inside the header yields the fields found so far (including
// the partially read last field) and no extensions. Callers that need an
// error use Event.Err.
package cef

import (
	"strings"
)

// marker is the literal that precedes the version digit.
const marker = "CEF:"

// tokenizerState tracks progress through the extension region.
type tokenizerState int

const (
	stateSeekingFirstEq tokenizerState = iota
	stateAccumulatingPairs
	stateDone
)

// Parse parses a single CEF line. It holds no state between calls and is safe
// for concurrent use. Returned strings never alias line.
func Parse(line string) *Event {
	event := &Event{}

	start := findMarker(line)
	if start < 0 {
		return event
	}

	pos := scanHeader(line, start+len(marker), event)
	if !event.Complete() {
		return event
	}

	event.Extensions = tokenizeExtensions(line, pos)
	return event
}

// findMarker returns the index of the first "CEF:" followed by an ASCII digit,
// or -1.
func findMarker(line string) int {
	offset := 0
	for {
		i := strings.Index(line[offset:], marker)
		if i < 0 {
			return -1
		}
		i += offset
		if d := i + len(marker); d < len(line) && line[d] >= '0' && line[d] <= '9' {
			return i
		}
		offset = i + 1
	}
}

// scanHeader splits the pipe-delimited header starting at pos. It returns the
// index just past the seventh separator, which is only meaningful when the
// header is complete.
func scanHeader(line string, pos int, event *Event) int {
	field := 0
	start := pos
	quoted := false

	for pos < len(line) {
		switch line[pos] {
		case '|':
			event.setHeader(field, resolve(line[start:pos], quoted))
			quoted = false
			field++
			pos++
			start = pos
			if field == HeaderFieldCount {
				return pos
			}
		case '\\':
			// The escaped character is never inspected.
			quoted = true
			pos += 2
		default:
			pos++
		}
	}

	// Line ended inside the header: keep the field being read, if any.
	if start < len(line) {
		event.setHeader(field, resolve(line[start:], quoted))
	}
	return len(line)
}

// tokenizeExtensions splits the extension region into key/value pairs.
//
// Values may contain unescaped spaces, so a space only marks a candidate pair
// boundary. The boundary is confirmed when the next unescaped '=' arrives:
// the text between the last boundary and that '=' is the next key, and
// everything before the boundary belongs to the previous value. An '=' seen
// with no boundary since the previous one is part of the current value.
func tokenizeExtensions(line string, pos int) Extensions {
	var (
		exts       Extensions
		state      = stateSeekingFirstEq
		pairStart  = pos
		valueStart = pos
		key        string
		quoted     bool
	)

	for state != stateDone {
		if pos >= len(line) {
			if state == stateAccumulatingPairs {
				exts = append(exts, Extension{
					Key:   key,
					Value: resolve(line[min(valueStart, len(line)):], quoted),
				})
			}
			state = stateDone
			continue
		}

		switch line[pos] {
		case ' ':
			pos++
			pairStart = pos
		case '=':
			if state == stateAccumulatingPairs {
				if pairStart <= valueStart {
					// No boundary since the last key: literal '=' in the value.
					pos++
					continue
				}
				exts = append(exts, Extension{
					Key:   key,
					Value: resolve(line[valueStart:pairStart-1], quoted),
				})
				quoted = false
			}
			state = stateAccumulatingPairs
			key = strings.Clone(line[pairStart:pos])
			pos++
			valueStart = pos
		case '\\':
			quoted = true
			pos += 2
		default:
			pos++
		}
	}

	return exts
}

// resolve returns an owned copy of s, unescaped when the scanner saw a
// backslash inside it.
func resolve(s string, quoted bool) string {
	if !quoted {
		return strings.Clone(s)
	}
	return strings.Clone(Unescape(s))
}

// ParserConfig holds configuration for the CEF parser.
type ParserConfig struct {
	// MaxExtensions caps the number of extension pairs kept; 0 means no limit.
	MaxExtensions int
	// MaxLineLength truncates longer input before parsing; 0 means no limit.
	MaxLineLength int
	// TrimNewline strips trailing CR and LF characters before parsing.
	TrimNewline bool
}

// DefaultParserConfig returns the default parser configuration.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{
		MaxExtensions: 0,
		MaxLineLength: 65535,
		TrimNewline:   true,
	}
}

// Parser applies transport-level limits around Parse.
type Parser struct {
	config ParserConfig
}

// NewParser creates a new CEF parser with the given configuration.
func NewParser(cfg ParserConfig) *Parser {
	return &Parser{config: cfg}
}

// Parse trims and clamps the line according to the configuration, then parses it.
func (p *Parser) Parse(line string) *Event {
	if p.config.TrimNewline {
		line = strings.TrimRight(line, "\r\n")
	}
	if p.config.MaxLineLength > 0 && len(line) > p.config.MaxLineLength {
		line = line[:p.config.MaxLineLength]
	}

	event := Parse(line)
	if p.config.MaxExtensions > 0 && len(event.Extensions) > p.config.MaxExtensions {
		event.Extensions = event.Extensions[:p.config.MaxExtensions:p.config.MaxExtensions]
	}
	return event
}
