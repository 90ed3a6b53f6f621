package cef

import (
	"testing"
)

func TestUnescape(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`plain`, "plain"},
		{`a\=b`, "a=b"},
		{`a\|b`, "a|b"},
		{`a\\b`, `a\b`},
		{`a\nb`, "a\nb"},
		{`a\rb`, "a\rb"},
		{`a\tb`, "a\tb"},
		{`a\xb`, "axb"},
		{`\\n`, `\n`},
		{`end\`, `end\`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Unescape(tt.input); got != tt.want {
				t.Errorf("Unescape(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEscapeExtension_RoundTrip(t *testing.T) {
	values := []string{
		`back\slash`,
		"equals=sign",
		"pipe|char",
		"some spaces here",
		"new\nline",
		"tab\tand\rreturn",
		`all \ = | of` + "\n" + "them",
		"",
	}

	for _, v := range values {
		t.Run(v, func(t *testing.T) {
			if got := Unescape(EscapeExtension(v)); got != v {
				t.Errorf("Unescape(EscapeExtension(%q)) = %q", v, got)
			}
			if got := Unescape(EscapeHeader(v)); got != v {
				t.Errorf("Unescape(EscapeHeader(%q)) = %q", v, got)
			}
		})
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	event := &Event{
		Extensions: Extensions{
			{Key: "src", Value: "10.0.0.1"},
			{Key: "msg", Value: `blocked a = with | and \ and` + "\nnewline"},
			{Key: "act", Value: "two words"},
			{Key: "empty", Value: ""},
		},
	}
	for i, v := range []string{"0", "Vendor|Inc", `Pro\duct`, "1.0", "100", "line\nbreak", "10"} {
		event.setHeader(i, v)
	}

	line := Format(event)
	parsed := Parse(line)

	if got, want := parsed.HeaderValues(), event.HeaderValues(); len(got) != len(want) {
		t.Fatalf("HeaderValues() = %q, want %q (line %q)", got, want, line)
	} else {
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("header[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	}

	if len(parsed.Extensions) != len(event.Extensions) {
		t.Fatalf("Extensions = %q, want %q (line %q)", parsed.Extensions, event.Extensions, line)
	}
	for i, want := range event.Extensions {
		if parsed.Extensions[i] != want {
			t.Errorf("Extensions[%d] = %q, want %q", i, parsed.Extensions[i], want)
		}
	}
}

func TestFormat_Version(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"", "CEF:0|||||||"},
		{"1", "CEF:1|||||||"},
		{"x", "CEF:0|||||||"},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			if got := Format(&Event{Version: tt.version}); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}
