package cef

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		message    string
		header     []string
		extensions Extensions
	}{
		{
			name:    "simple line",
			message: "CEF:0|V|P|PV|S|N|SEV|k1=v1 k2=v2",
			header:  []string{"0", "V", "P", "PV", "S", "N", "SEV"},
			extensions: Extensions{
				{Key: "k1", Value: "v1"},
				{Key: "k2", Value: "v2"},
			},
		},
		{
			name:    "escaped equals in value",
			message: `CEF:0|security|threatmanager|1.0|100|detected an equal sign ("=") in extension value|10|src=10.0.0.1 act=blocked a equal \= dst=1.1.1.1`,
			header:  []string{"0", "security", "threatmanager", "1.0", "100", `detected an equal sign ("=") in extension value`, "10"},
			extensions: Extensions{
				{Key: "src", Value: "10.0.0.1"},
				{Key: "act", Value: "blocked a equal ="},
				{Key: "dst", Value: "1.1.1.1"},
			},
		},
		{
			name:    "value with spaces",
			message: "CEF:0|V|P|1|s|n|5|act=blocked an equal sign dst=1.1.1.1",
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "act", Value: "blocked an equal sign"},
				{Key: "dst", Value: "1.1.1.1"},
			},
		},
		{
			name:    "escaped pipe in header",
			message: `CEF:0|V|P\|Q|1|s|n|5|msg=x`,
			header:  []string{"0", "V", "P|Q", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "msg", Value: "x"},
			},
		},
		{
			name:    "escaped backslash in header",
			message: `CEF:0|V|C:\\dir|1|s|n|5|`,
			header:  []string{"0", "V", `C:\dir`, "1", "s", "n", "5"},
		},
		{
			name:    "escaped newline in value",
			message: `CEF:0|V|P|1|s|n|5|msg=line1\nline2 cnt=2`,
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "msg", Value: "line1\nline2"},
				{Key: "cnt", Value: "2"},
			},
		},
		{
			name:    "unescaped equals without boundary",
			message: "CEF:0|V|P|1|s|n|5|a=b=c d=e",
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "a", Value: "b=c"},
				{Key: "d", Value: "e"},
			},
		},
		{
			name:    "empty key is kept",
			message: "CEF:0|V|P|1|s|n|5|a=1 =2",
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "a", Value: "1"},
				{Key: "", Value: "2"},
			},
		},
		{
			name:    "empty value",
			message: "CEF:0|V|P|1|s|n|5|a= b=2",
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "a", Value: ""},
				{Key: "b", Value: "2"},
			},
		},
		{
			name:    "duplicate keys kept in order",
			message: "CEF:0|V|P|1|s|n|5|a=1 a=2",
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "a", Value: "1"},
				{Key: "a", Value: "2"},
			},
		},
		{
			name:    "syslog prefix",
			message: "<134>Mar 14 10:20:30 fw01 CEF:1|V|P|1|s|n|5|src=10.0.0.1",
			header:  []string{"1", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "src", Value: "10.0.0.1"},
			},
		},
		{
			name:    "marker without digit is skipped",
			message: "CEF:x CEF:0|V|P|1|s|n|5|a=1",
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "a", Value: "1"},
			},
		},
		{
			name:    "empty header fields",
			message: "CEF:0|||||||",
			header:  []string{"0", "", "", "", "", "", ""},
		},
		{
			name:    "no extensions",
			message: "CEF:0|V|P|1|s|n|5|",
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
		},
		{
			name:    "text before first key is dropped",
			message: "CEF:0|V|P|1|s|n|5|junk src=1",
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "src", Value: "1"},
			},
		},
		{
			name:    "extension without equals",
			message: "CEF:0|V|P|1|s|n|5|just some text",
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
		},
		{
			name:    "multibyte values",
			message: "CEF:0|Vendör|P|1|s|ñame|5|msg=héllo wörld user=日本",
			header:  []string{"0", "Vendör", "P", "1", "s", "ñame", "5"},
			extensions: Extensions{
				{Key: "msg", Value: "héllo wörld"},
				{Key: "user", Value: "日本"},
			},
		},
		{
			name:    "trailing lone backslash",
			message: `CEF:0|V|P|1|s|n|5|path=C:\`,
			header:  []string{"0", "V", "P", "1", "s", "n", "5"},
			extensions: Extensions{
				{Key: "path", Value: `C:\`},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := Parse(tt.message)

			if got := event.HeaderValues(); !reflect.DeepEqual(got, tt.header) {
				t.Errorf("HeaderValues() = %q, want %q", got, tt.header)
			}
			if len(event.Extensions) != len(tt.extensions) {
				t.Fatalf("Extensions = %q, want %q", event.Extensions, tt.extensions)
			}
			for i, want := range tt.extensions {
				if event.Extensions[i] != want {
					t.Errorf("Extensions[%d] = %q, want %q", i, event.Extensions[i], want)
				}
			}
		})
	}
}

func TestParse_NoMarker(t *testing.T) {
	for _, message := range []string{"", "hello world", "CEF:", "CEF:x|V|P", "cef:0|V|P|1|s|n|5|"} {
		t.Run(message, func(t *testing.T) {
			event := Parse(message)
			if event.IsCEF() {
				t.Errorf("IsCEF() = true for %q", message)
			}
			if event.HeaderCount() != 0 || len(event.Extensions) != 0 {
				t.Errorf("got %d fields and %d extensions, want none", event.HeaderCount(), len(event.Extensions))
			}
			if !errors.Is(event.Err(), ErrNotCEF) {
				t.Errorf("Err() = %v, want ErrNotCEF", event.Err())
			}
		})
	}
}

func TestParse_TruncatedHeader(t *testing.T) {
	tests := []struct {
		name    string
		message string
		header  []string
	}{
		{"four fields", "CEF:0|V|P|PV", []string{"0", "V", "P", "PV"}},
		{"marker only", "CEF:0", []string{"0"}},
		{"trailing separator", "CEF:0|a|b|", []string{"0", "a", "b"}},
		{"escaped partial", `CEF:0|V|P\|Q`, []string{"0", "V", "P|Q"}},
		{"extensions are not read", "CEF:0|V|P|PV|S|N src=1", []string{"0", "V", "P", "PV", "S", "N src=1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := Parse(tt.message)
			if got := event.HeaderValues(); !reflect.DeepEqual(got, tt.header) {
				t.Errorf("HeaderValues() = %q, want %q", got, tt.header)
			}
			if event.Complete() {
				t.Error("Complete() = true, want false")
			}
			if len(event.Extensions) != 0 {
				t.Errorf("Extensions = %q, want none", event.Extensions)
			}
			if !errors.Is(event.Err(), ErrTruncatedHeader) {
				t.Errorf("Err() = %v, want ErrTruncatedHeader", event.Err())
			}
		})
	}
}

func TestParse_DoesNotAliasInput(t *testing.T) {
	buf := []byte("CEF:0|V|P|1|s|n|5|k=v")
	event := Parse(string(buf))
	for i := range buf {
		buf[i] = 'x'
	}
	if event.DeviceVendor != "V" || event.Extensions[0].Value != "v" {
		t.Errorf("parsed values changed with input: %+v", event)
	}
}

func TestParser_Parse(t *testing.T) {
	parser := NewParser(DefaultParserConfig())

	event := parser.Parse("CEF:0|V|P|1|s|n|5|msg=hello\r\n")
	if got, _ := event.Extensions.Get("msg"); got != "hello" {
		t.Errorf("msg = %q, want hello", got)
	}
}

func TestParser_MaxExtensions(t *testing.T) {
	parser := NewParser(ParserConfig{MaxExtensions: 2})

	event := parser.Parse("CEF:0|V|P|1|s|n|5|a=1 b=2 c=3 d=4")
	if len(event.Extensions) != 2 {
		t.Fatalf("len(Extensions) = %d, want 2", len(event.Extensions))
	}
	if event.Extensions[1].Key != "b" {
		t.Errorf("Extensions[1].Key = %q, want b", event.Extensions[1].Key)
	}
}

func TestParser_MaxLineLength(t *testing.T) {
	parser := NewParser(ParserConfig{MaxLineLength: 12})

	event := parser.Parse("CEF:0|V|P|1|s|n|5|a=1")
	if got := event.HeaderValues(); !reflect.DeepEqual(got, []string{"0", "V", "P", "1"}) {
		t.Errorf("HeaderValues() = %q", got)
	}
}

func TestParse_Concurrent(t *testing.T) {
	message := "CEF:0|V|P|1|s|n|5|src=10.0.0.1 act=blocked a equal \\= dst=1.1.1.1"
	done := make(chan *Event)
	for i := 0; i < 8; i++ {
		go func() { done <- Parse(message) }()
	}
	for i := 0; i < 8; i++ {
		if v, _ := (<-done).Extensions.Get("act"); v != "blocked a equal =" {
			t.Errorf("act = %q", v)
		}
	}
}

func TestParse_LinearInLength(t *testing.T) {
	// A long value of escapes and spaces must still resolve to one pair.
	value := strings.Repeat(`a \= `, 10000)
	event := Parse("CEF:0|V|P|1|s|n|5|k=" + value)
	if len(event.Extensions) != 1 {
		t.Fatalf("len(Extensions) = %d, want 1", len(event.Extensions))
	}
	if want := strings.Repeat("a = ", 10000); event.Extensions[0].Value != want {
		t.Errorf("value mismatch, got %d bytes want %d", len(event.Extensions[0].Value), len(want))
	}
}

func BenchmarkParse(b *testing.B) {
	message := "CEF:0|Security|threatmanager|1.0|100|worm successfully stopped|10|src=10.0.0.1 dst=2.1.2.2 spt=1232 act=blocked a equal \\= cs1=acme cs1Label=SourceOrg"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Parse(message)
	}
}
