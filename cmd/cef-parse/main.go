// Package main provides a CLI that parses CEF lines into JSON.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"cef-viewer/internal/ingest"
	"cef-viewer/internal/ingest/cef"
)

var version = "dev"

// options are the parsed command line flags.
type options struct {
	labels      bool
	sorted      bool
	annotate    bool
	skipInvalid bool
	pretty      bool
	dictPaths   []string
	maxLine     int
}

// result is one output object. File is set when reading named files.
type result struct {
	File string `json:"file,omitempty"`
	ingest.ParsedLine
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cef-parse", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		opts        options
		dicts       string
		showVersion bool
	)
	fs.BoolVar(&opts.labels, "labels", false, "Include the label map of each line")
	fs.BoolVar(&opts.sorted, "sorted", false, "Sort extensions by key")
	fs.BoolVar(&opts.annotate, "annotate", false, "Annotate extensions from the dictionary")
	fs.StringVar(&dicts, "dict", "", "Comma-separated dictionary files merged over the built-in one (implies -annotate)")
	fs.BoolVar(&opts.skipInvalid, "skip-invalid", false, "Omit lines that are not complete CEF")
	fs.BoolVar(&opts.pretty, "pretty", false, "Indent JSON output")
	fs.IntVar(&opts.maxLine, "max-line", cef.DefaultParserConfig().MaxLineLength, "Truncate longer lines before parsing (0 = no limit)")
	fs.BoolVar(&showVersion, "version", false, "Show version and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: cef-parse [flags] [file...]\n\n")
		fmt.Fprintf(stderr, "Reads CEF lines from the files, or stdin, and writes one JSON object per line.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintf(stdout, "cef-parse %s\n", version)
		return 0
	}

	dict := cef.DefaultDictionary()
	if dicts != "" {
		for _, p := range strings.Split(dicts, ",") {
			if p = strings.TrimSpace(p); p != "" {
				opts.dictPaths = append(opts.dictPaths, p)
			}
		}
		var err error
		if dict, err = cef.LoadDictionaries(opts.dictPaths...); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		opts.annotate = true
	}

	parser := cef.NewParser(cef.ParserConfig{
		MaxLineLength: opts.maxLine,
		TrimNewline:   true,
	})

	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	if opts.pretty {
		enc.SetIndent("", "  ")
	}

	files := fs.Args()
	if len(files) == 0 {
		if err := parseStream(stdin, "", parser, dict, opts, enc); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	code := 0
	for _, path := range files {
		if err := parseFile(path, parser, dict, opts, enc); err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			code = 1
		}
	}
	return code
}

func parseFile(path string, parser *cef.Parser, dict *cef.Dictionary, opts options, enc *json.Encoder) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return parseStream(f, path, parser, dict, opts, enc)
}

// parseStream writes one result per non-blank input line. Line numbers start at 1.
func parseStream(r io.Reader, name string, parser *cef.Parser, dict *cef.Dictionary, opts options, enc *json.Encoder) error {
	br := bufio.NewReaderSize(r, 64*1024)

	for n := 1; ; n++ {
		line, err := readLine(br, opts.maxLine)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		event := parser.Parse(line)
		if opts.skipInvalid && !event.Complete() {
			continue
		}
		if opts.sorted {
			event.Extensions = event.SortedExtensions()
		}

		out := result{
			File: name,
			ParsedLine: ingest.ParsedLine{
				Line:   n,
				Status: ingest.ParseStatus(event),
				Event:  event,
			},
		}
		if opts.labels {
			out.Labels = event.ByLabel()
		}
		if opts.annotate {
			out.Fields = ingest.Annotate(dict, event.Extensions)
		}

		if err := enc.Encode(out); err != nil {
			return err
		}
	}
}

// readLine returns the next line without its line ending. When limit is
// positive only the first limit bytes are kept and the rest of the line is
// read and dropped, so one huge line never stops the stream. It returns
// io.EOF once the input is exhausted.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var (
		buf  []byte
		read bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		read = read || len(chunk) > 0
		if room := limit - len(buf); limit <= 0 || room > 0 {
			if limit > 0 && len(chunk) > room {
				chunk = chunk[:room]
			}
			buf = append(buf, chunk...)
		}

		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF && read:
		case err != nil:
			return "", err
		}
		line := strings.TrimSuffix(string(buf), "\n")
		return strings.TrimSuffix(line, "\r"), nil
	}
}
