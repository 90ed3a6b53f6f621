// Package main provides the interactive CEF viewer.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"cef-viewer/internal/ingest/cef"
	"cef-viewer/internal/tui"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
		dictPaths   string
		line        string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "cef-ingest server URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "cef-ingest server URL (shorthand)")
	flag.StringVar(&dictPaths, "dict", "", "Comma-separated dictionary files merged over the built-in one")
	flag.StringVar(&line, "line", "", "Initial line in the inspect view")
	flag.Parse()

	if showVersion {
		fmt.Printf("cef-viewer %s\n", version)
		os.Exit(0)
	}

	var paths []string
	for _, p := range strings.Split(dictPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	dict, err := cef.LoadDictionaries(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// A line given as the only argument works too
	if line == "" && flag.NArg() > 0 {
		line = strings.Join(flag.Args(), " ")
	}

	err = tui.Run(tui.Options{
		Server:     serverURL,
		APIKey:     os.Getenv("CEF_API_KEY"),
		Dictionary: dict,
		Line:       line,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
