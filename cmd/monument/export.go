package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	monument "github.com/monument-sim/monument"
)

// exportCmd dumps a namespace as a JSON bundle.
func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (overrides DATA_DIR)")
	out := fs.String("o", "", "Output file (default stdout)")
	tick := fs.Int64("tick", 0, "Export the reconstructed state at one tick instead of the full bundle")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Println(`Usage: monument export <namespace> [options]

Dump a namespace as JSON: the full bundle (world, journal, audit trail,
tile history, chat, scoring rounds), or with --tick the grid and actor
positions reconstructed as of that tick.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  monument export canvas-1
  monument export canvas-1 -o canvas-1.json
  monument export canvas-1 --tick 40`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: no namespace specified")
		fs.Usage()
		os.Exit(1)
	}

	namespace := fs.Arg(0)
	cfg := loadConfig()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	registry := monument.NewRegistry(cfg, newLogger(*verbose), nil)
	defer registry.Shutdown()

	eng, err := registry.Get(namespace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var payload any
	if *tick > 0 {
		payload, err = monument.BuildStateAt(eng, *tick)
	} else {
		payload, err = monument.BuildExport(eng)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding export: %v\n", err)
		os.Exit(1)
	}
	data = append(data, '\n')

	if *out == "" {
		os.Stdout.Write(data)
		return
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("Exported %s to %s (%d bytes)\n", namespace, *out, len(data))
}
