package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	monument "github.com/monument-sim/monument"
)

// resetCmd deletes a namespace and all its data.
func resetCmd(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (overrides DATA_DIR)")
	yes := fs.Bool("yes", false, "Skip confirmation prompt")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Println(`Usage: monument reset <namespace> [options]

Delete a namespace: its grid, actors, journal, audit trail, tile history,
chat and scoring rounds. The namespace is gone afterwards; recreate it
with 'monument create'.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  monument reset canvas-1
  monument reset canvas-1 --yes`)
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

	// Show what is about to go.
	eng, err := registry.Get(namespace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	st := eng.Status()
	fmt.Printf("Namespace %s: supertick %d, %d actors, %dx%d grid\n",
		st.Namespace, st.Supertick, st.Actors, st.Width, st.Height)
	fmt.Printf("Database: %s\n", monument.StorePath(cfg.DataDir, namespace))
	fmt.Println()

	if !*yes {
		fmt.Printf("Delete namespace %q and all its data? [y/N] ", namespace)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Scan()
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	if err := registry.Reset(namespace); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Reset complete: %s\n", namespace)
}
