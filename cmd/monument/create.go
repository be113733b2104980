package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	monument "github.com/monument-sim/monument"
)

// createCmd seeds a new namespace from a world YAML file.
func createCmd(args []string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	dataDir := fs.String("data", "", "Data directory (overrides DATA_DIR)")
	secretsOut := fs.String("secrets", "", "Write actor secrets to a JSON file instead of stdout")
	force := fs.Bool("force", false, "Delete the namespace first if it already exists")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Println(`Usage: monument create <world.yaml> [options]

Create a namespace from a world YAML file: grid size, goal, starting tiles
and the actor roster. Actors without a secret in the file get a generated
one, printed exactly once.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  monument create world.yaml
  monument create world.yaml --secrets secrets.json
  monument create world.yaml --force`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: no world YAML file specified")
		fs.Usage()
		os.Exit(1)
	}

	file := fs.Arg(0)
	spec, err := monument.LoadCreateSpec(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing %s: %v\n", file, err)
		os.Exit(1)
	}
	if spec.Width != 0 && (spec.Width < 8 || spec.Width > 256) {
		fmt.Fprintf(os.Stderr, "Error: width must be between 8 and 256, got %d\n", spec.Width)
		os.Exit(1)
	}
	if spec.Height != 0 && (spec.Height < 8 || spec.Height > 256) {
		fmt.Fprintf(os.Stderr, "Error: height must be between 8 and 256, got %d\n", spec.Height)
		os.Exit(1)
	}

	cfg := loadConfig()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	registry := monument.NewRegistry(cfg, newLogger(*verbose), nil)
	defer registry.Shutdown()

	if *force {
		if err := registry.Reset(spec.Namespace); err != nil && !errors.Is(err, monument.ErrUnknownNamespace) {
			fmt.Fprintf(os.Stderr, "Error resetting %s: %v\n", spec.Namespace, err)
			os.Exit(1)
		}
	}

	eng, err := registry.Create(context.Background(), spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	st := eng.Status()
	fmt.Printf("Created namespace %s: %dx%d grid, %d actors\n",
		st.Namespace, st.Width, st.Height, st.Actors)
	if spec.Goal != "" {
		fmt.Printf("Goal: %s\n", spec.Goal)
	}
	fmt.Printf("Database: %s\n", monument.StorePath(cfg.DataDir, spec.Namespace))

	// BuildWorld wrote generated secrets back into the spec; this is the
	// only place they leave the process.
	secrets := make(map[string]string, len(spec.Actors))
	for _, a := range spec.Actors {
		secrets[a.ID] = a.Secret
	}

	if *secretsOut != "" {
		data, err := json.MarshalIndent(secrets, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding secrets: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*secretsOut, append(data, '\n'), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *secretsOut, err)
			os.Exit(1)
		}
		fmt.Printf("Secrets written to %s\n", *secretsOut)
		return
	}

	if len(spec.Actors) > 0 {
		fmt.Println()
		fmt.Println("Actor secrets (store these now; they are not shown again):")
		for _, a := range spec.Actors {
			fmt.Printf("  %-20s %s\n", a.ID, a.Secret)
		}
	}
}
