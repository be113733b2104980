// Package main provides the Monument CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	monument "github.com/monument-sim/monument"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		serveCmd(args)
	case "create":
		createCmd(args)
	case "export":
		exportCmd(args)
	case "reset":
		resetCmd(args)
	case "version":
		fmt.Printf("monument %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Monument - Multi-Agent Grid Simulation Server

Usage:
  monument <command> [options]

Commands:
  serve     Start the HTTP and WebSocket API server
  create    Create a namespace from a world YAML file
  export    Dump a namespace as a JSON bundle
  reset     Delete a namespace and all its data
  version   Print version information
  help      Show this help message

Examples:
  monument serve --addr :8080
  monument create world.yaml
  monument export canvas-1 -o canvas-1.json
  monument reset canvas-1 --yes

Run 'monument <command> --help' for more information on a command.`)
}

// loadConfig reads the .env file if present and builds the engine config
// from the environment.
func loadConfig() monument.Config {
	_ = godotenv.Load()
	return monument.ConfigFromEnv()
}

// newLogger builds the slog logger every command shares. Verbose switches
// the level to debug.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
