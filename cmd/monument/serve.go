package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/monument-sim/monument/serve"
)

// serveCmd starts the HTTP and WebSocket API server.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "HTTP listen address")
	dataDir := fs.String("data", "", "Data directory (overrides DATA_DIR)")
	adminToken := fs.String("admin-token", "", "Admin API token (overrides ADMIN_TOKEN)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Println(`Usage: monument serve [options]

Start the simulation server. Every namespace under the data directory is
served lazily on first request; use 'monument create' or the admin API to
add new ones.

Configuration is read from the environment (and a .env file if present);
flags override it.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  monument serve
  monument serve --addr :8080
  monument serve --data /var/lib/monument --admin-token s3cret`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *adminToken != "" {
		cfg.AdminToken = *adminToken
	}

	logger := newLogger(*verbose)

	srv := serve.New(serve.Config{
		Addr: *addr,
		Sim:  cfg,
	}, logger)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
