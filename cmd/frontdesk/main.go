// ABOUTME: Entry point for the frontdesk support-routing server
// ABOUTME: Dispatches serve, init, grant, token, report and health subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __                 _      _           _
 / _|_ __ ___  _ __ | |_ __| | ___  ___| | __
| |_| '__/ _ \| '_ \| __/ _' |/ _ \/ __| |/ /
|  _| | | (_) | | | | || (_| |  __/\__ \   <
|_| |_|  \___/|_| |_|\__\__,_|\___||___/_|\_\
`

// getDataPath returns the path to the frontdesk data directory.
// Priority: XDG_DATA_HOME/frontdesk > ~/.local/share/frontdesk
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "frontdesk")
}

func usage() {
	fmt.Println("Usage: frontdesk <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                Start the backend server")
	fmt.Println("  init                                 Create a new config file interactively")
	fmt.Println("  grant --channel C --key K            Make a person an agent with full permissions")
	fmt.Println("  token service NAME | agent ID        Mint an API bearer token")
	fmt.Println("  report [--since 168h]                Print agent and conversation statistics")
	fmt.Println("  health [--ready]                     Check server health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "grant":
		err = runGrant(ctx, args)
	case "token":
		err = runToken(args)
	case "report":
		err = runReport(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
