// ABOUTME: Entry point for the frontdesk Matrix adapter
// ABOUTME: Connects customer DMs and agent rooms on Matrix to the frontdesk backend

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

const banner = `
    ╭────────────────────────────────────╮
    │                                    │
    │   frontdesk  ·  matrix adapter     │
    │                                    │
    ╰────────────────────────────────────╯
`

// getConfigPath returns the path to the matrix adapter config file.
// Priority: FRONTDESK_MATRIX_CONFIG env var > XDG_CONFIG_HOME/frontdesk/matrix.toml > ~/.config/frontdesk/matrix.toml
func getConfigPath() string {
	if envPath := os.Getenv("FRONTDESK_MATRIX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "matrix.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "frontdesk", "matrix.toml")
}

// getDataPath returns the directory for the device ID and crypto store.
// Priority: XDG_DATA_HOME/frontdesk-matrix > ~/.local/share/frontdesk-matrix
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "frontdesk-matrix")
}

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "init" {
		err = runInit()
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	dataPath := getDataPath()

	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Username:   %s\n", cfg.Matrix.Username)
	green.Print("    ▶ ")
	fmt.Printf("Backend:    %s\n", cfg.Backend.URL)
	if cfg.Bridge.QueueRoom != "" {
		green.Print("    ▶ ")
		fmt.Printf("Queue room: %s\n", cfg.Bridge.QueueRoom)
	}
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bridge, err := NewBridge(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// Login must precede crypto setup: the crypto store is keyed by device.
	if err := bridge.Login(ctx, dataPath); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.RecoveryKey != "" {
		helper, err := setupCrypto(ctx, bridge.matrix, cfg.Matrix.RecoveryKey, dataPath, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer helper.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	return bridge.Run(ctx)
}

func setupLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// configTemplate renders the file written by init.
func configTemplate(homeserver, username, password, recoveryKey, backendURL, token, queueRoom string) string {
	var sb strings.Builder
	sb.WriteString("# frontdesk-matrix configuration\n\n")
	sb.WriteString("[matrix]\n")
	fmt.Fprintf(&sb, "homeserver = %q\n", homeserver)
	fmt.Fprintf(&sb, "username = %q\n", username)
	fmt.Fprintf(&sb, "password = %q\n", password)
	if recoveryKey != "" {
		fmt.Fprintf(&sb, "recovery_key = %q\n", recoveryKey)
	}
	sb.WriteString("\n[backend]\n")
	fmt.Fprintf(&sb, "url = %q\n", backendURL)
	fmt.Fprintf(&sb, "token = %q\n", token)
	sb.WriteString("\n[bridge]\n")
	fmt.Fprintf(&sb, "queue_room = %q\n", queueRoom)
	sb.WriteString("command_prefix = \"!\"\n")
	sb.WriteString("typing_indicator = true\n")
	sb.WriteString("auto_join = true\n")
	sb.WriteString("dedupe_ttl = \"10m\"\n")
	sb.WriteString("\n[logging]\n")
	sb.WriteString("level = \"info\"\n")
	return sb.String()
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("frontdesk-matrix configuration setup")
	fmt.Println("====================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		answer := strings.ToLower(prompt(reader, "File exists. Overwrite?", "no"))
		if answer != "yes" && answer != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Matrix ---")
	homeserver := prompt(reader, "Homeserver URL", "https://matrix.org")
	username := prompt(reader, "Bot username", "")
	password := prompt(reader, "Bot password (or ${MATRIX_PASSWORD})", "${MATRIX_PASSWORD}")
	recoveryKey := prompt(reader, "Recovery key (optional, for E2EE)", "")

	fmt.Println("\n--- Backend ---")
	backendURL := prompt(reader, "frontdesk URL", "http://127.0.0.1:8080")
	token := prompt(reader, "Service token (frontdesk token service matrix)", "${FRONTDESK_TOKEN}")

	fmt.Println("\n--- Bridge ---")
	queueRoom := prompt(reader, "Queue room ID for new conversation alerts (optional)", "")

	content := configTemplate(homeserver, username, password, recoveryKey, backendURL, token, queueRoom)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the adapter:")
	fmt.Println("  frontdesk-matrix")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
