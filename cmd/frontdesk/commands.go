// ABOUTME: Operator subcommands: init, grant, token, report and health
// ABOUTME: Each loads the config file and talks to the store or the running server

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/frontdesk/internal/analytics"
	"github.com/2389/frontdesk/internal/auth"
	"github.com/2389/frontdesk/internal/client"
	"github.com/2389/frontdesk/internal/config"
	"github.com/2389/frontdesk/internal/identity"
	"github.com/2389/frontdesk/internal/store"
)

// defaultTokenTTL is the lifetime of minted tokens: 30 days.
const defaultTokenTTL = 30 * 24 * time.Hour

// parseFlags parses args and reports whether help was requested.
func parseFlags(fs *pflag.FlagSet, args []string) (help bool, err error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fs.SetOutput(os.Stderr)
			fs.PrintDefaults()
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("frontdesk configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "frontdesk.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Authentication ---")
	secret := ""
	if yes(prompt(reader, "Generate a JWT secret now? (no keeps ${FRONTDESK_JWT_SECRET})", "yes")) {
		var err error
		if secret, err = generateSecret(); err != nil {
			return err
		}
	}

	content := config.Template(dbPath, secret)
	// Without a secret the file depends on the environment at serve time.
	if secret != "" {
		if _, err := config.Parse([]byte(content)); err != nil {
			return fmt.Errorf("generated config is invalid: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  frontdesk grant --channel matrix --key @you:example.org --name You")
	fmt.Println("  frontdesk token service matrix-bridge")
	fmt.Println("  frontdesk serve")

	return nil
}

// runGrant makes a channel identity an agent with every permission and
// prints an agent token. This is how the first agent is created.
func runGrant(ctx context.Context, args []string) error {
	var channel, key, name string
	fs := pflag.NewFlagSet("grant", pflag.ContinueOnError)
	fs.StringVar(&channel, "channel", "", "channel of the identity (e.g. matrix)")
	fs.StringVar(&key, "key", "", "channel key of the identity (e.g. @alice:example.org)")
	fs.StringVarP(&name, "name", "n", "", "display name")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if channel == "" || key == "" {
		return errors.New("--channel and --key are required")
	}
	name = strings.TrimSpace(name)
	if len(name) > 100 {
		return errors.New("display name exceeds maximum length of 100 characters")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.Driver == config.DriverMemory {
		return errors.New("grant needs a persistent database; driver is memory")
	}

	s, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	b, err := newBackend(cfg, s, newLogger(cfg.Logging, io.Discard))
	if err != nil {
		return err
	}
	defer b.Close()

	agent, err := b.GrantAgent(ctx, "", store.ChannelIdentification{Channel: channel, Key: key})
	if err != nil {
		return fmt.Errorf("granting agent: %w", err)
	}
	perms := store.Permissions{ManageTags: true, GrantAgent: true, AssignOthers: true}
	diff := identity.AgentDiff{Permissions: &perms}
	if name != "" {
		diff.DisplayName = &name
	}
	if agent, err = b.UpdateAgent(ctx, agent.ID, diff); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}

	token, expiresAt, err := mintToken(cfg, auth.Subject{Kind: auth.SubjectAgent, ID: agent.ID}, defaultTokenTTL)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	green.Printf("  ✓ Agent ready: %s\n", agent.ID)
	fmt.Println()
	cyan.Println("  Agent")
	cyan.Println("  -----")
	fmt.Printf("  ID:           %s\n", agent.ID)
	fmt.Printf("  Display Name: %s\n", agent.DisplayName)
	fmt.Printf("  Identity:     %s:%s\n", channel, key)
	fmt.Printf("  Permissions:  manage_tags grant_agent assign_others\n")
	fmt.Printf("  Token:        expires %s\n", expiresAt.Format("Jan 02, 2006"))
	fmt.Println()
	fmt.Println(token)
	return nil
}

func mintToken(cfg *config.Config, subject auth.Subject, ttl time.Duration) (string, time.Time, error) {
	if cfg.Auth.JWTSecret == "" {
		return "", time.Time{}, errors.New("auth.jwt_secret is not configured")
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(subject, ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generating token: %w", err)
	}
	return token, time.Now().Add(ttl).UTC(), nil
}

// runToken prints a bearer token: `token service NAME` or `token agent ID`.
func runToken(args []string) error {
	var ttl time.Duration
	var outFile string
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	fs.DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	fs.StringVarP(&outFile, "output", "o", "", "write the token to this file instead of stdout")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: frontdesk token service NAME | agent ID")
	}
	subject, err := auth.ParseSubject(fs.Arg(0) + ":" + fs.Arg(1))
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, expiresAt, err := mintToken(cfg, subject, ttl)
	if err != nil {
		return err
	}

	if outFile != "" {
		if err := os.WriteFile(outFile, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Printf("  ✓ Saved token for %s: %s (expires %s)\n",
			subject, outFile, expiresAt.Format("Jan 02, 2006"))
		return nil
	}
	fmt.Println(token)
	return nil
}

// runReport prints journal statistics straight from the database.
func runReport(ctx context.Context, args []string) error {
	var since time.Duration
	fs := pflag.NewFlagSet("report", pflag.ContinueOnError)
	fs.DurationVar(&since, "since", 7*24*time.Hour, "report window ending now")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.Driver == config.DriverMemory {
		return errors.New("report needs a persistent database; driver is memory")
	}
	if !cfg.Journal.Enabled {
		color.New(color.FgYellow).Println("  journal is disabled; the report only covers earlier events")
	}

	s, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := analytics.NewReporter(s).Build(ctx, time.Now().Add(-since))
	if err != nil {
		return fmt.Errorf("building report: %w", err)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	return report.WriteTable(os.Stdout, agentNames(agents))
}

// agentNames maps agent IDs to something readable.
func agentNames(agents []*store.Agent) map[string]string {
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		switch {
		case a.DisplayName != "":
			names[a.ID] = a.DisplayName
		case a.Username != "":
			names[a.ID] = "@" + a.Username
		}
	}
	return names
}

func runHealth(ctx context.Context, args []string) error {
	var ready bool
	fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
	fs.BoolVar(&ready, "ready", false, "check readiness instead of liveness")
	if help, err := parseFlags(fs, args); help || err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c := client.New("http://"+cfg.Server.HTTPAddr, "")
	if err := c.Health(ctx, ready); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}

	fmt.Println("healthy")
	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
