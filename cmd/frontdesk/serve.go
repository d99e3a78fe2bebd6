// ABOUTME: The serve subcommand wiring store, backend, journal, relay, metrics and gateway
// ABOUTME: Also holds the shared helpers that open the store and build the backend

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fatih/color"

	"github.com/2389/frontdesk/internal/analytics"
	"github.com/2389/frontdesk/internal/auth"
	"github.com/2389/frontdesk/internal/backend"
	"github.com/2389/frontdesk/internal/config"
	"github.com/2389/frontdesk/internal/dedupe"
	"github.com/2389/frontdesk/internal/eventbus"
	"github.com/2389/frontdesk/internal/gateway"
	"github.com/2389/frontdesk/internal/metrics"
	"github.com/2389/frontdesk/internal/relay"
	"github.com/2389/frontdesk/internal/store"
)

// openStore opens the store selected by database.driver.
func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case "", config.DriverSQLite, config.DriverSQLite3:
		driver := cfg.Driver
		if driver == "" {
			driver = config.DriverSQLite
		}
		s, err := store.OpenSQLite(driver, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// busOptions maps the events section onto event bus tuning.
func busOptions(cfg config.EventsConfig) eventbus.Options {
	return eventbus.Options{
		Shards:       cfg.Shards,
		QueueSize:    cfg.QueueSize,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
	}
}

// newBackend builds the backend on an opened store.
func newBackend(cfg *config.Config, s store.Store, logger *slog.Logger) (*backend.Backend, error) {
	b, err := backend.New(backend.Config{
		Store:    s,
		Bus:      busOptions(cfg.Events),
		Texts:    cfg.Texts.Language,
		Channels: cfg.Channels,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating backend: %w", err)
	}
	return b, nil
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s", cfg.Database.Driver)
	if cfg.Database.Driver != config.DriverMemory {
		gray.Printf(" (%s)", cfg.Database.Path)
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Texts:     %s\n", cfg.Texts.Language)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Relay.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Relay:     %s\n", cfg.Relay.Exchange)
	}
	if cfg.Auth.Disabled {
		yellow.Println("    ! auth disabled")
	}

	fmt.Println()

	logger.Info("starting frontdesk",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	s, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	b, err := newBackend(cfg, s, logger)
	if err != nil {
		return err
	}

	// The bus drains into subscribers on Close, so the backend must stop
	// before the relay connection does.
	var rel *relay.Relay
	defer func() {
		b.Close()
		if rel != nil {
			if err := rel.Close(); err != nil {
				logger.Warn("closing relay", "error", err)
			}
		}
	}()

	if cfg.Journal.Enabled {
		analytics.NewJournal(s, logger).Attach(b)
	}

	if cfg.Relay.Enabled {
		rel, err = relay.Dial(ctx, relay.Config{
			URL:         cfg.Relay.URL,
			Exchange:    cfg.Relay.Exchange,
			DialTimeout: cfg.Relay.DialTimeout,
		}, logger)
		if err != nil {
			return err
		}
		rel.Attach(b)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		m.Attach(b)
	}

	cache := dedupe.New(dedupe.Options{TTL: cfg.Dedupe.TTL, MaxSize: cfg.Dedupe.MaxSize})
	defer cache.Close()

	var tokens auth.TokenVerifier
	if !cfg.Auth.Disabled {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		tokens = v
	}

	gw, err := gateway.New(gateway.Options{
		Config:  cfg,
		Backend: b,
		Tokens:  tokens,
		Metrics: m,
		Dedupe:  cache,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
