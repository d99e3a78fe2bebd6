// ABOUTME: Tests for the frontdesk binary helpers and offline subcommands
// ABOUTME: Covers logger output, store selection, token minting, grant and health

package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/frontdesk/internal/auth"
	"github.com/2389/frontdesk/internal/config"
	"github.com/2389/frontdesk/internal/gateway"
	"github.com/2389/frontdesk/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// writeConfig writes a config file and points FRONTDESK_CONFIG at it.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `server:
  grpc_addr: "127.0.0.1:0"
  http_addr: "127.0.0.1:0"
database:
  driver: sqlite
  path: "` + filepath.Join(dir, "frontdesk.db") + `"
auth:
  jwt_secret: "` + testSecret + `"
journal:
  enabled: true
` + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("FRONTDESK_CONFIG", path)
	return dir
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info"}, &buf)
	logger.With("component", "test").WithGroup("req").Info("hello", "id", 7)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INF hello")
	assert.Contains(t, out, " component=test")
	assert.Contains(t, out, " req.id=7")
	assert.NotContains(t, out, "hidden")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestOpenStore(t *testing.T) {
	s, err := openStore(config.DatabaseConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)
	require.NoError(t, s.Close())

	s, err = openStore(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "f.db")})
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = openStore(config.DatabaseConfig{Driver: "postgres"})
	assert.Error(t, err)
}

func TestBusOptions(t *testing.T) {
	opts := busOptions(config.EventsConfig{Shards: 2, QueueSize: 16, MaxAttempts: 5, RetryBackoff: time.Second})
	assert.Equal(t, 2, opts.Shards)
	assert.Equal(t, 16, opts.QueueSize)
	assert.Equal(t, 5, opts.MaxAttempts)
	assert.Equal(t, time.Second, opts.RetryBackoff)
	assert.False(t, opts.Synchronous)
}

func TestAgentNames(t *testing.T) {
	names := agentNames([]*store.Agent{
		{ID: "a1", DisplayName: "Alice", Username: "alice"},
		{ID: "a2", Username: "bob"},
		{ID: "a3"},
	})
	assert.Equal(t, map[string]string{"a1": "Alice", "a2": "@bob"}, names)
}

func TestRunTokenWritesVerifiableToken(t *testing.T) {
	dir := writeConfig(t, "")
	out := filepath.Join(dir, "token")

	require.NoError(t, runToken([]string{"service", "matrix-bridge", "--ttl", "1h", "-o", out}))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	subject, err := v.Verify(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Equal(t, auth.Subject{Kind: auth.SubjectService, ID: "matrix-bridge"}, subject)
}

func TestRunTokenRejectsBadArgs(t *testing.T) {
	writeConfig(t, "")
	assert.Error(t, runToken(nil))
	assert.Error(t, runToken([]string{"robot", "x"}))
	assert.Error(t, runToken([]string{"agent", "a1", "--ttl=-1h"}))
}

func TestRunGrantCreatesAdminAgent(t *testing.T) {
	dir := writeConfig(t, "")

	require.NoError(t, runGrant(t.Context(), []string{"--channel", "matrix", "--key", "@alice:example.org", "--name", "Alice"}))

	s, err := store.NewSQLiteStore(filepath.Join(dir, "frontdesk.db"))
	require.NoError(t, err)
	defer s.Close()
	agent, err := s.FindAgentByChannel(t.Context(), "matrix", "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, "Alice", agent.DisplayName)
	assert.Equal(t, store.Permissions{ManageTags: true, GrantAgent: true, AssignOthers: true}, agent.Permissions)

	assert.Error(t, runGrant(t.Context(), []string{"--channel", "matrix"}))
}

func TestRunReportOnEmptyJournal(t *testing.T) {
	writeConfig(t, "")
	require.NoError(t, runReport(t.Context(), []string{"--since", "24h"}))
}

func TestRunHealth(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := &config.Config{Auth: config.AuthConfig{Disabled: true}}
	b, err := newBackend(cfg, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(b.Close)
	gw, err := gateway.New(gateway.Options{Config: cfg, Backend: b, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	addr := strings.TrimPrefix(srv.URL, "http://")
	writeConfig(t, "")
	path := os.Getenv("FRONTDESK_CONFIG")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = bytes.Replace(data, []byte(`http_addr: "127.0.0.1:0"`), []byte(`http_addr: "`+addr+`"`), 1)
	require.NoError(t, os.WriteFile(path, data, 0600))

	require.NoError(t, runHealth(t.Context(), nil))
	require.NoError(t, runHealth(t.Context(), []string{"--ready"}))
}
