// ABOUTME: Tests for Matrix adapter configuration parsing
// ABOUTME: Covers defaults, env expansion, validation and the init template

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
[matrix]
homeserver = "https://matrix.example.org"
username = "frontdesk"
password = "secret"

[backend]
url = "http://127.0.0.1:8080"
token = "tok"
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(validConfig)
	require.NoError(t, err)

	assert.Equal(t, "https://matrix.example.org", cfg.Matrix.Homeserver)
	assert.Equal(t, "frontdesk", cfg.Matrix.Username)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Backend.URL)
	assert.Equal(t, "!", cfg.Bridge.CommandPrefix)
	assert.Equal(t, 10*time.Minute, cfg.Bridge.dedupeTTL)
	assert.Empty(t, cfg.Bridge.QueueRoom)
	assert.False(t, cfg.Bridge.AutoJoin)
}

func TestParseBridgeSection(t *testing.T) {
	cfg, err := Parse(validConfig + `
[bridge]
queue_room = "!q:example.org"
command_prefix = "/"
typing_indicator = true
auto_join = true
dedupe_ttl = "90s"

[logging]
level = "debug"
format = "json"
`)
	require.NoError(t, err)
	assert.Equal(t, "!q:example.org", cfg.Bridge.QueueRoom)
	assert.Equal(t, "/", cfg.Bridge.CommandPrefix)
	assert.True(t, cfg.Bridge.TypingIndicator)
	assert.True(t, cfg.Bridge.AutoJoin)
	assert.Equal(t, 90*time.Second, cfg.Bridge.dedupeTTL)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("TEST_MATRIX_PASSWORD", "from-env")
	t.Setenv("TEST_FRONTDESK_TOKEN", "env-token")
	cfg, err := Parse(`
[matrix]
homeserver = "https://matrix.example.org"
username = "frontdesk"
password = "${TEST_MATRIX_PASSWORD}"

[backend]
url = "http://127.0.0.1:8080"
token = "${TEST_FRONTDESK_TOKEN}"
`)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Matrix.Password)
	assert.Equal(t, "env-token", cfg.Backend.Token)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "missing homeserver",
			config:  "[matrix]\nusername = \"u\"\npassword = \"p\"\n[backend]\nurl = \"http://x\"\ntoken = \"t\"\n",
			wantErr: "matrix.homeserver is required",
		},
		{
			name:    "missing password",
			config:  "[matrix]\nhomeserver = \"https://m\"\nusername = \"u\"\n[backend]\nurl = \"http://x\"\ntoken = \"t\"\n",
			wantErr: "matrix.password is required",
		},
		{
			name:    "missing backend",
			config:  "[matrix]\nhomeserver = \"https://m\"\nusername = \"u\"\npassword = \"p\"\n",
			wantErr: "backend.url is required",
		},
		{
			name:    "grpc backend url",
			config:  "[matrix]\nhomeserver = \"https://m\"\nusername = \"u\"\npassword = \"p\"\n[backend]\nurl = \"grpc://x\"\ntoken = \"t\"\n",
			wantErr: "http or https",
		},
		{
			name:    "missing token",
			config:  "[matrix]\nhomeserver = \"https://m\"\nusername = \"u\"\npassword = \"p\"\n[backend]\nurl = \"http://x\"\n",
			wantErr: "backend.token is required",
		},
		{
			name:    "bad dedupe ttl",
			config:  validConfig + "[bridge]\ndedupe_ttl = \"soon\"\n",
			wantErr: "bridge.dedupe_ttl",
		},
		{
			name:    "negative dedupe ttl",
			config:  validConfig + "[bridge]\ndedupe_ttl = \"-1m\"\n",
			wantErr: "must be positive",
		},
		{
			name:    "bad log format",
			config:  validConfig + "[logging]\nformat = \"xml\"\n",
			wantErr: "logging.format",
		},
		{
			name:    "malformed toml",
			config:  "[matrix\n",
			wantErr: "parsing config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matrix.toml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Backend.Token)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestConfigTemplateParses(t *testing.T) {
	content := configTemplate("https://matrix.example.org", "frontdesk", "pw", "", "http://127.0.0.1:8080", "tok", "!q:example.org")
	cfg, err := Parse(content)
	require.NoError(t, err)

	assert.Equal(t, "!q:example.org", cfg.Bridge.QueueRoom)
	assert.True(t, cfg.Bridge.AutoJoin)
	assert.True(t, cfg.Bridge.TypingIndicator)
	assert.Empty(t, cfg.Matrix.RecoveryKey)

	withKey := configTemplate("https://m", "u", "p", "EsT0 abcd", "https://fd", "t", "")
	cfg, err = Parse(withKey)
	require.NoError(t, err)
	assert.Equal(t, "EsT0 abcd", cfg.Matrix.RecoveryKey)
}

func TestSetupLoggerFormats(t *testing.T) {
	assert.NotNil(t, setupLogger(LoggingConfig{Level: "debug", Format: "json"}))
	assert.NotNil(t, setupLogger(LoggingConfig{}))
}
