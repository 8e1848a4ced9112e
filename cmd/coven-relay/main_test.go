// ABOUTME: Tests for coven-relay CLI helpers: token flags, init output and logging
// ABOUTME: Init is driven with scripted stdin against temp XDG directories

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
)

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    tokenArgs
		wantErr bool
	}{
		{"sub only", []string{"--sub", "alice"}, tokenArgs{"alice", defaultTokenTTL}, false},
		{"equals form", []string{"--sub=alice", "--ttl=1h"}, tokenArgs{"alice", time.Hour}, false},
		{"spaced ttl", []string{"--ttl", "90m", "--sub", "bob"}, tokenArgs{"bob", 90 * time.Minute}, false},
		{"missing sub", []string{"--ttl", "1h"}, tokenArgs{}, true},
		{"blank sub", []string{"--sub", "  "}, tokenArgs{}, true},
		{"sub without value", []string{"--sub"}, tokenArgs{}, true},
		{"bad ttl", []string{"--sub", "alice", "--ttl", "soon"}, tokenArgs{}, true},
		{"negative ttl", []string{"--sub", "alice", "--ttl=-1h"}, tokenArgs{}, true},
		{"unknown flag", []string{"--sub", "alice", "--admin"}, tokenArgs{}, true},
		{"stray argument", []string{"alice"}, tokenArgs{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenArgs(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderConfig_LoadsAndValidates(t *testing.T) {
	secret, err := generateSecret()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	rendered := renderConfig(initAnswers{
		httpAddr:        "localhost:8080",
		grpcAddr:        "",
		dbPath:          filepath.Join(t.TempDir(), "relay.db"),
		jwtSecret:       secret,
		tailscale:       true,
		tsHostname:      "relay",
		tsFunnel:        true,
		realtimeBackend: config.RealtimeRedis,
		redisAddr:       "localhost:6379",
		logLevel:        "debug",
		logFormat:       "json",
	})
	require.NoError(t, os.WriteFile(path, []byte(rendered), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, secret, cfg.Auth.JWTSecret)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.True(t, cfg.Tailscale.Funnel)
	assert.Equal(t, config.RealtimeRedis, cfg.Realtime.Backend)
	assert.Equal(t, "localhost:6379", cfg.Realtime.Redis.Addr)
	assert.Equal(t, config.DefaultIdempotencyTTL, cfg.Idempotency.TTL)
	assert.False(t, cfg.Media.Enabled(), "media stays commented out")

	// The generated secret is usable for tokens
	_, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	assert.NoError(t, err)
}

func TestInitConfig_Defaults(t *testing.T) {
	t.Setenv("COVEN_RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	var out bytes.Buffer
	input := bufio.NewReader(strings.NewReader(strings.Repeat("\n", 8)))
	require.NoError(t, initConfig(input, &out))

	path := config.DefaultPath()
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, filepath.Join(config.DefaultDataDir(), "relay.db"), cfg.Database.Path)
	assert.Equal(t, config.RealtimeLocal, cfg.Realtime.Backend)
	assert.DirExists(t, config.DefaultDataDir())
}

func TestInitConfig_KeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0600))
	t.Setenv("COVEN_RELAY_CONFIG", path)

	var out bytes.Buffer
	input := bufio.NewReader(strings.NewReader("\nno\n"))
	require.NoError(t, initConfig(input, &out))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assert.Contains(t, out.String(), "Aborted.")
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.With("component", "gateway").Warn("shown", "n", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "gateway", rec["component"])
	assert.Equal(t, float64(2), rec["n"])
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.With("component", "media").WithGroup("upload").Debug("stored", "size", 42)
	logger.Error("boom", slog.Group("req", "path", "/api/media"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "DBG stored component=media upload.size=42")
	assert.Contains(t, lines[1], "ERR boom req.path=/api/media")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
