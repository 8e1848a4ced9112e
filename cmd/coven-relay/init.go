// ABOUTME: Interactive "coven-relay init" that writes a starter config file
// ABOUTME: Generates a random JWT secret so the config validates out of the box

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
)

// initAnswers collects what runInit asks for.
type initAnswers struct {
	httpAddr  string
	grpcAddr  string
	dbPath    string
	jwtSecret string

	tailscale       bool
	tsHostname      string
	tsAuthKey       string
	tsEphemeral     bool
	tsFunnel        bool
	realtimeBackend string
	redisAddr       string
	logLevel        string
	logFormat       string
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

// renderConfig produces the YAML written by init.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-relay configuration\n")
	cfg.WriteString("# Generated by coven-relay init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.httpAddr)
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n\n", a.grpcAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", a.dbPath)

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", a.jwtSecret)

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.tailscale)
	if a.tailscale {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.tsHostname)
		if a.tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("realtime:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", a.realtimeBackend)
	if a.realtimeBackend == config.RealtimeRedis {
		cfg.WriteString("  redis:\n")
		fmt.Fprintf(&cfg, "    addr: %q\n", a.redisAddr)
		fmt.Fprintf(&cfg, "    prefix: %q\n", config.DefaultRedisPrefix)
	}
	cfg.WriteString("\n")

	cfg.WriteString("# media:\n")
	cfg.WriteString("#   endpoint: \"http://localhost:9000\"\n")
	cfg.WriteString("#   region: \"us-east-1\"\n")
	cfg.WriteString("#   bucket: \"relay-media\"\n")
	cfg.WriteString("#   access_key_id: \"${RELAY_S3_ACCESS_KEY}\"\n")
	cfg.WriteString("#   secret_access_key: \"${RELAY_S3_SECRET_KEY}\"\n")
	cfg.WriteString("#   use_path_style: true\n\n")

	cfg.WriteString("idempotency:\n")
	fmt.Fprintf(&cfg, "  ttl: %q\n", config.DefaultIdempotencyTTL.String())
	fmt.Fprintf(&cfg, "  max_entries: %d\n\n", config.DefaultIdempotencyMax)

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.logFormat)

	return cfg.String()
}

func runInit() error {
	return initConfig(bufio.NewReader(os.Stdin), os.Stdout)
}

func initConfig(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "coven-relay configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	defaultDBPath := filepath.Join(config.DefaultDataDir(), "relay.db")

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	a := initAnswers{jwtSecret: secret}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.httpAddr = prompt(reader, out, "HTTP address", "localhost:8080")
	a.grpcAddr = prompt(reader, out, "gRPC health address (empty to disable)", "localhost:50051")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.dbPath = prompt(reader, out, "SQLite database path", defaultDBPath)

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.tailscale {
		a.tsHostname = prompt(reader, out, "Tailscale hostname", "coven-relay")
		a.tsAuthKey = prompt(reader, out, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.tsEphemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
		a.tsFunnel = yes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Realtime Configuration ---")
	a.realtimeBackend = prompt(reader, out, "Fan-out backend (local/redis)", config.RealtimeLocal)
	if a.realtimeBackend == config.RealtimeRedis {
		a.redisAddr = prompt(reader, out, "Redis address", "localhost:6379")
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.logLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.logFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the JWT secret
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "\n  ✓ Config written to %s\n", outputFile)
	fmt.Fprintf(out, "  Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nNext:")
	fmt.Fprintln(out, "  coven-relay serve")
	fmt.Fprintln(out, "  coven-relay token --sub alice")

	return nil
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF, use the default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
