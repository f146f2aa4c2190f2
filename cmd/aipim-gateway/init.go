// ABOUTME: Interactive init command that writes a gateway config file
// ABOUTME: Generates random admin and encryption secrets unless the user supplies them

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

	"gopkg.in/yaml.v3"

	"github.com/2389/aipim-gateway/internal/config"
)

// getDataPath returns the aipim data directory.
// Priority: XDG_DATA_HOME/aipim > ~/.local/share/aipim
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "aipim")
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

// initFile mirrors the config layout for marshalling; only the prompted keys are written.
type initFile struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr,omitempty"`
	} `yaml:"server"`
	Tailscale struct {
		Enabled   bool   `yaml:"enabled"`
		Hostname  string `yaml:"hostname,omitempty"`
		AuthKey   string `yaml:"auth_key,omitempty"`
		Ephemeral bool   `yaml:"ephemeral,omitempty"`
		HTTPS     bool   `yaml:"https,omitempty"`
		Funnel    bool   `yaml:"funnel,omitempty"`
	} `yaml:"tailscale"`
	Database struct {
		Path          string `yaml:"path"`
		EncryptionKey string `yaml:"encryption_key,omitempty"`
	} `yaml:"database"`
	API struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"api"`
	Auth struct {
		AdminSecret              string `yaml:"admin_secret,omitempty"`
		EnforceIPAllowList       bool   `yaml:"enforce_ip_allow_list"`
		RejectReplayedChallenges bool   `yaml:"reject_replayed_challenges"`
	} `yaml:"auth"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

func runInit() error {
	return runInitWith(bufio.NewReader(os.Stdin), os.Stdout)
}

func runInitWith(reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "aipim-gateway configuration setup")
	fmt.Fprintln(out, "=================================")
	fmt.Fprintln(out)

	ask := func(q, def string) string { return prompt(reader, out, q, def) }

	outputFile := ask("Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var f initFile

	fmt.Fprintln(out, "\n--- API ---")
	f.API.Name = ask("API name", "default")
	f.API.Version = ask("API version", "1.0.0")

	fmt.Fprintln(out, "\n--- Tailscale ---")
	f.Tailscale.Enabled = yes(ask("Enable Tailscale?", "no"))
	if f.Tailscale.Enabled {
		f.Tailscale.Hostname = ask("Tailscale hostname", "aipim-gateway")
		f.Tailscale.AuthKey = ask("Tailscale auth key (leave empty for interactive)", "")
		f.Tailscale.Ephemeral = yes(ask("Ephemeral node?", "no"))
		f.Tailscale.Funnel = yes(ask("Enable Funnel (public HTTPS)?", "no"))
		if !f.Tailscale.Funnel {
			f.Tailscale.HTTPS = yes(ask("Serve HTTPS on the tailnet?", "yes"))
		}
	} else {
		f.Server.HTTPAddr = ask("HTTP address", "localhost:8080")
	}

	fmt.Fprintln(out, "\n--- Database ---")
	f.Database.Path = ask("SQLite database path", filepath.Join(getDataPath(), "gateway.db"))
	if yes(ask("Encrypt stored private keys?", "yes")) {
		key, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating encryption key: %w", err)
		}
		f.Database.EncryptionKey = key
	}

	fmt.Fprintln(out, "\n--- Authentication ---")
	if yes(ask("Enable admin API?", "yes")) {
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating admin secret: %w", err)
		}
		f.Auth.AdminSecret = secret
	}
	f.Auth.EnforceIPAllowList = yes(ask("Enforce client IP allow-lists?", "no"))
	f.Auth.RejectReplayedChallenges = yes(ask("Reject replayed challenges?", "no"))

	fmt.Fprintln(out, "\n--- Logging ---")
	f.Logging.Level = ask("Log level (debug/info/warn/error)", "info")
	f.Logging.Format = ask("Log format (text/json)", "text")

	f.Metrics.Enabled = yes(ask("Expose Prometheus metrics?", "no"))
	f.Metrics.Path = "/metrics"

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	content := "# aipim-gateway configuration\n# Generated by aipim-gateway init\n\n" + string(data)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// secrets live in this file
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(f.Database.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  aipim-gateway serve")
	if f.Auth.AdminSecret != "" {
		fmt.Fprintln(out, "To mint an admin token:")
		fmt.Fprintln(out, "  aipim-gateway token --subject you@example.com")
	}
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
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
