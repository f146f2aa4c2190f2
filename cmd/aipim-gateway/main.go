// ABOUTME: Entry point for aipim-gateway, the authenticated API aggregate server
// ABOUTME: Provides serve, init, token and health subcommands

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/aipim-gateway/internal/auth"
	"github.com/2389/aipim-gateway/internal/config"
	"github.com/2389/aipim-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _       _
  __ _(_)_ __ (_)_ __ ___
 / _' | | '_ \| | '_ ' _ \
| (_| | | |_) | | | | | | |
 \__,_|_| .__/|_|_| |_| |_|  gateway
        |_|
`

// defaultTokenTTL is the lifetime of admin tokens minted by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

func usage() {
	fmt.Println("Usage: aipim-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the gateway server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  token --subject NAME [--ttl DUR]   Mint an admin API token")
	fmt.Println("  health                             Check gateway health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

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
	fmt.Printf("API:       %s@%s\n", cfg.API.Name, cfg.API.Version)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		switch {
		case cfg.Tailscale.Funnel:
			yellow.Print(" [funnel]")
		case cfg.Tailscale.HTTPS:
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Endpoints: %d from config\n", len(cfg.Endpoints))
	if cfg.Auth.AdminSecret == "" {
		yellow.Println("    ! admin API disabled (auth.admin_secret not set)")
	}
	fmt.Println()

	logger.Info("starting aipim-gateway",
		"config", configPath,
		"api", cfg.API.Name,
		"version", cfg.API.Version,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	if err := gw.Load(ctx); err != nil {
		_ = gw.Shutdown(context.Background())
		return fmt.Errorf("loading registry: %w", err)
	}

	return gw.Run(ctx)
}

// tokenArgs holds the parsed flags of the token command.
type tokenArgs struct {
	subject string
	ttl     time.Duration
}

// parseTokenArgs accepts both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: defaultTokenTTL}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		if !strings.HasPrefix(name, "-") {
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return out, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		switch name {
		case "--subject", "-s":
			out.subject = strings.TrimSpace(value)
		case "--ttl":
			d, err := time.ParseDuration(value)
			if err != nil {
				return out, fmt.Errorf("invalid --ttl: %w", err)
			}
			if d <= 0 {
				return out, fmt.Errorf("--ttl must be positive")
			}
			out.ttl = d
		default:
			return out, fmt.Errorf("unknown flag: %s", name)
		}
	}
	if out.subject == "" {
		return out, fmt.Errorf("--subject flag is required")
	}
	if len(out.subject) > 100 {
		return out, fmt.Errorf("subject exceeds maximum length of 100 characters")
	}
	return out, nil
}

// runToken mints an admin token for the API named in the config file.
func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.AdminSecret == "" {
		return fmt.Errorf("auth.admin_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.AdminSecret), auth.AdminAudience(cfg.API.Name))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(parsed.subject, parsed.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Fprintf(os.Stderr, "token for %s on %s, expires %s\n",
		parsed.subject, cfg.API.Name, time.Now().Add(parsed.ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not set")
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d", resp.StatusCode)
	}

	fmt.Println("ready")
	return nil
}
