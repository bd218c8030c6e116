// ABOUTME: Entry point for coven-relay, an allow-listed relay for signed records
// ABOUTME: Subcommands serve the relay, write config, check health and administer the allow-list

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/event"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/store"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                                                       _
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func printUsage() {
	fmt.Println("Usage: coven-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the relay")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  health                         Check relay health")
	fmt.Println("  allow <pubkey> [flags]         Add or update an allow-list entry")
	fmt.Println("        --cohort NAME            (repeatable)")
	fmt.Println("        --expires DURATION       e.g. 720h")
	fmt.Println("        --notes TEXT")
	fmt.Println("  revoke <pubkey>                Remove an allow-list entry")
	fmt.Println("  allowed                        List allow-list entries")
	fmt.Println("  keygen                         Print a fresh keypair for testing")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "allow":
		err = runAllow(ctx, args)
	case "revoke":
		err = runRevoke(ctx, args)
	case "allowed":
		err = runAllowed(ctx, os.Stdout)
	case "keygen":
		err = runKeygen(os.Stdout)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stderr)
	gateway.Version = version

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Auth:      required=%t\n", cfg.Auth.Required)
	if cfg.Auth.PermitUnlisted {
		yellow.Println("    ! permit_unlisted is on: every identity is admitted")
	}
	fmt.Println()

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for _, path := range []string{"/health", "/health/ready"} {
		url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unhealthy: %s returned %d: %s", path, resp.StatusCode, body)
		}
		fmt.Printf("%-14s %s\n", path, body)
	}
	return nil
}

// openStore opens the configured database for the admin commands.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := store.OpenSQLiteStore(cfg.Database.Path, store.Options{
		Driver:       cfg.Database.Driver,
		MaxOpenConns: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// parseAllowArgs parses "allow" arguments. The pubkey may come before or
// after the flags.
func parseAllowArgs(args []string, now time.Time) (*store.AllowEntry, error) {
	var pubkey string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		pubkey, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("allow", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var cohorts stringList
	fs.Var(&cohorts, "cohort", "cohort name (repeatable)")
	expires := fs.Duration("expires", 0, "entry lifetime")
	notes := fs.String("notes", "", "free-form notes")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if pubkey == "" && fs.NArg() > 0 {
		pubkey = fs.Arg(0)
	} else if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if pubkey == "" {
		return nil, errors.New("usage: coven-relay allow <pubkey> [--cohort NAME]... [--expires DURATION] [--notes TEXT]")
	}
	pubkey = strings.ToLower(pubkey)
	if !event.IsHex64(pubkey) {
		return nil, fmt.Errorf("pubkey must be 64 hex characters")
	}
	if *expires < 0 {
		return nil, errors.New("--expires must be positive")
	}

	entry := &store.AllowEntry{
		Pubkey:    pubkey,
		Cohorts:   cohorts,
		Notes:     *notes,
		UpdatedBy: "cli",
	}
	if *expires > 0 {
		at := now.Add(*expires).UTC()
		entry.ExpiresAt = &at
	}
	return entry, nil
}

func runAllow(ctx context.Context, args []string) error {
	entry, err := parseAllowArgs(args, time.Now())
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.UpsertAllowEntry(ctx, entry); err != nil {
		return fmt.Errorf("saving allow-list entry: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Allowed %s\n", entry.Pubkey)
	if entry.ExpiresAt != nil {
		fmt.Printf("    expires %s\n", entry.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println("    running relays pick this up on their next allow-list refresh")
	return nil
}

func runRevoke(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: coven-relay revoke <pubkey>")
	}
	pubkey := strings.ToLower(args[0])

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.DeleteAllowEntry(ctx, pubkey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s is not on the allow-list", pubkey)
		}
		return fmt.Errorf("removing allow-list entry: %w", err)
	}

	color.New(color.FgYellow).Printf("  ✓ Revoked %s\n", pubkey)
	return nil
}

func runAllowed(ctx context.Context, w io.Writer) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.ListAllowEntries(ctx)
	if err != nil {
		return fmt.Errorf("listing allow-list: %w", err)
	}
	writeAllowTable(w, entries, time.Now())
	return nil
}

func writeAllowTable(w io.Writer, entries []*store.AllowEntry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "allow-list is empty: with permit_unlisted off, nobody is admitted")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PUBKEY\tCOHORTS\tEXPIRES\tNOTES")
	for _, e := range entries {
		expires := "never"
		if e.ExpiresAt != nil {
			expires = e.ExpiresAt.Format(time.RFC3339)
			if e.Expired(now) {
				expires += " (expired)"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Pubkey, strings.Join(e.Cohorts, ","), expires, e.Notes)
	}
	_ = tw.Flush()
}

func runKeygen(w io.Writer) error {
	k, err := event.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "secret: %s\n", k.SecretHex())
	fmt.Fprintf(w, "pubkey: %s\n", k.PubKey)
	return nil
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-relay configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(getDataPath(), "relay.db")

	outputFile := prompt(reader, out, "Config file path (.yaml or .toml)", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	cfg.Server.HTTPAddr = prompt(reader, out, "HTTP address", cfg.Server.HTTPAddr)
	cfg.Server.RelayURL = prompt(reader, out, "Public relay URL (empty to skip the relay tag check)", "")
	cfg.Server.Name = prompt(reader, out, "Relay name", cfg.Server.Name)

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	cfg.Database.Path = prompt(reader, out, "SQLite database path", cfg.Database.Path)

	fmt.Fprintln(out, "\n--- Admission ---")
	cfg.Auth.Required = yes(prompt(reader, out, "Require clients to authenticate?", "yes"))

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	if yes(prompt(reader, out, "Enable Tailscale?", "no")) {
		cfg.Tailscale.Enabled = true
		cfg.Tailscale.Hostname = prompt(reader, out, "Tailscale hostname", "coven-relay")
		cfg.Tailscale.AuthKey = prompt(reader, out, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		cfg.Tailscale.Ephemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	cfg.Logging.Level = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	cfg.Logging.Format = prompt(reader, out, "Log format (text/json)", "text")

	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := config.Write(outputFile, cfg); err != nil {
		return err
	}
	dataDir := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nThe allow-list starts empty. Add identities before clients connect:")
	fmt.Fprintln(out, "  coven-relay allow <pubkey>")
	fmt.Fprintln(out, "  coven-relay serve")
	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
