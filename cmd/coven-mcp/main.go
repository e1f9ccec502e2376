// ABOUTME: Entry point for coven-mcp, an MCP streamable HTTP server
// ABOUTME: Subcommands serve, check health, mint dev tokens, hash static tokens and read the journal

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/2389/coven-mcp/internal/auth"
	"github.com/2389/coven-mcp/internal/config"
	"github.com/2389/coven-mcp/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                         
  ___ _____   _____ _ __        _ __ ___   ___ _ __  
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / __| '_ \ 
| (_| (_) \ V /  __/ | | |_____| | | | | | (__| |_) |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___| .__/ 
                                              |_|    
`

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp(os.Stdout).Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "coven-mcp",
		Usage:   "MCP server over streamable HTTP",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (.yaml or .toml); defaults to $" + config.EnvConfigPath + " or ~/.config/coven/mcp.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the MCP server",
				Action: runServe,
			},
			{
				Name:   "health",
				Usage:  "Check a running server's health endpoint",
				Action: runHealth,
			},
			{
				Name:  "token",
				Usage: "Mint an HS256 development token signed with auth.jwt.hmac_secret",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sub", Usage: "token subject", Required: true},
					&cli.StringSliceFlag{Name: "scopes", Usage: "granted scopes (repeat or comma-separate)"},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: time.Hour},
				},
				Action: runToken,
			},
			{
				Name:      "hash-token",
				Usage:     "Print the bcrypt hash of a static token for auth.tokens[].hash",
				ArgsUsage: "<token>",
				Action:    runHashToken,
			},
			{
				Name:  "events",
				Usage: "List journaled transport events, newest first",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "maximum events to show", Value: store.DefaultListLimit},
					&cli.StringFlag{Name: "type", Usage: "only events of this type"},
					&cli.StringFlag{Name: "session", Usage: "only events of this session"},
					&cli.DurationFlag{Name: "since", Usage: "only events newer than this"},
				},
				Action: runEvents,
			},
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, string, error) {
	path := config.ResolvePath(cmd.String("config"))
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	out := cmd.Root().Writer

	cyan := color.New(color.FgCyan)
	cyan.Fprint(out, banner)
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, out)

	srv, err := buildServer(cfg, logger, nil)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		_ = srv.Stop(context.Background())
		return fmt.Errorf("starting server: %w", err)
	}

	if configPath == "" {
		configPath = "(defaults)"
	}
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	status := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-12s %s\n", label+":", value)
	}
	status("Config", configPath)
	status("Listening", fmt.Sprintf("%s%s", srv.transport.Addr(), srv.transport.Path()))
	status("Concurrency", cfg.Concurrency.Model)
	status("Auth", srv.authMode)
	status("Tools", strings.Join(toolNames(srv), ", "))
	if cfg.Database.Path != "" {
		status("Journal", cfg.Database.Path)
	}
	if cfg.Metrics.Enabled {
		status("Metrics", cfg.Metrics.Path)
	}
	if srv.authMode == "none" && !loopbackOnly(cfg) {
		yellow.Fprintln(out, "    ! no authentication and a non-loopback allow-list")
	}
	fmt.Fprintln(out)

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(stopCtx)
}

func toolNames(srv *server) []string {
	var names []string
	for _, t := range srv.registry.List(nil) {
		names = append(names, t.Name)
	}
	if len(names) == 0 {
		return []string{"(none)"}
	}
	return names
}

func loopbackOnly(cfg *config.Config) bool {
	return cfg.Server.AllowedIPs == nil
}

func runHealth(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	scheme := "http"
	client := http.DefaultClient
	if cfg.Server.TLSCertFile != "" {
		scheme = "https"
		// Liveness probe only; the certificate is not verified.
		client = &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}} //nolint:gosec
	}
	url := fmt.Sprintf("%s://%s/health", scheme, dialAddr(cfg.Server.Addr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	var health struct {
		ProtocolVersion string `json:"protocol_version"`
		Sessions        int    `json:"sessions"`
		Streams         int    `json:"streams"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	fmt.Fprintf(cmd.Root().Writer, "healthy (protocol %s, %d sessions, %d streams)\n",
		health.ProtocolVersion, health.Sessions, health.Streams)
	return nil
}

// dialAddr turns a wildcard listen address into one a client can reach.
func dialAddr(addr string) string {
	switch {
	case strings.HasPrefix(addr, ":"):
		return "127.0.0.1" + addr
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "127.0.0.1" + strings.TrimPrefix(addr, "0.0.0.0")
	case strings.HasPrefix(addr, "[::]:"):
		return "[::1]" + strings.TrimPrefix(addr, "[::]")
	}
	return addr
}

func runToken(_ context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.JWT.HMACSecret == "" {
		return errors.New("auth.jwt.hmac_secret is not configured")
	}

	opts := []auth.SignerOption{}
	if cfg.Auth.JWT.Issuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.Auth.JWT.Issuer))
	}
	audience := cfg.Auth.JWT.Audience
	if audience == "" {
		audience = strings.TrimRight(cfg.OAuth.Resource, "/")
	}
	if audience != "" {
		opts = append(opts, auth.WithAudience(audience))
	}
	signer, err := auth.NewSigner([]byte(cfg.Auth.JWT.HMACSecret), opts...)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}

	var scopes []string
	for _, s := range cmd.StringSlice("scopes") {
		scopes = append(scopes, strings.Fields(s)...)
	}
	token, err := signer.Sign(cmd.String("sub"), scopes, cmd.Duration("ttl"))
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Fprintln(cmd.Root().Writer, token)
	return nil
}

func runHashToken(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: coven-mcp hash-token <token>")
	}
	hash, err := auth.HashToken(cmd.Args().First())
	if err != nil {
		return fmt.Errorf("hashing token: %w", err)
	}
	fmt.Fprintln(cmd.Root().Writer, hash)
	return nil
}

func runEvents(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return errors.New("database.path is not configured; the journal is disabled")
	}

	journal, err := store.NewSQLiteStore(cfg.Database.Path, setupLogger(config.LoggingConfig{Level: "warn"}, io.Discard))
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	params := store.ListEventsParams{
		Type:      cmd.String("type"),
		SessionID: cmd.String("session"),
		Limit:     int(cmd.Int("limit")),
	}
	if since := cmd.Duration("since"); since > 0 {
		params.Since = time.Now().Add(-since)
	}
	events, err := journal.ListEvents(ctx, params)
	if err != nil {
		return err
	}
	return printEvents(cmd.Root().Writer, events)
}

func printEvents(out io.Writer, events []*store.JournalEvent) error {
	if len(events) == 0 {
		fmt.Fprintln(out, "no events")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSESSION\tMETHOD\tSTATUS\tDETAIL")
	for _, ev := range events {
		session := ev.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		status := ""
		if ev.Status != 0 {
			status = fmt.Sprint(ev.Status)
		}
		detail := ev.Reason
		if ev.Subject != "" {
			detail = strings.TrimSpace(detail + " sub=" + ev.Subject)
		}
		if ev.Duration > 0 {
			detail = strings.TrimSpace(detail + " " + ev.Duration.Round(time.Microsecond).String())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.OccurredAt.Local().Format("2006-01-02 15:04:05"),
			colorType(ev.Type),
			session, ev.Method, status, detail,
		)
	}
	return w.Flush()
}

func colorType(typ string) string {
	switch typ {
	case "auth_failed", "rejected":
		return color.RedString(typ)
	case "session_created", "stream_opened":
		return color.GreenString(typ)
	case "session_purged", "stream_closed":
		return color.YellowString(typ)
	default:
		return typ
	}
}
