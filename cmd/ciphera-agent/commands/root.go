package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ciphera/internal/app"
	"ciphera/internal/domain"
)

var (
	// These flags are shared across all commands.
	homeDir    string
	smpServers []string
	ntfServer  string
	passphrase string

	// appCtx holds the wired dependencies after PersistentPreRunE.
	appCtx *app.Wire
)

// Execute initialises the application context and runs the root cobra command.
func Execute() error {
	root := &cobra.Command{
		Use:   "ciphera-agent",
		Short: "End-to-end encrypted messaging agent over SMP relays",
		// Before any sub-command runs we need to build out our Wire (dependencies).
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Default home directory to $HOME/.ciphera-agent if not provided.
			if homeDir == "" {
				if h, err := os.UserHomeDir(); err == nil {
					homeDir = filepath.Join(h, ".ciphera-agent")
				}
			}
			// Ensure the state directory exists (0700).
			if err := os.MkdirAll(homeDir, 0o700); err != nil {
				return fmt.Errorf("creating state dir: %w", err)
			}

			// Construct an HTTP client with sensible timeouts and connection pooling.
			httpClient := &http.Client{
				Timeout: 70 * time.Second, // above the relay's long-poll window
				Transport: &http.Transport{
					Proxy: http.ProxyFromEnvironment,
					DialContext: (&net.Dialer{
						Timeout:   5 * time.Second,
						KeepAlive: 30 * time.Second,
					}).DialContext,
					TLSHandshakeTimeout:   5 * time.Second,
					ExpectContinueTimeout: 1 * time.Second,
					IdleConnTimeout:       90 * time.Second,
					MaxIdleConns:          100,
					MaxIdleConnsPerHost:   10,
				},
			}

			cfg := app.Config{
				DataDir:    homeDir,
				SMPServers: parseServers(smpServers),
				NtfServer:  ntfServer,
				HTTPClient: httpClient,
				Logger:     slog.Default(),
			}
			var err error
			appCtx, err = app.NewWire(cfg)
			if err != nil {
				return fmt.Errorf("initialising application: %w", err)
			}
			return nil
		},
	}

	// Global flags.
	root.PersistentFlags().StringVar(
		&homeDir,
		"home",
		"",
		"state directory (default: $HOME/.ciphera-agent)",
	)
	root.PersistentFlags().StringVarP(
		&passphrase,
		"passphrase",
		"p",
		"",
		"passphrase to unlock your keys",
	)
	root.PersistentFlags().StringSliceVar(
		&smpServers,
		"smp",
		[]string{"127.0.0.1:8080"},
		"SMP relay servers, host:port",
	)
	root.PersistentFlags().StringVar(
		&ntfServer,
		"ntf",
		"",
		"notification relay, host:port (optional)",
	)

	// Register sub-commands.
	root.AddCommand(
		initCmd(),
		fingerprintCmd(),
		createCmd(),
		joinCmd(),
		allowCmd(),
		acceptCmd(),
		rejectCmd(),
		sendCmd(),
		ackCmd(),
		switchCmd(),
		suspendConnCmd(),
		deleteCmd(),
		serversCmd(),
		listenCmd(),
		ntfCmd(),
		agentCmd(),
	)

	// Create a signal-aware context so Ctrl-C cancels in-flight HTTP calls.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	root.SetContext(ctx)

	return root.Execute()
}

// parseServers turns host:port flags into ServerRefs.
func parseServers(raw []string) []domain.ServerRef {
	refs := make([]domain.ServerRef, 0, len(raw))
	for _, s := range raw {
		host, port, ok := strings.Cut(s, ":")
		if !ok {
			refs = append(refs, domain.ServerRef{Host: s})
			continue
		}
		refs = append(refs, domain.ServerRef{Host: host, Port: port})
	}
	return refs
}

// withAgent unlocks the identity, starts the agent's background loops, runs
// fn, and tears the agent down again. Used by every command that talks to a
// relay.
func withAgent(cmd *cobra.Command, fn func(ctx context.Context, a *app.Agent) error) error {
	a, err := appCtx.Agent(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking agent: %w", err)
	}
	ctx := cmd.Context()
	a.Start(ctx)
	defer a.Stop()
	return fn(ctx, a)
}
