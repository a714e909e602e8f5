// Command broker runs the remotellm broker: it accepts connector
// WebSocket connections, admits or approves them, and serves an
// OpenAI-compatible HTTP edge that routes end-user requests to whichever
// connector currently advertises the requested model.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlai/remotellm/internal/brokerconfig"
	"github.com/ctrlai/remotellm/internal/connectorstore"
	"github.com/ctrlai/remotellm/internal/edge"
	"github.com/ctrlai/remotellm/internal/exchangelog"
	"github.com/ctrlai/remotellm/internal/router"
	"github.com/ctrlai/remotellm/internal/transport"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".remotellm-broker"
	}
	return filepath.Join(home, ".remotellm-broker")
}

var configDir string

var rootCmd = &cobra.Command{
	Use:   "broker",
	Short: "remotellm broker — admits connectors and relays LLM requests to them",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "broker config and state directory")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(connectorsCmd)
	rootCmd.AddCommand(exchangesCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

func resolvePath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(configDir, name)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the broker process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "view and manage the broker configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "write a default config.yaml to the config directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if err := brokerconfig.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", path)
		return nil
	},
}

// runStart wires every component together in the order spec.md §4.7
// prescribes: connector store -> router -> transport server -> HTTP edge
// -> HTTP listener.
func runStart() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	cfg, err := brokerconfig.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("loading broker config: %w", err)
	}

	var store *connectorstore.Store
	var tokens *connectorstore.StaticTokenTable
	var tokenWatcher *connectorstore.Watcher
	if cfg.ConnectorConfigFile != "" {
		path := resolvePath(cfg.ConnectorConfigFile)
		tokens, err = connectorstore.NewStaticTokenTable(path)
		if err != nil {
			return fmt.Errorf("loading static token table: %w", err)
		}
		tokenWatcher, err = connectorstore.WatchFile(path, tokens)
		if err != nil {
			return fmt.Errorf("watching static token table: %w", err)
		}
		defer tokenWatcher.Close()
		fmt.Printf("[broker] legacy static-token mode, %d token(s)\n", len(tokens.Tokens()))
	} else if len(cfg.ConnectorTokens) > 0 {
		tokens = connectorstore.NewStaticTokenTableFromList(cfg.ConnectorTokens)
		fmt.Printf("[broker] legacy static-token mode (inline connector_tokens), %d token(s)\n", len(tokens.Tokens()))
	} else {
		store, err = connectorstore.New(resolvePath(cfg.ConnectorStoreFile))
		if err != nil {
			return fmt.Errorf("loading connector store: %w", err)
		}
		fmt.Println("[broker] approval-workflow mode")
	}

	r := router.New()

	exchangeLog, err := exchangelog.Open(resolvePath(cfg.ExchangeLogFile))
	if err != nil {
		return fmt.Errorf("opening exchange log: %w", err)
	}
	defer exchangeLog.Close()

	ts := transport.New(transport.Config{
		AuthTimeout:    cfg.AuthTimeout(),
		PingInterval:   cfg.PingInterval(),
		RequestTimeout: cfg.RequestTimeout(),
	}, store, tokens, r)

	edgeServer := edge.New(edge.Options{
		Router:         r,
		Transport:      ts,
		Store:          store,
		ExchangeLog:    exchangeLog,
		UserAPIKeys:    cfg.UserAPIKeys,
		RequestTimeout: cfg.RequestTimeout(),
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", ts)
	edgeServer.Register(mux)
	admin := &adminAPI{store: store, transport: ts, exchangeLog: exchangeLog}
	admin.register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.HTTPPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[broker] listening on http://%s (ws endpoint /ws)\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	ctx, stop := newSignalContext()
	defer stop()

	select {
	case <-ctx.Done():
		fmt.Println("[broker] shutting down (signal received)")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("broker server error: %w", err)
		}
	}

	return drain(ts, httpServer, cfg.DrainTimeout())
}

// drain implements spec.md §4.7's shutdown sequence: stop accepting new
// sockets, wait up to timeout for in-flight requests to reach zero, then
// force-close everything still open.
func drain(ts *transport.Server, httpServer *http.Server, timeout time.Duration) error {
	ts.StopAccepting()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ts.InFlightCount() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[broker] HTTP shutdown error: %v\n", err)
	}
	ts.CloseAll()
	fmt.Println("[broker] stopped")
	return nil
}
