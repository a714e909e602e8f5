// Command connector runs the remotellm connector: it dials out to a
// broker, advertises the models served by a local LLM server, and
// relays REQUEST envelopes to that server until told otherwise.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ctrlai/remotellm/internal/connectorclient"
	"github.com/ctrlai/remotellm/internal/connectorconfig"
	"github.com/ctrlai/remotellm/internal/llmclient"
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
		return ".remotellm-connector"
	}
	return filepath.Join(home, ".remotellm-connector")
}

var configDir string

// connectorVersion is sent in AUTH's connector_version field; bumped
// alongside releases of this binary.
const connectorVersion = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "connector",
	Short: "remotellm connector — relays a local LLM server to a remotellm broker",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "connector config and state directory")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

func resolvePath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(configDir, name)
}

func loadConfig() (*connectorconfig.Config, error) {
	return connectorconfig.Load(filepath.Join(configDir, "config.yaml"))
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "view and manage the connector configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "write a default config.yaml to the config directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if err := connectorconfig.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", path)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "connect to the broker and start relaying requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "check that the local LLM server is reachable, without connecting to a broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor()
	},
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildLLMClient(cfg *connectorconfig.Config) *llmclient.Client {
	return llmclient.New(cfg.UpstreamURL, cfg.UpstreamSSLVerify, cfg.UpstreamHostHeader)
}

// resolveModels returns cfg.ModelsOverride if set, otherwise queries the
// local LLM server's /v1/models and extracts the advertised ids.
func resolveModels(ctx context.Context, cfg *connectorconfig.Config, llm *llmclient.Client) ([]string, error) {
	if len(cfg.ModelsOverride) > 0 {
		return cfg.ModelsOverride, nil
	}

	raw, err := llm.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering models from upstream LLM server: %w", err)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("parsing upstream /v1/models response: %w", err)
	}
	models := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("upstream LLM server advertised no models; set models_override")
	}
	return models, nil
}

func runStart() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading connector config: %w", err)
	}

	llm := buildLLMClient(cfg)

	ctx, stop := newSignalContext()
	defer stop()

	models, err := resolveModels(ctx, cfg, llm)
	if err != nil {
		return err
	}
	fmt.Printf("[connector] advertising models: %v\n", models)

	client := connectorclient.New(connectorclient.Config{
		BrokerURL:          cfg.BrokerURL,
		BrokerToken:        cfg.BrokerToken,
		CredentialsFile:    resolvePath(cfg.CredentialsFile),
		Models:             models,
		DisplayName:        cfg.DisplayName,
		ConnectorVersion:   connectorVersion,
		UpstreamAPIKey:     cfg.UpstreamAPIKey,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay(),
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay(),
		KeepaliveInterval:  cfg.KeepaliveInterval(),
		ConnectTimeout:     cfg.ConnectTimeout(),
		UpstreamTimeout:    cfg.UpstreamTimeout(),
	}, llm)

	fmt.Printf("[connector] connecting to %s\n", cfg.BrokerURL)
	client.Run(ctx)
	client.Stop()
	fmt.Println("[connector] stopped")
	return nil
}

func runDoctor() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading connector config: %w", err)
	}

	llm := buildLLMClient(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthy, err := llm.CheckHealth(ctx)
	if err != nil {
		fmt.Printf("[doctor] upstream LLM server at %s is NOT reachable: %v\n", cfg.UpstreamURL, err)
		os.Exit(1)
	}
	if !healthy {
		fmt.Printf("[doctor] upstream LLM server at %s is NOT reachable\n", cfg.UpstreamURL)
		os.Exit(1)
	}
	fmt.Printf("[doctor] upstream LLM server at %s is reachable\n", cfg.UpstreamURL)

	models, err := resolveModels(ctx, cfg, llm)
	if err != nil {
		fmt.Printf("[doctor] model discovery failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("[doctor] advertised models: %v\n", models)
	return nil
}
