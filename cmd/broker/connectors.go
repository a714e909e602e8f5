package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/ctrlai/remotellm/internal/brokerconfig"
)

var modelFilter string
var revokeReason string

var connectorsCmd = &cobra.Command{
	Use:   "connectors",
	Short: "inspect and manage connectors registered with a running broker",
}

var connectorsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "list connectors, optionally filtered by advertised model",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnectorsLs()
	},
}

var connectorsApproveCmd = &cobra.Command{
	Use:   "approve <connector-id>",
	Short: "approve a pending connector, minting it an api key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnectorsApprove(args[0])
	},
}

var connectorsRevokeCmd = &cobra.Command{
	Use:   "revoke <connector-id>",
	Short: "revoke a connector's access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnectorsRevoke(args[0])
	},
}

var connectorsDeleteCmd = &cobra.Command{
	Use:   "delete <connector-id>",
	Short: "delete a connector record entirely",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConnectorsDelete(args[0])
	},
}

func init() {
	connectorsLsCmd.Flags().StringVar(&modelFilter, "model", "", "glob pattern to filter by advertised model, e.g. 'gpt-*'")
	connectorsRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "reason recorded for the revocation")
	connectorsCmd.AddCommand(connectorsLsCmd, connectorsApproveCmd, connectorsRevokeCmd, connectorsDeleteCmd)
}

// adminBaseURL resolves the running broker's admin address from the
// config file the CLI shares with `broker start`.
func adminBaseURL() (string, error) {
	cfg, err := brokerconfig.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return "", fmt.Errorf("loading broker config: %w", err)
	}
	host := cfg.BindHost
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.HTTPPort), nil
}

type connectorListEntry struct {
	ConnectorID string   `json:"connector_id"`
	DisplayName string   `json:"display_name"`
	Models      []string `json:"models"`
	Status      string   `json:"status"`
}

func fetchConnectors() ([]connectorListEntry, error) {
	base, err := adminBaseURL()
	if err != nil {
		return nil, err
	}
	resp, err := http.Get(base + "/admin/connectors")
	if err != nil {
		return nil, fmt.Errorf("contacting broker admin API (is it running?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker admin API returned %s", resp.Status)
	}
	var out []connectorListEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding connector list: %w", err)
	}
	return out, nil
}

func matchesModelFilter(g glob.Glob, models []string) bool {
	if g == nil {
		return true
	}
	for _, m := range models {
		if g.Match(m) {
			return true
		}
	}
	return false
}

func runConnectorsLs() error {
	entries, err := fetchConnectors()
	if err != nil {
		return err
	}

	var g glob.Glob
	if modelFilter != "" {
		g, err = glob.Compile(modelFilter)
		if err != nil {
			return fmt.Errorf("invalid --model pattern %q: %w", modelFilter, err)
		}
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONNECTOR_ID\tDISPLAY_NAME\tSTATUS\tMODELS")
	for _, e := range entries {
		if !matchesModelFilter(g, e.Models) {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", e.ConnectorID, e.DisplayName, e.Status, e.Models)
	}
	return tw.Flush()
}

func postAdmin(path string, query url.Values) (*http.Response, error) {
	base, err := adminBaseURL()
	if err != nil {
		return nil, err
	}
	u := base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return http.Post(u, "application/json", nil)
}

func runConnectorsApprove(connectorID string) error {
	resp, err := postAdmin("/admin/connectors/approve", url.Values{"id": {connectorID}})
	if err != nil {
		return fmt.Errorf("contacting broker admin API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("approve failed: %s", resp.Status)
	}
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding approve response: %w", err)
	}
	fmt.Printf("approved %s, api_key=%s\n", connectorID, body.APIKey)
	return nil
}

func runConnectorsRevoke(connectorID string) error {
	resp, err := postAdmin("/admin/connectors/revoke", url.Values{"id": {connectorID}, "reason": {revokeReason}})
	if err != nil {
		return fmt.Errorf("contacting broker admin API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke failed: %s", resp.Status)
	}
	fmt.Printf("revoked %s\n", connectorID)
	return nil
}

func runConnectorsDelete(connectorID string) error {
	base, err := adminBaseURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodDelete, base+"/admin/connectors/delete?id="+url.QueryEscape(connectorID), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting broker admin API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete failed: %s", resp.Status)
	}
	fmt.Printf("deleted %s\n", connectorID)
	return nil
}
