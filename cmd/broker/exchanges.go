package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	exchangesModel       string
	exchangesConnectorID string
	exchangesLimit       int
)

var exchangesCmd = &cobra.Command{
	Use:   "exchanges",
	Short: "query completed exchanges recorded by a running broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExchanges()
	},
}

func init() {
	exchangesCmd.Flags().StringVar(&exchangesModel, "model", "", "filter by exact model name")
	exchangesCmd.Flags().StringVar(&exchangesConnectorID, "connector-id", "", "filter by connector id")
	exchangesCmd.Flags().IntVar(&exchangesLimit, "limit", 50, "maximum rows to return, most recent first")
}

type exchangeEntry struct {
	CorrelationID string `json:"CorrelationID"`
	Model         string `json:"Model"`
	ConnectorID   string `json:"ConnectorID"`
	Status        int    `json:"Status"`
	Streamed      bool   `json:"Streamed"`
	DurationMs    int64  `json:"DurationMs"`
	Timestamp     string `json:"Timestamp"`
	Err           string `json:"Err"`
}

func runExchanges() error {
	base, err := adminBaseURL()
	if err != nil {
		return err
	}
	q := url.Values{}
	if exchangesModel != "" {
		q.Set("model", exchangesModel)
	}
	if exchangesConnectorID != "" {
		q.Set("connector_id", exchangesConnectorID)
	}
	if exchangesLimit > 0 {
		q.Set("limit", strconv.Itoa(exchangesLimit))
	}
	u := base + "/admin/exchanges"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return fmt.Errorf("contacting broker admin API (is it running?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker admin API returned %s", resp.Status)
	}
	var entries []exchangeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decoding exchange list: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tCORRELATION_ID\tMODEL\tCONNECTOR_ID\tSTATUS\tSTREAMED\tDURATION_MS\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%d\t%s\n",
			e.Timestamp, e.CorrelationID, e.Model, e.ConnectorID, e.Status, e.Streamed, e.DurationMs, e.Err)
	}
	return tw.Flush()
}
