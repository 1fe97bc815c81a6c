package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainhaven/dsnsync/pkg/api"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show import pipeline status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("status-addr")
			format, _ := cmd.Flags().GetString("format")

			raw, err := fetchStatus(cmd.Context(), addr)
			if err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}

			if format == "table" {
				var hs api.HealthStatus
				if err := json.Unmarshal(raw, &hs); err != nil {
					return fmt.Errorf("decode status: %w", err)
				}
				return printStatusTable(&hs)
			}

			// JSON output (pretty-printed).
			var out any
			if err := json.Unmarshal(raw, &out); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().String("status-addr", "localhost:8080", "status server address")
	cmd.Flags().String("format", "table", "output format: table or json")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (json.RawMessage, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func printStatusTable(hs *api.HealthStatus) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range []struct {
		label string
		value any
	}{
		{"Healthy", hs.Healthy},
		{"Pipeline State", hs.PipelineState},
		{"Current Segment", hs.CurrentSegment},
		{"Blocks Queued", hs.BlocksQueued},
		{"Best Block", hs.BestBlock},
		{"Checkpoint", hs.Checkpoint},
		{"Uptime", hs.Uptime},
		{"Version", hs.Version},
	} {
		if _, err := fmt.Fprintf(w, "%s:\t%v\n", row.label, row.value); err != nil {
			return err
		}
	}
	return w.Flush()
}
