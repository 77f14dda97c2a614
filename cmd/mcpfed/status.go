package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"mcpfed/pkg/types"
)

func statusCmd() *cobra.Command {
	var (
		serverURL  string
		jsonOutput bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show federation peer status",
		Long: `Connect to every configured peer and report its state and capabilities.
With --server, ask a running gateway instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose && !jsonOutput)
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var peers []types.PeerStatus
			if serverURL != "" {
				var err error
				peers, err = fetchStatus(ctx, serverURL)
				if err != nil {
					return err
				}
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				gw, err := newGateway(cfg, prometheus.NewRegistry(), logger)
				if err != nil {
					return err
				}
				defer gw.manager.Close()

				gw.retry.MaxAttempts = 1
				gw.connectAll(ctx, cfg.Peers, logger)
				peers = gw.manager.Status()
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"peers": peers})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderSummary(peers))
			if len(peers) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), renderPeers(peers))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "base URL of a running gateway, e.g. http://localhost:8080")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall time limit")
	return cmd
}

func fetchStatus(ctx context.Context, baseURL string) ([]types.PeerStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/peers/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		Peers []types.PeerStatus `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return out.Peers, nil
}
