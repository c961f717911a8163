package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	orderpayhttp "github.com/x402-foundation/orderpay/http"
)

const apiTimeout = 30 * time.Second

func settleCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "settle <order-id> [tx-hash]",
		Short: "Ask the settlement API to settle an order",
		Long: `Trigger settlement of an order through the settlement API. Without a
transaction hash the daemon watches the ledger for any payment of the order.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orderpayhttp.SettlementRequest{OrderID: args[0]}
			if len(args) == 2 {
				req.TxHash = args[1]
			}
			body, err := json.Marshal(req)
			if err != nil {
				return err
			}

			var status orderpayhttp.SettlementStatus
			if err := callAPI(cmd.Context(), http.MethodPost, g.apiURL, "/settlements", body, &status); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func statusCmd(g *globals) *cobra.Command {
	var cancel bool

	cmd := &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show the settlement state or decision of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := http.MethodGet
			if cancel {
				method = http.MethodDelete
			}

			var status orderpayhttp.SettlementStatus
			path := "/settlements/" + url.PathEscape(args[0])
			if err := callAPI(cmd.Context(), method, g.apiURL, path, nil, &status); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}

	cmd.Flags().BoolVar(&cancel, "cancel", false, "Cancel settlement of the order")

	return cmd
}

// callAPI sends one request to the settlement API and decodes a 2xx body
// into out
func callAPI(ctx context.Context, method, base, path string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("settlement API unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr orderpayhttp.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Code != "" {
				return fmt.Errorf("settlement API error (%d, %s): %s", resp.StatusCode, apiErr.Code, apiErr.Error)
			}
			return fmt.Errorf("settlement API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("settlement API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
