// Package feesvc is the client for the downstream fee collection service.
// Calls are fire-and-forget: failures are logged by callers and never block
// the exit pipeline.
package feesvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/solhedge/exitpilot/internal/domain"
)

// Client is the fee service API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ domain.FeeCollector = (*Client)(nil)

// NewClient creates a fee service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// apiFeeRequest is the wire format of a fee collection request.
type apiFeeRequest struct {
	TradeAmountUsd float64 `json:"trade_amount_usd"`
	Side           string  `json:"side"`
	Chain          string  `json:"chain"`
	OwnerID        string  `json:"owner_id"`
	WalletAddress  string  `json:"wallet_address"`
}

// apiFeeResponse is the wire format of a fee collection result.
type apiFeeResponse struct {
	FeeUsd float64 `json:"fee_usd"`
}

// Collect asks the fee service to size and collect the platform fee from
// real trade proceeds. It returns the fee amount taken, in USD.
func (c *Client) Collect(ctx context.Context, req domain.FeeRequest) (float64, error) {
	payload, err := json.Marshal(apiFeeRequest{
		TradeAmountUsd: req.TradeAmountUsd,
		Side:           req.Side,
		Chain:          req.Chain,
		OwnerID:        req.OwnerID,
		WalletAddress:  req.WalletAddress,
	})
	if err != nil {
		return 0, fmt.Errorf("feesvc: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/fees/collect", bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("feesvc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("feesvc: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("feesvc: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out apiFeeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("feesvc: decode response: %w", err)
	}
	return out.FeeUsd, nil
}
