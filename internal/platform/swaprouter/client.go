// Package swaprouter is the REST client for the swap routing venue, which
// builds unsigned swap and approval transactions.
package swaprouter

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

// Client is the swap router API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ domain.SwapBuilder = (*Client)(nil)

// NewClient creates a swap router client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiSwapRequest is the wire format of a build request.
type apiSwapRequest struct {
	Chain           string  `json:"chain"`
	TokenIn         string  `json:"token_in"`
	TokenInAddress  string  `json:"token_in_address,omitempty"`
	TokenOut        string  `json:"token_out"`
	AmountIn        float64 `json:"amount_in"`
	SlippagePercent float64 `json:"slippage_percent"`
	UserAddress     string  `json:"user_address"`
}

// apiSwapPlan is the wire format of a build response.
type apiSwapPlan struct {
	UnsignedSwapTx     string  `json:"unsigned_swap_tx"`
	NeedsApproval      bool    `json:"needs_approval"`
	UnsignedApprovalTx string  `json:"unsigned_approval_tx,omitempty"`
	AmountOutMin       float64 `json:"amount_out_min"`
	TokenOutAddress    string  `json:"token_out_address"`
}

// BuildSwap asks the router for the unsigned transaction(s) selling AmountIn
// of TokenIn for TokenOut.
func (c *Client) BuildSwap(ctx context.Context, req domain.SwapRequest) (domain.SwapPlan, error) {
	payload, err := json.Marshal(apiSwapRequest{
		Chain:           req.Chain,
		TokenIn:         req.TokenIn,
		TokenInAddress:  req.TokenInAddress,
		TokenOut:        req.TokenOut,
		AmountIn:        req.AmountIn,
		SlippagePercent: req.SlippagePercent,
		UserAddress:     req.UserAddress,
	})
	if err != nil {
		return domain.SwapPlan{}, fmt.Errorf("swaprouter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/swap/build", bytes.NewReader(payload))
	if err != nil {
		return domain.SwapPlan{}, fmt.Errorf("swaprouter: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.SwapPlan{}, fmt.Errorf("swaprouter: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.SwapPlan{}, fmt.Errorf("swaprouter: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.SwapPlan{}, fmt.Errorf("swaprouter: %w: HTTP %d: %s",
			domain.ErrVenueUnavailable, resp.StatusCode, string(body))
	}

	var plan apiSwapPlan
	if err := json.Unmarshal(body, &plan); err != nil {
		return domain.SwapPlan{}, fmt.Errorf("swaprouter: decode plan: %w", err)
	}
	if plan.UnsignedSwapTx == "" {
		return domain.SwapPlan{}, fmt.Errorf("swaprouter: %w: empty swap transaction", domain.ErrVenueUnavailable)
	}

	return domain.SwapPlan{
		UnsignedSwapTx:     plan.UnsignedSwapTx,
		NeedsApproval:      plan.NeedsApproval,
		UnsignedApprovalTx: plan.UnsignedApprovalTx,
		AmountOutMin:       plan.AmountOutMin,
		TokenOutAddress:    plan.TokenOutAddress,
	}, nil
}
