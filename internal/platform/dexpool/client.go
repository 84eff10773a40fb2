// Package dexpool is the REST client for the on-chain pool quote venue,
// which derives a USD price from a token's own liquidity pool.
package dexpool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/solhedge/exitpilot/internal/domain"
)

// Client is the pool quote API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ domain.PoolQuoter = (*Client)(nil)

// NewClient creates a pool quote client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// apiPoolPrice is the wire format of a pool price response.
type apiPoolPrice struct {
	Chain        string  `json:"chain"`
	Contract     string  `json:"contract"`
	PriceUsd     float64 `json:"price_usd"`
	LiquidityUsd float64 `json:"liquidity_usd"`
}

// QuotePool returns the USD price for a token from its liquidity pool. The
// contract address is preferred; when only a symbol is known the venue
// resolves its best-liquidity match on the chain.
func (c *Client) QuotePool(ctx context.Context, chain, symbol, contract string) (float64, error) {
	params := url.Values{}
	params.Set("chain", chain)
	if contract != "" {
		params.Set("contract", contract)
	} else {
		params.Set("symbol", symbol)
	}

	body, err := c.doGet(ctx, "/v1/pool/price?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("dexpool: quote %s on %s: %w", symbol, chain, err)
	}

	var p apiPoolPrice
	if err := json.Unmarshal(body, &p); err != nil {
		return 0, fmt.Errorf("dexpool: decode price: %w", err)
	}
	if p.PriceUsd <= 0 {
		return 0, fmt.Errorf("dexpool: %w: symbol=%s chain=%s", domain.ErrPriceUnavailable, symbol, chain)
	}
	return p.PriceUsd, nil
}

// doGet sends an unauthenticated GET request to the pool API.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, string(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
	default:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
}
