// Package alphaquote is the REST client for the aggregated off-chain quote
// venue, which prices listed tokens by ticker symbol.
package alphaquote

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

// Client is the aggregated quote API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ domain.SymbolQuoter = (*Client)(nil)

// NewClient creates a quote client.
//
// baseURL is the API root, e.g. "https://quotes.solhedge.io".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// apiQuote is the wire format of a quote response.
type apiQuote struct {
	Symbol    string  `json:"symbol"`
	PriceUsd  float64 `json:"price_usd"`
	UpdatedAt int64   `json:"updated_at"`
}

// QuoteSymbol returns the aggregated USD price for a ticker symbol.
func (c *Client) QuoteSymbol(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doGet(ctx, "/v1/quote?"+params.Encode())
	if err != nil {
		return 0, fmt.Errorf("alphaquote: quote %s: %w", symbol, err)
	}

	var q apiQuote
	if err := json.Unmarshal(body, &q); err != nil {
		return 0, fmt.Errorf("alphaquote: decode quote: %w", err)
	}
	if q.PriceUsd <= 0 {
		return 0, fmt.Errorf("alphaquote: %w: symbol=%s", domain.ErrPriceUnavailable, symbol)
	}
	return q.PriceUsd, nil
}

// doGet sends an unauthenticated GET request to the quote API.
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
