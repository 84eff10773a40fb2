// Package chainscan is the client for the chain status collaborator, which
// resolves the on-chain outcome and actual proceeds of a transaction.
package chainscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/solhedge/exitpilot/internal/domain"
)

// Client is the chain status API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ domain.ChainStatus = (*Client)(nil)

// NewClient creates a chain status client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

// apiTxStatus is the wire format of a transaction status response.
type apiTxStatus struct {
	Status        string  `json:"status"` // "pending", "confirmed", "reverted"
	AmountOut     float64 `json:"amount_out_usd"`
	FailureReason string  `json:"failure_reason,omitempty"`
}

// TxStatus resolves the status of a submitted transaction. The hints narrow
// the transfer parsing to the payer/recipient pair we expect, so unrelated
// transfers inside the same transaction are not mistaken for our proceeds.
func (c *Client) TxStatus(ctx context.Context, chain, txHash string, hints domain.TxHints) (domain.TxOutcome, error) {
	params := url.Values{}
	if hints.Payer != "" {
		params.Set("payer", hints.Payer)
	}
	if hints.Recipient != "" {
		params.Set("recipient", hints.Recipient)
	}
	if hints.MinAmountOut > 0 {
		params.Set("min_amount_out", strconv.FormatFloat(hints.MinAmountOut, 'f', -1, 64))
	}

	path := fmt.Sprintf("/v1/tx/%s/%s", url.PathEscape(chain), url.PathEscape(txHash))
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}

	body, err := c.doGet(ctx, path)
	if err != nil {
		return domain.TxOutcome{}, fmt.Errorf("chainscan: status of %s on %s: %w", txHash, chain, err)
	}

	var st apiTxStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return domain.TxOutcome{}, fmt.Errorf("chainscan: decode status: %w", err)
	}

	switch st.Status {
	case "confirmed":
		return domain.TxOutcome{Final: true, Success: true, AmountOut: st.AmountOut}, nil
	case "reverted":
		return domain.TxOutcome{Final: true, Success: false, FailureReason: st.FailureReason}, nil
	default:
		return domain.TxOutcome{Final: false}, nil
	}
}

// doGet sends a GET request to the chain status API. A 404 is returned as
// ErrNotFound; a not-yet-indexed transaction is ambiguity the reconciler
// handles, not a hard failure.
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
	default:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
}
