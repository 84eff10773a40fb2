// Package signerd is the client for the remote signer service, which holds
// wallet key custody and broadcasts transactions on our behalf.
package signerd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/solhedge/exitpilot/internal/crypto"
	"github.com/solhedge/exitpilot/internal/domain"
)

// Client is the signer service client. Requests are HMAC-authenticated.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

var _ domain.RemoteSigner = (*Client)(nil)

// NewClient creates a signer client.
func NewClient(baseURL string, auth *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		httpClient: &http.Client{
			// Broadcasting can block on chain congestion; give it room.
			Timeout: 60 * time.Second,
		},
	}
}

// apiSignRequest is the wire format of a sign-and-send request.
type apiSignRequest struct {
	OwnerID    string `json:"owner_id"`
	Chain      string `json:"chain"`
	UnsignedTx string `json:"unsigned_tx"`
}

// apiSignResponse is the wire format of a sign-and-send response.
type apiSignResponse struct {
	TxHash string `json:"tx_hash"`
}

// SignAndSend submits an unsigned transaction for signing and broadcast and
// returns the transaction hash.
//
// Error texts deliberately include the signer's full response body: the
// service races its own RPC and sometimes reports an error for a transaction
// that still landed, with the hash embedded in the message. The executor
// sniffs error text for such hashes.
func (c *Client) SignAndSend(ctx context.Context, ownerID, chain, unsignedTx string) (string, error) {
	payload, err := json.Marshal(apiSignRequest{
		OwnerID:    ownerID,
		Chain:      chain,
		UnsignedTx: unsignedTx,
	})
	if err != nil {
		return "", fmt.Errorf("signerd: marshal request: %w", err)
	}

	const path = "/v1/sign-and-send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("signerd: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.auth.Headers(http.MethodPost, path, string(payload)) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("signerd: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("signerd: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("signerd: %w: %s", domain.ErrUnauthorized, string(body))
	default:
		return "", fmt.Errorf("signerd: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out apiSignResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("signerd: decode response: %s: %w", string(body), err)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("signerd: empty tx hash in response: %s", string(body))
	}
	return out.TxHash, nil
}
