// Package ipfs publishes JSON documents to a content-addressed storage
// network through a pinning-service HTTP API. Documents are immutable once
// pinned; the network has no delete or update operation this service uses.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ipfs/go-cid"

	"didvault/internal/platform/config"
	"didvault/pkg/platform/retry"
)

// Client pins JSON payloads and resolves gateway URLs for the returned CIDs.
type Client struct {
	baseURL    string
	apiToken   string
	gatewayURL string
	httpClient *http.Client
}

// NewClient constructs a pinning client from configuration.
func NewClient(cfg config.Storage) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiToken:   cfg.APIToken,
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type pinRequest struct {
	Metadata pinMetadata     `json:"pinataMetadata"`
	Content  json.RawMessage `json:"pinataContent"`
}

type pinMetadata struct {
	Name string `json:"name"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int    `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// PinJSON publishes the payload and returns the validated CID plus a gateway
// URL. Transient pinning failures are retried with capped backoff.
func (c *Client) PinJSON(ctx context.Context, name string, payload any) (string, string, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal(pinRequest{
		Metadata: pinMetadata{Name: name},
		Content:  content,
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal pin request: %w", err)
	}

	var pinned pinResponse
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/pinning/pinJSONToIPFS", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("build pin request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("pin request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
				return retry.Permanent(fmt.Errorf("decode pin response: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("pinning service returned %d", resp.StatusCode)
		default:
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return retry.Permanent(fmt.Errorf("pinning service rejected request (%d): %s", resp.StatusCode, detail))
		}
	}

	if err := retry.Do(ctx, retry.DefaultPolicy(), attempt, nil); err != nil {
		return "", "", err
	}

	parsed, err := cid.Decode(pinned.IpfsHash)
	if err != nil {
		return "", "", fmt.Errorf("pinning service returned invalid CID %q: %w", pinned.IpfsHash, err)
	}
	id := parsed.String()
	return id, c.gatewayURL + "/" + id, nil
}
