package custody

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"didvault/internal/platform/config"
	"didvault/internal/platform/metrics"
	"didvault/pkg/platform/circuit"
	"didvault/pkg/platform/retry"
	"didvault/pkg/platform/sentinel"
)

// VaultAccount is a custodial vault container as reported by the provider.
type VaultAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// VaultAsset is an activated asset on a vault.
type VaultAsset struct {
	ID        string `json:"id"`
	Total     string `json:"total"`
	Available string `json:"available"`
}

// DepositAddress is a derived address for one asset on a vault.
type DepositAddress struct {
	Address       string `json:"address"`
	LegacyAddress string `json:"legacyAddress"`
	Description   string `json:"description"`
	Type          string `json:"type"`
}

// Client talks to the custodial wallet provider's REST API. Every request is
// authenticated with a short-lived RS256 JWT over the request path and body
// hash, the scheme custodial providers use for API co-signing.
type Client struct {
	baseURL    string
	apiKey     string
	signingKey *rsa.PrivateKey
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	breaker    *circuit.Breaker
	policy     retry.Policy
}

// NewClient constructs a provider client from configuration. The signing key
// must be a PEM-encoded RSA private key issued alongside the API key.
func NewClient(cfg config.Custody, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("custody base URL is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.SigningKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse custody signing key: %w", err)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		signingKey: key,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		metrics:    m,
		breaker:    circuit.New("custody"),
		policy:     retry.DefaultPolicy(),
	}, nil
}

// CreateVault creates a new vault account with the given name.
func (c *Client) CreateVault(ctx context.Context, name string) (VaultAccount, error) {
	var out VaultAccount
	err := c.do(ctx, http.MethodPost, "/v1/vault/accounts", map[string]string{"name": name}, &out)
	return out, err
}

// GetVaultAsset returns the asset entry on a vault, or a not_found provider
// error if the asset has never been activated there.
func (c *Client) GetVaultAsset(ctx context.Context, vaultID, assetID string) (VaultAsset, error) {
	var out VaultAsset
	path := fmt.Sprintf("/v1/vault/accounts/%s/%s", url.PathEscape(vaultID), url.PathEscape(assetID))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ActivateAsset activates an asset on a vault. A conflict response means the
// asset was already active; callers treat that as success.
func (c *Client) ActivateAsset(ctx context.Context, vaultID, assetID string) error {
	path := fmt.Sprintf("/v1/vault/accounts/%s/%s/activate", url.PathEscape(vaultID), url.PathEscape(assetID))
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

// CreateDepositAddress derives a new deposit address for an asset on a vault.
func (c *Client) CreateDepositAddress(ctx context.Context, vaultID, assetID, description string) (DepositAddress, error) {
	var out DepositAddress
	path := fmt.Sprintf("/v1/vault/accounts/%s/%s/addresses", url.PathEscape(vaultID), url.PathEscape(assetID))
	err := c.do(ctx, http.MethodPost, path, map[string]string{"description": description}, &out)
	return out, err
}

// ListDepositAddresses lists existing deposit addresses for an asset.
func (c *Client) ListDepositAddresses(ctx context.Context, vaultID, assetID string) ([]DepositAddress, error) {
	var out []DepositAddress
	path := fmt.Sprintf("/v1/vault/accounts/%s/%s/addresses", url.PathEscape(vaultID), url.PathEscape(assetID))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	attempt := func() error {
		if c.breaker.IsOpen() {
			return retry.Permanent(fmt.Errorf("custody circuit open: %w", sentinel.ErrUnavailable))
		}
		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			c.breaker.RecordSuccess()
			return nil
		}
		if IsRetryable(err) {
			if _, change := c.breaker.RecordFailure(); change.Opened {
				c.metrics.RecordBreakerOpened("custody")
				c.logger.WarnContext(ctx, "custody circuit opened", "path", path)
			}
			return err
		}
		// Terminal and semantic responses must not trip the breaker.
		return retry.Permanent(err)
	}

	onRetry := func(err error, next time.Duration) {
		c.metrics.RecordProviderRetry("custody")
		c.logger.WarnContext(ctx, "retrying custody call",
			"path", path,
			"backoff_ms", next.Milliseconds(),
			"error", err.Error(),
		)
	}

	return retry.Do(ctx, c.policy, attempt, onRetry)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	token, err := c.signRequest(path, payload)
	if err != nil {
		return NewProviderError(ErrorAuthentication, "sign request", 0, err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return NewProviderError(ErrorInternal, "build request", 0, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return NewProviderError(ErrorTimeout, "request deadline exceeded", 0, err)
		}
		return NewProviderError(ErrorProviderOutage, "request failed", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewProviderError(ErrorInternal, "decode response", resp.StatusCode, err)
		}
		return nil
	}

	detail := readErrorDetail(resp.Body)
	switch {
	case resp.StatusCode == http.StatusConflict:
		return NewProviderError(ErrorConflict, detail, resp.StatusCode, nil)
	case resp.StatusCode == http.StatusNotFound:
		return NewProviderError(ErrorNotFound, detail, resp.StatusCode, nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewProviderError(ErrorRateLimited, detail, resp.StatusCode, nil)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return NewProviderError(ErrorAuthentication, detail, resp.StatusCode, nil)
	case resp.StatusCode >= 500:
		return NewProviderError(ErrorProviderOutage, detail, resp.StatusCode, nil)
	default:
		return NewProviderError(ErrorBadRequest, detail, resp.StatusCode, nil)
	}
}

// signRequest builds the per-request JWT: path, nonce, issue/expiry window and
// a SHA-256 of the body, signed with the tenant's RSA key.
func (c *Client) signRequest(path string, payload []byte) (string, error) {
	now := time.Now()
	bodyHash := sha256.Sum256(payload)
	claims := jwt.MapClaims{
		"uri":      path,
		"nonce":    uuid.NewString(),
		"iat":      now.Unix(),
		"exp":      now.Add(30 * time.Second).Unix(),
		"sub":      c.apiKey,
		"bodyHash": hex.EncodeToString(bodyHash[:]),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.signingKey)
}

func readErrorDetail(r io.Reader) string {
	var envelope struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "provider error"
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Message != "" {
		return envelope.Message
	}
	return string(raw)
}
