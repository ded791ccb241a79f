package custody

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"didvault/internal/platform/config"
	"didvault/pkg/platform/circuit"
	"didvault/pkg/platform/retry"
	"didvault/pkg/platform/sentinel"
)

type ClientSuite struct {
	suite.Suite
	key *rsa.PrivateKey
	pem string
	ctx context.Context
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupSuite() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	s.key = key
	s.pem = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	s.ctx = context.Background()
}

func (s *ClientSuite) newClient(baseURL string) *Client {
	client, err := NewClient(config.Custody{
		BaseURL:       baseURL,
		APIKey:        "api-key-1",
		SigningKeyPEM: s.pem,
		Timeout:       5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	s.Require().NoError(err)
	// Fast retries keep the suite quick.
	client.policy = retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxAttempts: 3}
	return client
}

func (s *ClientSuite) parseToken(r *http.Request) jwt.MapClaims {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	s.Require().NoError(err)
	return claims
}

func (s *ClientSuite) TestCreateVaultSignsRequest() {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("api-key-1", r.Header.Get("X-API-Key"))

		var err error
		gotBody, err = io.ReadAll(r.Body)
		s.Require().NoError(err)

		claims := s.parseToken(r)
		s.Equal("/v1/vault/accounts", claims["uri"])
		s.Equal("api-key-1", claims["sub"])
		s.NotEmpty(claims["nonce"])

		sum := sha256.Sum256(gotBody)
		s.Equal(hex.EncodeToString(sum[:]), claims["bodyHash"])

		_ = json.NewEncoder(w).Encode(VaultAccount{ID: "vault-9", Name: "user-alice"})
	}))
	defer server.Close()

	vault, err := s.newClient(server.URL).CreateVault(s.ctx, "user-alice")
	s.Require().NoError(err)
	s.Equal("vault-9", vault.ID)
	s.JSONEq(`{"name":"user-alice"}`, string(gotBody))
}

func (s *ClientSuite) TestErrorClassification() {
	cases := []struct {
		name     string
		status   int
		category ErrorCategory
	}{
		{name: "conflict", status: http.StatusConflict, category: ErrorConflict},
		{name: "not found", status: http.StatusNotFound, category: ErrorNotFound},
		{name: "auth", status: http.StatusUnauthorized, category: ErrorAuthentication},
		{name: "bad request", status: http.StatusBadRequest, category: ErrorBadRequest},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]any{"message": "nope", "code": 1})
			}))
			defer server.Close()

			err := s.newClient(server.URL).ActivateAsset(s.ctx, "vault-1", "BTC_TEST")
			s.Require().Error(err)
			s.Equal(tc.category, GetCategory(err))
		})
	}
}

func (s *ClientSuite) TestRetriesOutages() {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(VaultAsset{ID: "BTC_TEST", Total: "0"})
	}))
	defer server.Close()

	asset, err := s.newClient(server.URL).GetVaultAsset(s.ctx, "vault-1", "BTC_TEST")
	s.Require().NoError(err)
	s.Equal("BTC_TEST", asset.ID)
	s.Equal(int32(3), hits.Load())
}

func (s *ClientSuite) TestOpenBreakerShortCircuits() {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := s.newClient(server.URL)
	client.breaker = circuit.New("custody", circuit.WithFailureThreshold(1))

	_, err := client.GetVaultAsset(s.ctx, "vault-1", "BTC_TEST")
	s.Require().Error(err)
	s.ErrorIs(err, sentinel.ErrUnavailable)
	s.Equal(int32(1), hits.Load())
}

func (s *ClientSuite) TestDoesNotRetryTerminalErrors() {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := s.newClient(server.URL).ActivateAsset(s.ctx, "vault-1", "BTC_TEST")
	s.Require().Error(err)
	s.Equal(int32(1), hits.Load())
}

func TestNewClientRejectsBadKey(t *testing.T) {
	_, err := NewClient(config.Custody{
		BaseURL:       "https://api.example.com",
		SigningKeyPEM: "not a pem",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.Error(t, err)
}
