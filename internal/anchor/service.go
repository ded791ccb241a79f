// Package anchor hashes a user's wallet addresses into a canonical combined
// digest and publishes the anchor document to content-addressed storage.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"didvault/internal/custody"
	"didvault/internal/domain"
)

// PinClient publishes JSON documents to content-addressed storage.
type PinClient interface {
	PinJSON(ctx context.Context, name string, payload any) (cid string, url string, err error)
}

// WalletHash is the per-chain digest entry embedded in the anchor document.
type WalletHash struct {
	Chain             domain.Chain `json:"chain"`
	Address           string       `json:"address"`
	AddressHash       string       `json:"addressHash"`
	LegacyAddressHash string       `json:"legacyAddressHash,omitempty"`
}

// Document is the JSON payload pinned to storage. The creation timestamp is
// part of the payload, so republishing an unchanged wallet set yields a new
// CID while CombinedHash stays stable.
type Document struct {
	Owner        string         `json:"owner"`
	Purpose      string         `json:"purpose"`
	WalletCount  int            `json:"walletCount"`
	Chains       []domain.Chain `json:"chains"`
	CreatedAt    time.Time      `json:"createdAt"`
	Wallets      []WalletHash   `json:"wallets"`
	CombinedHash string         `json:"combinedHash"`
}

// Anchor is the published outcome.
type Anchor struct {
	CID          string
	URL          string
	CombinedHash string
	Hashes       []WalletHash
	CreatedAt    time.Time
}

// Service builds and publishes wallet anchor documents.
type Service struct {
	pins   PinClient
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewService wires the anchor service over a pin client.
func NewService(pins PinClient, logger *slog.Logger) *Service {
	return &Service{pins: pins, logger: logger, nowFn: time.Now}
}

// Anchor digests every wallet address, derives the combined hash over the
// sorted chain set, and pins the document.
func (s *Service) Anchor(ctx context.Context, userID string, wallets map[domain.Chain]custody.AddressInfo) (Anchor, error) {
	if len(wallets) == 0 {
		return Anchor{}, fmt.Errorf("no wallets to anchor for user %s", userID)
	}

	chains := sortedChains(wallets)
	hashes := make([]WalletHash, 0, len(chains))
	for _, chain := range chains {
		info := wallets[chain]
		h := WalletHash{
			Chain:       chain,
			Address:     info.Address,
			AddressHash: hashHex(info.Address),
		}
		if info.LegacyAddress != "" {
			h.LegacyAddressHash = hashHex(info.LegacyAddress)
		}
		hashes = append(hashes, h)
	}

	combined := CombinedHash(wallets)
	doc := Document{
		Owner:        userID,
		Purpose:      "wallet-ownership-anchor",
		WalletCount:  len(chains),
		Chains:       chains,
		CreatedAt:    s.nowFn().UTC(),
		Wallets:      hashes,
		CombinedHash: combined,
	}

	cid, url, err := s.pins.PinJSON(ctx, fmt.Sprintf("wallet-anchor-%s", userID), doc)
	if err != nil {
		return Anchor{}, fmt.Errorf("pin anchor document: %w", err)
	}

	s.logger.InfoContext(ctx, "wallet anchor published",
		"user_id", userID,
		"cid", cid,
		"wallet_count", len(chains),
	)
	return Anchor{
		CID:          cid,
		URL:          url,
		CombinedHash: combined,
		Hashes:       hashes,
		CreatedAt:    doc.CreatedAt,
	}, nil
}

// CombinedHash digests the canonical serialization of the wallet set:
// "<chain>:<address>" entries joined with "|", sorted by chain name. Sorting
// makes the hash a pure function of the set, independent of discovery order.
func CombinedHash(wallets map[domain.Chain]custody.AddressInfo) string {
	chains := sortedChains(wallets)
	parts := make([]string, 0, len(chains))
	for _, chain := range chains {
		parts = append(parts, string(chain)+":"+wallets[chain].Address)
	}
	return hashHex(strings.Join(parts, "|"))
}

func sortedChains(wallets map[domain.Chain]custody.AddressInfo) []domain.Chain {
	chains := make([]domain.Chain, 0, len(wallets))
	for chain := range wallets {
		chains = append(chains, chain)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
