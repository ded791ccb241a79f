// Package didmint mints did:key identities referencing a wallet anchor and
// persists the per-user DID record.
package didmint

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"didvault/internal/anchor"
	"didvault/internal/custody"
	"didvault/internal/domain"
	"didvault/pkg/platform/sentinel"
)

const keyType = "Ed25519VerificationKey2020"

// ed25519-pub multicodec prefix (0xed, varint-encoded) for did:key.
var ed25519Multicodec = []byte{0xed, 0x01}

// RecordStore persists DID records. The provisioning store satisfies this.
type RecordStore interface {
	FindDIDByUser(ctx context.Context, userID string) (domain.DIDRecord, error)
	UpsertDID(ctx context.Context, record domain.DIDRecord) error
}

// MintResult is the published outcome of a mint.
type MintResult struct {
	DID                  string
	DocumentCID          string
	DocumentURL          string
	VerificationMethodID string
	KeyType              string
	Reused               bool
}

// Service mints DID documents and upserts DID records.
type Service struct {
	pins    anchor.PinClient
	records RecordStore
	logger  *slog.Logger

	// reuseExistingDID keeps one DID per user for life: a repeat run reuses
	// the stored identifier instead of minting a fresh keypair.
	reuseExistingDID bool
}

// NewService wires the minting service. Reusing existing DIDs is the default;
// pass reuse=false to mint a fresh identity on every run.
func NewService(pins anchor.PinClient, records RecordStore, logger *slog.Logger, reuse bool) *Service {
	return &Service{pins: pins, records: records, logger: logger, reuseExistingDID: reuse}
}

// Mint builds and publishes a DID document referencing the anchor, then
// upserts the user's DID record. When the user already holds a DID and reuse
// is enabled, the existing identifier is kept and only the document is
// republished against the new anchor.
func (s *Service) Mint(ctx context.Context, userID string, anc anchor.Anchor, wallets map[domain.Chain]custody.AddressInfo) (MintResult, error) {
	did, multibase, reused, err := s.resolveDID(ctx, userID)
	if err != nil {
		return MintResult{}, err
	}

	vmID := did + "#key-1"
	doc := buildDocument(did, multibase, anc, wallets)

	docCID, docURL, err := s.pins.PinJSON(ctx, fmt.Sprintf("did-document-%s", userID), doc)
	if err != nil {
		return MintResult{}, fmt.Errorf("pin DID document: %w", err)
	}

	record := domain.DIDRecord{
		UserID:             userID,
		DID:                did,
		DocumentCID:        docCID,
		DocumentURL:        docURL,
		VerificationMethod: vmID,
		KeyType:            keyType,
		AnchorCID:          anc.CID,
		CombinedHash:       anc.CombinedHash,
		Chains:             chainsOf(wallets),
		WalletCount:        len(wallets),
		UpdatedAt:          time.Now().UTC(),
	}
	if err := s.records.UpsertDID(ctx, record); err != nil {
		return MintResult{}, fmt.Errorf("persist DID record: %w", err)
	}

	s.logger.InfoContext(ctx, "DID minted",
		"user_id", userID,
		"did", did,
		"document_cid", docCID,
		"reused", reused,
	)
	return MintResult{
		DID:                  did,
		DocumentCID:          docCID,
		DocumentURL:          docURL,
		VerificationMethodID: vmID,
		KeyType:              keyType,
		Reused:               reused,
	}, nil
}

// resolveDID returns the DID and its multibase-encoded public key, reusing
// the stored identifier when allowed. did:key embeds the public key in the
// identifier, so reuse needs no access to the original keypair.
func (s *Service) resolveDID(ctx context.Context, userID string) (did, multibase string, reused bool, err error) {
	if s.reuseExistingDID {
		existing, findErr := s.records.FindDIDByUser(ctx, userID)
		switch {
		case findErr == nil && strings.HasPrefix(existing.DID, "did:key:"):
			return existing.DID, strings.TrimPrefix(existing.DID, "did:key:"), true, nil
		case findErr != nil && !errors.Is(findErr, sentinel.ErrNotFound):
			return "", "", false, fmt.Errorf("look up existing DID: %w", findErr)
		}
	}

	pub, _, genErr := ed25519.GenerateKey(rand.Reader)
	if genErr != nil {
		return "", "", false, fmt.Errorf("generate signing keypair: %w", genErr)
	}
	multibase = EncodeMultibase(pub)
	return "did:key:" + multibase, multibase, false, nil
}

// EncodeMultibase encodes an Ed25519 public key as base58btc multibase with
// the ed25519-pub multicodec prefix, per the did:key method.
func EncodeMultibase(pub ed25519.PublicKey) string {
	prefixed := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	prefixed = append(prefixed, ed25519Multicodec...)
	prefixed = append(prefixed, pub...)
	return "z" + base58.Encode(prefixed)
}

func chainsOf(wallets map[domain.Chain]custody.AddressInfo) []domain.Chain {
	chains := make([]domain.Chain, 0, len(wallets))
	for _, c := range domain.Chains {
		if _, ok := wallets[c]; ok {
			chains = append(chains, c)
		}
	}
	return chains
}
