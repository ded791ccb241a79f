package didmint

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"didvault/internal/anchor"
	"didvault/internal/custody"
	"didvault/internal/domain"
	"didvault/pkg/platform/sentinel"
)

type fakePinClient struct {
	cid     string
	url     string
	payload any
}

func (f *fakePinClient) PinJSON(_ context.Context, _ string, payload any) (string, string, error) {
	f.payload = payload
	return f.cid, f.url, nil
}

type fakeRecordStore struct {
	record domain.DIDRecord
	found  bool
	saved  []domain.DIDRecord
}

func (f *fakeRecordStore) FindDIDByUser(context.Context, string) (domain.DIDRecord, error) {
	if !f.found {
		return domain.DIDRecord{}, sentinel.ErrNotFound
	}
	return f.record, nil
}

func (f *fakeRecordStore) UpsertDID(_ context.Context, record domain.DIDRecord) error {
	f.saved = append(f.saved, record)
	return nil
}

type MintServiceSuite struct {
	suite.Suite
	pins    *fakePinClient
	records *fakeRecordStore
	ctx     context.Context
}

func TestMintServiceSuite(t *testing.T) {
	suite.Run(t, new(MintServiceSuite))
}

func (s *MintServiceSuite) SetupTest() {
	s.pins = &fakePinClient{cid: "QmDoc", url: "https://gateway.example.com/ipfs/QmDoc"}
	s.records = &fakeRecordStore{}
	s.ctx = context.Background()
}

func (s *MintServiceSuite) newService(reuse bool) *Service {
	return NewService(s.pins, s.records, slog.New(slog.NewTextHandler(io.Discard, nil)), reuse)
}

func testAnchor() anchor.Anchor {
	return anchor.Anchor{
		CID:          "QmAnchor",
		URL:          "https://gateway.example.com/ipfs/QmAnchor",
		CombinedHash: "deadbeef",
		Hashes: []anchor.WalletHash{
			{Chain: domain.ChainBitcoin, Address: "bc1qabc", AddressHash: "h1"},
			{Chain: domain.ChainEthereum, Address: "0xdef", AddressHash: "h2"},
		},
	}
}

func testWallets() map[domain.Chain]custody.AddressInfo {
	return map[domain.Chain]custody.AddressInfo{
		domain.ChainBitcoin:  {Address: "bc1qabc"},
		domain.ChainEthereum: {Address: "0xdef"},
	}
}

func (s *MintServiceSuite) TestMint() {
	s.Run("mints a fresh did:key identity", func() {
		s.SetupTest()
		result, err := s.newService(true).Mint(s.ctx, "alice", testAnchor(), testWallets())
		s.Require().NoError(err)

		s.True(strings.HasPrefix(result.DID, "did:key:z"))
		s.False(result.Reused)
		s.Equal(result.DID+"#key-1", result.VerificationMethodID)
		s.Equal("Ed25519VerificationKey2020", result.KeyType)
		s.Equal("QmDoc", result.DocumentCID)
	})

	s.Run("persists the record with anchor linkage", func() {
		s.SetupTest()
		result, err := s.newService(true).Mint(s.ctx, "alice", testAnchor(), testWallets())
		s.Require().NoError(err)

		s.Require().Len(s.records.saved, 1)
		record := s.records.saved[0]
		s.Equal("alice", record.UserID)
		s.Equal(result.DID, record.DID)
		s.Equal("QmAnchor", record.AnchorCID)
		s.Equal("deadbeef", record.CombinedHash)
		s.Equal([]domain.Chain{domain.ChainBitcoin, domain.ChainEthereum}, record.Chains)
		s.Equal(2, record.WalletCount)
	})

	s.Run("reuses the stored DID across runs", func() {
		s.SetupTest()
		s.records.found = true
		s.records.record = domain.DIDRecord{UserID: "alice", DID: "did:key:z6MkStored"}

		result, err := s.newService(true).Mint(s.ctx, "alice", testAnchor(), testWallets())
		s.Require().NoError(err)
		s.True(result.Reused)
		s.Equal("did:key:z6MkStored", result.DID)
	})

	s.Run("reuse disabled mints a new identity", func() {
		s.SetupTest()
		s.records.found = true
		s.records.record = domain.DIDRecord{UserID: "alice", DID: "did:key:z6MkStored"}

		result, err := s.newService(false).Mint(s.ctx, "alice", testAnchor(), testWallets())
		s.Require().NoError(err)
		s.False(result.Reused)
		s.NotEqual("did:key:z6MkStored", result.DID)
	})

	s.Run("published document carries anchor and wallet services", func() {
		s.SetupTest()
		result, err := s.newService(true).Mint(s.ctx, "alice", testAnchor(), testWallets())
		s.Require().NoError(err)

		doc, ok := s.pins.payload.(DIDDocument)
		s.Require().True(ok)
		s.Equal(result.DID, doc.ID)
		s.Contains(doc.Context, "https://www.w3.org/ns/did/v1")
		s.Require().Len(doc.VerificationMethod, 1)
		s.Equal(result.DID, doc.VerificationMethod[0].Controller)
		s.Equal([]string{result.VerificationMethodID}, doc.Authentication)

		// anchor + one per wallet + identity verification
		s.Require().Len(doc.Service, 4)
		s.Equal(result.DID+"#wallet-anchor", doc.Service[0].ID)
		s.Equal("deadbeef", doc.Service[0].Properties["combinedHash"])
		s.Equal(result.DID+"#wallet-bitcoin", doc.Service[1].ID)
		s.Equal(result.DID+"#identity-verification", doc.Service[3].ID)
	})
}

func TestEncodeMultibase(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	encoded := EncodeMultibase(pub)
	require.True(t, strings.HasPrefix(encoded, "z"))

	decoded, err := base58.Decode(encoded[1:])
	require.NoError(t, err)
	require.Equal(t, []byte{0xed, 0x01}, decoded[:2])
	require.Equal(t, []byte(pub), decoded[2:])
}
