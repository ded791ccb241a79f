package registrar

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"didvault/contracts/registry"
	"didvault/internal/domain"
	"didvault/internal/platform/config"
)

const testContractAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

type RegistrarSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	backend   *MockEthBackend
	registrar *Registrar
	abi       abi.ABI
	ctx       context.Context
}

func TestRegistrarSuite(t *testing.T) {
	suite.Run(t, new(RegistrarSuite))
}

func (s *RegistrarSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.backend = NewMockEthBackend(s.ctrl)
	s.ctx = context.Background()

	key, err := crypto.GenerateKey()
	s.Require().NoError(err)

	parsed, err := abi.JSON(strings.NewReader(registry.ABIJSON))
	s.Require().NoError(err)
	s.abi = parsed

	s.registrar, err = New(s.backend, config.Chain{
		ContractAddress: testContractAddr,
		PrivateKeyHex:   common.Bytes2Hex(crypto.FromECDSA(key)),
		ChainID:         11155111,
		ExplorerBaseURL: "https://sepolia.etherscan.io/",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	s.Require().NoError(err)
}

func (s *RegistrarSuite) packRecord(did, cid string, registeredAt int64) []byte {
	out, err := s.abi.Methods["getRecord"].Outputs.Pack(did, cid, big.NewInt(registeredAt))
	s.Require().NoError(err)
	return out
}

func (s *RegistrarSuite) proofLog(did, wallet, chain string) *types.Log {
	event := s.abi.Events["WalletProofAccepted"]
	data, err := event.Inputs.Pack(did, wallet, chain)
	s.Require().NoError(err)
	return &types.Log{Topics: []common.Hash{event.ID}, Data: data}
}

func (s *RegistrarSuite) TestRegisterAlreadyRegistered() {
	s.backend.EXPECT().
		CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(s.packRecord("did:key:zExisting", "QmExisting", 1700000000), nil)

	result, err := s.registrar.Register(s.ctx, "did:key:zExisting", "QmDoc", nil)
	s.Require().NoError(err)
	s.True(result.AlreadyExists)
	s.Empty(result.TxHash)
}

func (s *RegistrarSuite) TestRegisterSubmitsTransaction() {
	did := "did:key:zNew"
	s.backend.EXPECT().
		CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(s.packRecord("", "", 0), nil)
	s.backend.EXPECT().
		EstimateGas(gomock.Any(), gomock.Any()).
		Return(uint64(100_000), nil)
	s.backend.EXPECT().
		SuggestGasTipCap(gomock.Any()).
		Return(big.NewInt(1_000_000_000), nil)
	s.backend.EXPECT().
		HeaderByNumber(gomock.Any(), gomock.Nil()).
		Return(&types.Header{BaseFee: big.NewInt(10_000_000_000)}, nil)
	s.backend.EXPECT().
		PendingNonceAt(gomock.Any(), gomock.Any()).
		Return(uint64(7), nil)

	var sent *types.Transaction
	s.backend.EXPECT().
		SendTransaction(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, tx *types.Transaction) error {
			sent = tx
			return nil
		})
	s.backend.EXPECT().
		TransactionReceipt(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ common.Hash) (*types.Receipt, error) {
			return &types.Receipt{
				Status:  types.ReceiptStatusSuccessful,
				GasUsed: 95_000,
				Logs: []*types.Log{
					s.proofLog(did, "0xabc", "ethereum"),
					s.proofLog(did, "bc1qxyz", "bitcoin"),
					{Topics: []common.Hash{s.abi.Events["DIDRegistered"].ID}},
				},
			}, nil
		})

	proofs := []domain.WalletProof{
		{Chain: domain.ChainEthereum, Address: "0xabc", Signature: "sig", Message: "msg"},
		{Chain: domain.ChainBitcoin, Address: "bc1qxyz", Signature: "sig", Message: "msg"},
	}
	result, err := s.registrar.Register(s.ctx, did, "QmDoc", proofs)
	s.Require().NoError(err)

	s.False(result.AlreadyExists)
	s.Require().NotNil(sent)
	s.Equal(sent.Hash().Hex(), result.TxHash)
	s.Equal(uint64(130_000), sent.Gas())
	s.Equal(uint64(7), sent.Nonce())
	s.Equal(common.HexToAddress(testContractAddr), *sent.To())
	// tip + 2*baseFee
	s.Equal(big.NewInt(21_000_000_000), sent.GasFeeCap())
	s.Equal(uint64(95_000), result.GasUsed)
	s.Equal(2, result.WalletProofCount)
	s.Equal("https://sepolia.etherscan.io/tx/"+result.TxHash, result.ExplorerURL)
}

func (s *RegistrarSuite) TestRegisterRevertedTransaction() {
	s.backend.EXPECT().
		CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(s.packRecord("", "", 0), nil)
	s.backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(50_000), nil)
	s.backend.EXPECT().SuggestGasTipCap(gomock.Any()).Return(big.NewInt(1), nil)
	s.backend.EXPECT().HeaderByNumber(gomock.Any(), gomock.Nil()).Return(&types.Header{BaseFee: big.NewInt(1)}, nil)
	s.backend.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)
	s.backend.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil)
	s.backend.EXPECT().
		TransactionReceipt(gomock.Any(), gomock.Any()).
		Return(&types.Receipt{Status: types.ReceiptStatusFailed}, nil)

	_, err := s.registrar.Register(s.ctx, "did:key:zNew", "QmDoc", nil)
	s.Require().Error(err)
	s.Contains(err.Error(), "reverted")
}

func (s *RegistrarSuite) TestRegisterLegacyChainHead() {
	// Pre-EIP-1559 heads report no base fee; the fee cap falls back to the tip.
	s.backend.EXPECT().
		CallContract(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(s.packRecord("", "", 0), nil)
	s.backend.EXPECT().EstimateGas(gomock.Any(), gomock.Any()).Return(uint64(21_000), nil)
	s.backend.EXPECT().SuggestGasTipCap(gomock.Any()).Return(big.NewInt(5), nil)
	s.backend.EXPECT().HeaderByNumber(gomock.Any(), gomock.Nil()).Return(&types.Header{}, nil)
	s.backend.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(0), nil)

	var sent *types.Transaction
	s.backend.EXPECT().
		SendTransaction(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, tx *types.Transaction) error {
			sent = tx
			return nil
		})
	s.backend.EXPECT().
		TransactionReceipt(gomock.Any(), gomock.Any()).
		Return(&types.Receipt{Status: types.ReceiptStatusSuccessful}, nil)

	_, err := s.registrar.Register(s.ctx, "did:key:zNew", "QmDoc", nil)
	s.Require().NoError(err)
	s.Require().NotNil(sent)
	s.Equal(big.NewInt(5), sent.GasFeeCap())
}

func TestGasLimitWithMargin(t *testing.T) {
	cases := []struct {
		estimate uint64
		want     uint64
	}{
		{estimate: 100_000, want: 130_000},
		{estimate: 1, want: 2},
		{estimate: 999, want: 1_299},
		{estimate: 0, want: 0},
	}
	for _, tc := range cases {
		if got := GasLimitWithMargin(tc.estimate); got != tc.want {
			t.Errorf("GasLimitWithMargin(%d) = %d, want %d", tc.estimate, got, tc.want)
		}
	}
}
