// Package registrar records DIDs and wallet-ownership proofs in the
// ledger-resident registry contract, idempotently.
package registrar

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"didvault/contracts/registry"
	"didvault/internal/domain"
	"didvault/internal/platform/config"
	"didvault/internal/platform/metrics"
)

// gasMarginNum/gasMarginDen apply the 30% safety margin over the gas
// estimate, rounded up.
const (
	gasMarginNum = 130
	gasMarginDen = 100
)

//go:generate mockgen -destination=mock_backend_test.go -package=registrar didvault/internal/registrar EthBackend

// EthBackend is the slice of the Ethereum RPC client the registrar needs.
// *ethclient.Client satisfies it.
type EthBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// RegisterResult reports the outcome of an on-chain registration.
type RegisterResult struct {
	AlreadyExists    bool
	TxHash           string
	GasUsed          uint64
	WalletProofCount int
	ExplorerURL      string
}

// Registrar submits registration transactions against the registry contract.
type Registrar struct {
	backend      EthBackend
	contract     *registry.Contract
	contractAddr common.Address
	signerKey    *ecdsa.PrivateKey
	signerAddr   common.Address
	chainID      *big.Int
	explorerBase string
	logger       *slog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration
}

// New constructs a registrar over an already-dialed backend.
func New(backend EthBackend, cfg config.Chain, logger *slog.Logger, m *metrics.Metrics) (*Registrar, error) {
	contract, err := registry.New()
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse registry signer key: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid registry contract address %q", cfg.ContractAddress)
	}
	return &Registrar{
		backend:      backend,
		contract:     contract,
		contractAddr: common.HexToAddress(cfg.ContractAddress),
		signerKey:    key,
		signerAddr:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		explorerBase: strings.TrimRight(cfg.ExplorerBaseURL, "/"),
		logger:       logger,
		metrics:      m,
		pollInterval: 2 * time.Second,
	}, nil
}

// Dial connects an RPC backend for New.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain RPC: %w", err)
	}
	return client, nil
}

// Register records the DID with its document CID and proofs. A DID already
// present in the registry short-circuits with AlreadyExists and no
// transaction.
func (r *Registrar) Register(ctx context.Context, did, documentCID string, proofs []domain.WalletProof) (RegisterResult, error) {
	existing, err := r.getRecord(ctx, did)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("check existing registration: %w", err)
	}
	if existing.Exists() {
		r.metrics.RecordRegistrySkipped()
		r.logger.InfoContext(ctx, "DID already registered on chain", "did", did)
		return RegisterResult{AlreadyExists: true}, nil
	}

	callData, err := r.contract.PackRegister(did, documentCID, toContractProofs(proofs))
	if err != nil {
		return RegisterResult{}, fmt.Errorf("pack register call: %w", err)
	}

	msg := ethereum.CallMsg{From: r.signerAddr, To: &r.contractAddr, Data: callData}
	estimate, err := r.backend.EstimateGas(ctx, msg)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit := GasLimitWithMargin(estimate)

	tip, err := r.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("fetch chain head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	nonce, err := r.backend.PendingNonceAt(ctx, r.signerAddr)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("fetch nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   r.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &r.contractAddr,
		Data:      callData,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.signerKey)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return RegisterResult{}, fmt.Errorf("send transaction: %w", err)
	}

	r.logger.InfoContext(ctx, "registration transaction submitted",
		"did", did,
		"tx_hash", signed.Hash().Hex(),
		"gas_limit", gasLimit,
	)

	receipt, err := r.waitMined(ctx, signed.Hash())
	if err != nil {
		return RegisterResult{}, fmt.Errorf("await confirmation: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return RegisterResult{}, fmt.Errorf("registration transaction %s reverted", signed.Hash().Hex())
	}

	accepted := 0
	for _, logEntry := range receipt.Logs {
		event, err := r.contract.ParseProofAccepted(*logEntry)
		if err != nil {
			r.logger.WarnContext(ctx, "undecodable registry event", "tx_hash", signed.Hash().Hex(), "error", err.Error())
			continue
		}
		if event != nil {
			accepted++
		}
	}

	return RegisterResult{
		TxHash:           signed.Hash().Hex(),
		GasUsed:          receipt.GasUsed,
		WalletProofCount: accepted,
		ExplorerURL:      r.explorerBase + "/tx/" + signed.Hash().Hex(),
	}, nil
}

// GasLimitWithMargin returns ceil(estimate * 1.3).
func GasLimitWithMargin(estimate uint64) uint64 {
	return (estimate*gasMarginNum + gasMarginDen - 1) / gasMarginDen
}

func (r *Registrar) getRecord(ctx context.Context, did string) (registry.Record, error) {
	callData, err := r.contract.PackGetRecord(did)
	if err != nil {
		return registry.Record{}, fmt.Errorf("pack getRecord call: %w", err)
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.contractAddr, Data: callData}, nil)
	if err != nil {
		return registry.Record{}, err
	}
	return r.contract.UnpackRecord(out)
}

func (r *Registrar) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := r.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toContractProofs(proofs []domain.WalletProof) []registry.Proof {
	out := make([]registry.Proof, 0, len(proofs))
	for _, p := range proofs {
		out = append(out, registry.Proof{
			Wallet:    p.Address,
			Chain:     string(p.Chain),
			Signature: []byte(p.Signature),
			Message:   p.Message,
		})
	}
	return out
}
