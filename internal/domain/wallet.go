package domain

import "time"

// Chain identifies a target blockchain.
type Chain string

const (
	ChainBitcoin  Chain = "bitcoin"
	ChainEthereum Chain = "ethereum"
	ChainSolana   Chain = "solana"
)

// Chains is the fixed, ordered provisioning target list.
var Chains = []Chain{ChainBitcoin, ChainEthereum, ChainSolana}

// Vault is a custodial container holding wallet assets for one user.
// Exactly one vault may exist per user; this pipeline creates it once and
// never deletes it.
type Vault struct {
	UserID          string
	ProviderVaultID string
	Name            string
	CreatedAt       time.Time
}

// WalletAddress is a derived deposit address on one chain, owned exclusively
// by a vault. Balance is a point-in-time snapshot taken at provisioning.
type WalletAddress struct {
	VaultID       string
	Chain         Chain
	AssetID       string
	Address       string
	LegacyAddress string
	Balance       string
}

// WalletProof is a signed challenge demonstrating control of a wallet's
// private key. Proofs are produced by the verification collaborator and
// loaded here as external input to on-chain registration.
type WalletProof struct {
	UserID    string
	Chain     Chain
	Address   string
	Signature string
	Message   string
}
