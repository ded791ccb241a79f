package provisioning

import (
	"context"
	"time"

	"didvault/internal/domain"
)

// VaultStore persists vault records and their wallet addresses. Vault
// creation must be atomic "create if absent": two concurrent calls for the
// same user yield one stored vault.
type VaultStore interface {
	// CreateVaultIfAbsent stores the vault unless one already exists for the
	// user. It returns the stored vault and whether this call created it.
	CreateVaultIfAbsent(ctx context.Context, vault domain.Vault) (domain.Vault, bool, error)

	// FindVaultByUser returns sentinel.ErrNotFound when the user has no vault.
	FindVaultByUser(ctx context.Context, userID string) (domain.Vault, error)

	// ReplaceWallets swaps the stored wallet set for a vault.
	ReplaceWallets(ctx context.Context, vaultID string, wallets []domain.WalletAddress) error

	// ListWallets returns the stored wallet set for a vault.
	ListWallets(ctx context.Context, vaultID string) ([]domain.WalletAddress, error)
}

// DIDStore persists the one-per-user DID record.
type DIDStore interface {
	// FindDIDByUser returns sentinel.ErrNotFound when the user has no record.
	FindDIDByUser(ctx context.Context, userID string) (domain.DIDRecord, error)

	// UpsertDID inserts on first write and updates in place afterwards.
	UpsertDID(ctx context.Context, record domain.DIDRecord) error

	// SetTxHash records the on-chain transaction hash after registration.
	SetTxHash(ctx context.Context, userID, txHash string) error
}

// ProofStore loads wallet-ownership proofs produced by the verification
// collaborator. This pipeline never writes proofs.
type ProofStore interface {
	ListProofs(ctx context.Context, userID string) ([]domain.WalletProof, error)
}

// JobStore persists queued provisioning jobs for status queries and crash
// recovery.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	// FindJob returns sentinel.ErrNotFound for unknown job ids.
	FindJob(ctx context.Context, jobID string) (Job, error)
	// FindLatestJobByUser returns the most recently enqueued job for a user.
	FindLatestJobByUser(ctx context.Context, userID string) (Job, error)
	// ListStuckJobs returns running jobs not updated since the cutoff.
	ListStuckJobs(ctx context.Context, cutoff time.Time) ([]Job, error)
}

// Store is the full persistence surface, satisfied by both backends.
type Store interface {
	VaultStore
	DIDStore
	ProofStore
	JobStore
}
