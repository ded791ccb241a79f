// Package provisioning sequences vault creation, wallet anchoring, DID
// minting and on-chain registration for a user, persisting after every stage
// so an operator can resume from stored state.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"didvault/internal/anchor"
	"didvault/internal/custody"
	"didvault/internal/didmint"
	"didvault/internal/domain"
	"didvault/internal/platform/metrics"
	"didvault/internal/provisioning/lock"
	"didvault/internal/registrar"
	"didvault/pkg/platform/sentinel"
)

// WalletProvisioner creates the custodial vault and derives addresses.
type WalletProvisioner interface {
	Provision(ctx context.Context, userID string) (custody.ProvisionResult, error)
	ProvisionExisting(ctx context.Context, vaultID string) (custody.ProvisionResult, error)
}

// AnchorService publishes the wallet hash document.
type AnchorService interface {
	Anchor(ctx context.Context, userID string, wallets map[domain.Chain]custody.AddressInfo) (anchor.Anchor, error)
}

// Minter publishes the DID document and upserts the DID record.
type Minter interface {
	Mint(ctx context.Context, userID string, anc anchor.Anchor, wallets map[domain.Chain]custody.AddressInfo) (didmint.MintResult, error)
}

// ChainRegistrar records the DID in the ledger registry. It may be nil when
// no chain backend is configured; the pipeline then skips the stage with a
// warning.
type ChainRegistrar interface {
	Register(ctx context.Context, did, documentCID string, proofs []domain.WalletProof) (registrar.RegisterResult, error)
}

// Orchestrator runs the provisioning pipeline for one user at a time.
type Orchestrator struct {
	vaults      VaultStore
	dids        DIDStore
	proofs      ProofStore
	provisioner WalletProvisioner
	anchors     AnchorService
	minter      Minter
	registrar   ChainRegistrar
	leases      lock.Lease
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	stageTimeout time.Duration
}

// NewOrchestrator wires the pipeline. registrar may be nil.
func NewOrchestrator(
	vaults VaultStore,
	dids DIDStore,
	proofs ProofStore,
	provisioner WalletProvisioner,
	anchors AnchorService,
	minter Minter,
	chainRegistrar ChainRegistrar,
	leases lock.Lease,
	logger *slog.Logger,
	m *metrics.Metrics,
	stageTimeout time.Duration,
) *Orchestrator {
	if stageTimeout <= 0 {
		stageTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		vaults:       vaults,
		dids:         dids,
		proofs:       proofs,
		provisioner:  provisioner,
		anchors:      anchors,
		minter:       minter,
		registrar:    chainRegistrar,
		leases:       leases,
		logger:       logger,
		metrics:      m,
		tracer:       otel.Tracer("didvault/provisioning"),
		stageTimeout: stageTimeout,
	}
}

// Run executes the pipeline for a user. Stages before on-chain registration
// are fatal on failure; the on-chain stage degrades to a warning. Concurrent
// runs for the same user are rejected with sentinel.ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context, userID string) (Summary, error) {
	grant, err := o.leases.Acquire(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrRunInProgress) {
			return Summary{UserID: userID, State: StateNotStarted}, err
		}
		return Summary{UserID: userID, State: StateNotStarted}, fmt.Errorf("acquire run lease: %w", err)
	}
	defer grant.Release()

	o.metrics.RecordRunStarted()
	summary := Summary{
		UserID:    userID,
		State:     StateNotStarted,
		Errors:    make(map[string]string),
		StartedAt: time.Now().UTC(),
	}

	ctx, span := o.tracer.Start(ctx, "provisioning.run")
	defer span.End()

	// Stage 1: vault + wallets.
	var wallets map[domain.Chain]custody.AddressInfo
	err = o.stage(ctx, grant, StageVault, func(ctx context.Context) error {
		result, stageErr := o.provisionVault(ctx, userID)
		for chain, detail := range result.Errors {
			summary.Errors[chain] = detail
		}
		if stageErr != nil {
			return stageErr
		}
		summary.VaultID = result.VaultID
		summary.ChainCount = len(result.Wallets)
		wallets = result.Wallets
		return nil
	})
	if err != nil {
		return o.fail(summary, StageVault, err)
	}
	summary.State = next(StageVault)

	// Stage 2: anchor document.
	var anc anchor.Anchor
	err = o.stage(ctx, grant, StageAnchor, func(ctx context.Context) error {
		var stageErr error
		anc, stageErr = o.anchors.Anchor(ctx, userID, wallets)
		return stageErr
	})
	if err != nil {
		return o.fail(summary, StageAnchor, err)
	}
	summary.State = next(StageAnchor)
	summary.AnchorCID = anc.CID
	summary.CombinedHash = anc.CombinedHash

	// Stage 3: DID document + record upsert.
	var mint didmint.MintResult
	err = o.stage(ctx, grant, StageDIDMint, func(ctx context.Context) error {
		var stageErr error
		mint, stageErr = o.minter.Mint(ctx, userID, anc, wallets)
		return stageErr
	})
	if err != nil {
		return o.fail(summary, StageDIDMint, err)
	}
	summary.State = next(StageDIDMint)
	summary.DID = mint.DID
	summary.DocumentCID = mint.DocumentCID
	summary.DocumentURL = mint.DocumentURL

	// Stage 4: on-chain registration, non-fatal.
	o.registerOnChain(ctx, grant, userID, mint, &summary)

	summary.State = StateComplete
	summary.Success = true
	summary.FinishedAt = time.Now().UTC()
	o.metrics.RecordRunSucceeded()
	o.logger.InfoContext(ctx, "provisioning run complete",
		"user_id", userID,
		"vault_id", summary.VaultID,
		"did", summary.DID,
		"chains", summary.ChainCount,
		"onchain", summary.SmartContractDeployed,
	)
	return summary, nil
}

// provisionVault creates or resumes the user's vault. Stored wallets short-
// circuit the provider entirely; a stored vault without wallets re-derives
// against the existing provider vault instead of creating a second one.
func (o *Orchestrator) provisionVault(ctx context.Context, userID string) (custody.ProvisionResult, error) {
	existing, findErr := o.vaults.FindVaultByUser(ctx, userID)
	switch {
	case findErr == nil:
		stored, err := o.vaults.ListWallets(ctx, existing.ProviderVaultID)
		if err != nil {
			return custody.ProvisionResult{}, fmt.Errorf("load stored wallets: %w", err)
		}
		if len(stored) > 0 {
			return resultFromStored(existing.ProviderVaultID, stored), nil
		}
		result, err := o.provisioner.ProvisionExisting(ctx, existing.ProviderVaultID)
		if err != nil {
			return result, err
		}
		return result, o.persistWallets(ctx, result)
	case errors.Is(findErr, sentinel.ErrNotFound):
		result, err := o.provisioner.Provision(ctx, userID)
		if err != nil {
			return result, err
		}
		vault := domain.Vault{
			UserID:          userID,
			ProviderVaultID: result.VaultID,
			Name:            fmt.Sprintf("user-%s", userID),
		}
		stored, created, err := o.vaults.CreateVaultIfAbsent(ctx, vault)
		if err != nil {
			return result, fmt.Errorf("persist vault: %w", err)
		}
		if !created {
			// A concurrent run won the insert; its provider vault is the
			// canonical one and the one we just created is orphaned.
			o.logger.WarnContext(ctx, "vault insert lost race, using stored vault",
				"user_id", userID,
				"stored_vault_id", stored.ProviderVaultID,
				"orphaned_vault_id", result.VaultID,
			)
			result.VaultID = stored.ProviderVaultID
		}
		return result, o.persistWallets(ctx, result)
	default:
		return custody.ProvisionResult{}, fmt.Errorf("find vault: %w", findErr)
	}
}

func (o *Orchestrator) persistWallets(ctx context.Context, result custody.ProvisionResult) error {
	rows := make([]domain.WalletAddress, 0, len(result.Wallets))
	for chain, info := range result.Wallets {
		rows = append(rows, domain.WalletAddress{
			VaultID:       result.VaultID,
			Chain:         chain,
			AssetID:       info.AssetID,
			Address:       info.Address,
			LegacyAddress: info.LegacyAddress,
			Balance:       info.Balance,
		})
	}
	if err := o.vaults.ReplaceWallets(ctx, result.VaultID, rows); err != nil {
		return fmt.Errorf("persist wallets: %w", err)
	}
	return nil
}

// registerOnChain runs the optional final stage. Every failure path is
// recorded as a warning; the run stays successful either way.
func (o *Orchestrator) registerOnChain(ctx context.Context, grant lock.Grant, userID string, mint didmint.MintResult, summary *Summary) {
	if o.registrar == nil {
		summary.Warnings = append(summary.Warnings, "on-chain registrar not configured, registration skipped")
		return
	}

	err := o.stage(ctx, grant, StageRegister, func(ctx context.Context) error {
		proofs, err := o.proofs.ListProofs(ctx, userID)
		if err != nil {
			return fmt.Errorf("load wallet proofs: %w", err)
		}
		result, err := o.registrar.Register(ctx, mint.DID, mint.DocumentCID, proofs)
		if err != nil {
			return err
		}
		if result.AlreadyExists {
			summary.SmartContractDeployed = true
			summary.Warnings = append(summary.Warnings, "DID already registered on chain, registration skipped")
			return nil
		}
		summary.SmartContractDeployed = true
		summary.TxHash = result.TxHash
		summary.WalletProofCount = result.WalletProofCount
		if err := o.dids.SetTxHash(ctx, userID, result.TxHash); err != nil {
			return fmt.Errorf("persist tx hash: %w", err)
		}
		return nil
	})
	if err != nil {
		o.metrics.RecordRunFailed(string(StageRegister))
		summary.Errors[string(StageRegister)] = err.Error()
		summary.Warnings = append(summary.Warnings, "on-chain registration failed: "+err.Error())
		o.logger.WarnContext(ctx, "on-chain registration failed",
			"user_id", userID,
			"did", mint.DID,
			"error", err.Error(),
		)
		return
	}
	if summary.TxHash != "" || summary.SmartContractDeployed {
		summary.State = next(StageRegister)
	}
}

// stage wraps one pipeline step with a deadline, a trace span and a duration
// sample. After each step the run lease is extended back to a full TTL, so
// the lease need only outlive one stage timeout while the pipeline as a whole
// may run for several.
func (o *Orchestrator) stage(ctx context.Context, grant lock.Grant, name Stage, fn func(ctx context.Context) error) error {
	spanCtx, span := o.tracer.Start(ctx, "provisioning."+string(name))
	defer span.End()
	stageCtx, cancel := context.WithTimeout(spanCtx, o.stageTimeout)
	defer cancel()

	start := time.Now()
	err := fn(stageCtx)
	o.metrics.ObserveStage(string(name), time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return err
	}
	if extendErr := grant.Extend(ctx); extendErr != nil {
		// The run keeps going; a lost lease surfaces as a duplicate-run
		// warning rather than a failed pipeline.
		o.logger.WarnContext(ctx, "run lease extension failed",
			"stage", string(name),
			"error", extendErr.Error(),
		)
	}
	return nil
}

func (o *Orchestrator) fail(summary Summary, stage Stage, err error) (Summary, error) {
	summary.State = StateFailed
	summary.Success = false
	summary.Errors[string(stage)] = err.Error()
	summary.FinishedAt = time.Now().UTC()
	o.metrics.RecordRunFailed(string(stage))
	return summary, fmt.Errorf("stage %s: %w", stage, err)
}

func resultFromStored(vaultID string, stored []domain.WalletAddress) custody.ProvisionResult {
	result := custody.ProvisionResult{
		VaultID: vaultID,
		Wallets: make(map[domain.Chain]custody.AddressInfo, len(stored)),
		Errors:  make(map[string]string),
	}
	for _, w := range stored {
		result.Wallets[w.Chain] = custody.AddressInfo{
			AssetID:       w.AssetID,
			Address:       w.Address,
			LegacyAddress: w.LegacyAddress,
			Balance:       w.Balance,
		}
	}
	return result
}
