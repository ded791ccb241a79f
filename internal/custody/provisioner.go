package custody

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"didvault/internal/domain"
	"didvault/internal/platform/metrics"
)

// ChainPlan lists the provider asset ids acceptable for one chain, in
// preference order. Testnet ids come first so staging environments resolve
// without configuration.
type ChainPlan struct {
	Chain       domain.Chain
	AssetIDs    []string
	SettleDelay time.Duration
}

// DefaultChainPlans covers the fixed provisioning target set. Ethereum gets a
// longer settle delay: asset activation on that chain lags behind the API
// acknowledging it.
func DefaultChainPlans() []ChainPlan {
	return []ChainPlan{
		{Chain: domain.ChainBitcoin, AssetIDs: []string{"BTC_TEST", "BTC"}, SettleDelay: time.Second},
		{Chain: domain.ChainEthereum, AssetIDs: []string{"ETH_TEST5", "ETH_TEST", "ETH"}, SettleDelay: 6 * time.Second},
		{Chain: domain.ChainSolana, AssetIDs: []string{"SOL_TEST", "SOL"}, SettleDelay: time.Second},
	}
}

// VaultAPI is the slice of the provider client the provisioner needs.
type VaultAPI interface {
	CreateVault(ctx context.Context, name string) (VaultAccount, error)
	GetVaultAsset(ctx context.Context, vaultID, assetID string) (VaultAsset, error)
	ActivateAsset(ctx context.Context, vaultID, assetID string) error
	CreateDepositAddress(ctx context.Context, vaultID, assetID, description string) (DepositAddress, error)
	ListDepositAddresses(ctx context.Context, vaultID, assetID string) ([]DepositAddress, error)
}

// AddressInfo is the per-chain outcome of provisioning.
type AddressInfo struct {
	AssetID       string
	Address       string
	LegacyAddress string
	Balance       string
}

// ProvisionResult carries the vault id, the wallets that derived an address,
// and per-chain failure detail for the chains that did not.
type ProvisionResult struct {
	VaultID string
	Wallets map[domain.Chain]AddressInfo
	Errors  map[string]string
}

// Provisioner creates a custodial vault for a user and derives deposit
// addresses for every target chain it can.
type Provisioner struct {
	api     VaultAPI
	plans   []ChainPlan
	logger  *slog.Logger
	metrics *metrics.Metrics

	// nowFn and sleepFn are injectable for tests.
	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewProvisioner wires a provisioner over the provider API.
func NewProvisioner(api VaultAPI, plans []ChainPlan, logger *slog.Logger, m *metrics.Metrics) *Provisioner {
	if len(plans) == 0 {
		plans = DefaultChainPlans()
	}
	return &Provisioner{
		api:     api,
		plans:   plans,
		logger:  logger,
		metrics: m,
		nowFn:   time.Now,
		sleepFn: sleepCtx,
	}
}

// Provision creates the vault and walks the chain plans. Each chain fails
// independently; the result is usable when at least one chain yielded an
// address. Vault creation itself is irreversible provider state, so it is
// attempted exactly once per call.
func (p *Provisioner) Provision(ctx context.Context, userID string) (ProvisionResult, error) {
	name := fmt.Sprintf("user-%s-%d", userID, p.nowFn().Unix())
	vault, err := p.api.CreateVault(ctx, name)
	if err != nil {
		return ProvisionResult{}, fmt.Errorf("create vault: %w", err)
	}

	result := ProvisionResult{
		VaultID: vault.ID,
		Wallets: make(map[domain.Chain]AddressInfo),
		Errors:  make(map[string]string),
	}

	for _, plan := range p.plans {
		info, err := p.provisionChain(ctx, vault.ID, plan)
		if err != nil {
			p.metrics.RecordChainFailure(string(plan.Chain))
			result.Errors[string(plan.Chain)] = err.Error()
			p.logger.WarnContext(ctx, "chain provisioning failed",
				"user_id", userID,
				"vault_id", vault.ID,
				"chain", plan.Chain,
				"error", err.Error(),
			)
			continue
		}
		result.Wallets[plan.Chain] = info
	}

	if len(result.Wallets) == 0 {
		return result, fmt.Errorf("no chain produced an address for vault %s", vault.ID)
	}
	return result, nil
}

// ProvisionExisting re-derives wallets against an already-created vault,
// used when a prior run persisted the vault but derived no usable addresses.
func (p *Provisioner) ProvisionExisting(ctx context.Context, vaultID string) (ProvisionResult, error) {
	result := ProvisionResult{
		VaultID: vaultID,
		Wallets: make(map[domain.Chain]AddressInfo),
		Errors:  make(map[string]string),
	}
	for _, plan := range p.plans {
		info, err := p.provisionChain(ctx, vaultID, plan)
		if err != nil {
			p.metrics.RecordChainFailure(string(plan.Chain))
			result.Errors[string(plan.Chain)] = err.Error()
			continue
		}
		result.Wallets[plan.Chain] = info
	}
	if len(result.Wallets) == 0 {
		return result, fmt.Errorf("no chain produced an address for vault %s", vaultID)
	}
	return result, nil
}

// provisionChain tries each acceptable asset id in order until one yields an
// address.
func (p *Provisioner) provisionChain(ctx context.Context, vaultID string, plan ChainPlan) (AddressInfo, error) {
	var lastErr error
	for _, assetID := range plan.AssetIDs {
		info, err := p.provisionAsset(ctx, vaultID, assetID, plan.SettleDelay)
		if err == nil {
			return info, nil
		}
		if ctx.Err() != nil {
			return AddressInfo{}, ctx.Err()
		}
		lastErr = err
	}
	return AddressInfo{}, fmt.Errorf("all asset ids failed: %w", lastErr)
}

func (p *Provisioner) provisionAsset(ctx context.Context, vaultID, assetID string, settle time.Duration) (AddressInfo, error) {
	// Reuse an existing address when the asset is already on the vault.
	asset, err := p.api.GetVaultAsset(ctx, vaultID, assetID)
	if err == nil {
		addrs, listErr := p.api.ListDepositAddresses(ctx, vaultID, assetID)
		if listErr == nil && len(addrs) > 0 {
			return addressInfo(assetID, addrs[0], asset.Total), nil
		}
	} else if !IsNotFound(err) {
		return AddressInfo{}, err
	}

	if err := p.api.ActivateAsset(ctx, vaultID, assetID); err != nil && !IsConflict(err) {
		return AddressInfo{}, err
	}

	// Give the provider time to settle the activation before deriving.
	if err := p.sleepFn(ctx, settle); err != nil {
		return AddressInfo{}, err
	}

	addr, err := p.api.CreateDepositAddress(ctx, vaultID, assetID, "primary")
	if err != nil {
		return AddressInfo{}, err
	}

	balance := "0"
	if asset, err := p.api.GetVaultAsset(ctx, vaultID, assetID); err == nil && asset.Total != "" {
		balance = asset.Total
	}
	return addressInfo(assetID, addr, balance), nil
}

func addressInfo(assetID string, addr DepositAddress, balance string) AddressInfo {
	if balance == "" {
		balance = "0"
	}
	return AddressInfo{
		AssetID:       assetID,
		Address:       addr.Address,
		LegacyAddress: addr.LegacyAddress,
		Balance:       balance,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
