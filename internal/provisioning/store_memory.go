package provisioning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"didvault/internal/domain"
	"didvault/pkg/platform/sentinel"
)

// InMemoryStore implements VaultStore, DIDStore, ProofStore and JobStore for
// tests and single-node development.
type InMemoryStore struct {
	mu      sync.RWMutex
	vaults  map[string]domain.Vault           // by user id
	wallets map[string][]domain.WalletAddress // by vault id
	dids    map[string]domain.DIDRecord       // by user id
	proofs  map[string][]domain.WalletProof   // by user id
	jobs    map[string]Job                    // by job id
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		vaults:  make(map[string]domain.Vault),
		wallets: make(map[string][]domain.WalletAddress),
		dids:    make(map[string]domain.DIDRecord),
		proofs:  make(map[string][]domain.WalletProof),
		jobs:    make(map[string]Job),
	}
}

func (s *InMemoryStore) CreateVaultIfAbsent(_ context.Context, vault domain.Vault) (domain.Vault, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.vaults[vault.UserID]; ok {
		return existing, false, nil
	}
	if vault.CreatedAt.IsZero() {
		vault.CreatedAt = time.Now().UTC()
	}
	s.vaults[vault.UserID] = vault
	return vault, true, nil
}

func (s *InMemoryStore) FindVaultByUser(_ context.Context, userID string) (domain.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vault, ok := s.vaults[userID]
	if !ok {
		return domain.Vault{}, fmt.Errorf("vault for user %s: %w", userID, sentinel.ErrNotFound)
	}
	return vault, nil
}

func (s *InMemoryStore) ReplaceWallets(_ context.Context, vaultID string, wallets []domain.WalletAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[vaultID] = append([]domain.WalletAddress{}, wallets...)
	return nil
}

func (s *InMemoryStore) ListWallets(_ context.Context, vaultID string) ([]domain.WalletAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.WalletAddress{}, s.wallets[vaultID]...), nil
}

func (s *InMemoryStore) FindDIDByUser(_ context.Context, userID string) (domain.DIDRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.dids[userID]
	if !ok {
		return domain.DIDRecord{}, fmt.Errorf("DID record for user %s: %w", userID, sentinel.ErrNotFound)
	}
	return record, nil
}

func (s *InMemoryStore) UpsertDID(_ context.Context, record domain.DIDRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	// Preserve an already-recorded tx hash across document republishes.
	if existing, ok := s.dids[record.UserID]; ok && record.TxHash == "" {
		record.TxHash = existing.TxHash
	}
	s.dids[record.UserID] = record
	return nil
}

func (s *InMemoryStore) SetTxHash(_ context.Context, userID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.dids[userID]
	if !ok {
		return fmt.Errorf("DID record for user %s: %w", userID, sentinel.ErrNotFound)
	}
	record.TxHash = txHash
	record.UpdatedAt = time.Now().UTC()
	s.dids[userID] = record
	return nil
}

// SeedProofs loads externally generated wallet proofs, standing in for the
// verification collaborator's writes.
func (s *InMemoryStore) SeedProofs(userID string, proofs []domain.WalletProof) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs[userID] = append([]domain.WalletProof{}, proofs...)
}

func (s *InMemoryStore) ListProofs(_ context.Context, userID string) ([]domain.WalletProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.WalletProof{}, s.proofs[userID]...), nil
}

func (s *InMemoryStore) CreateJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, sentinel.ErrConflict)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *InMemoryStore) UpdateJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, sentinel.ErrNotFound)
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = job
	return nil
}

func (s *InMemoryStore) FindJob(_ context.Context, jobID string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", jobID, sentinel.ErrNotFound)
	}
	return job, nil
}

func (s *InMemoryStore) FindLatestJobByUser(_ context.Context, userID string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest Job
	found := false
	for _, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if !found || job.EnqueuedAt.After(latest.EnqueuedAt) {
			latest = job
			found = true
		}
	}
	if !found {
		return Job{}, fmt.Errorf("job for user %s: %w", userID, sentinel.ErrNotFound)
	}
	return latest, nil
}

func (s *InMemoryStore) ListStuckJobs(_ context.Context, cutoff time.Time) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stuck []Job
	for _, job := range s.jobs {
		if job.State == JobRunning && job.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, job)
		}
	}
	return stuck, nil
}
