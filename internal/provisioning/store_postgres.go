package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"didvault/internal/domain"
	"didvault/pkg/platform/sentinel"
)

// PostgresStore persists vaults, DID records, proofs and jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the pipeline tables when they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS vaults (
			user_id TEXT PRIMARY KEY,
			provider_vault_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_addresses (
			vault_id TEXT NOT NULL,
			chain TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			address TEXT NOT NULL,
			legacy_address TEXT NOT NULL DEFAULT '',
			balance TEXT NOT NULL DEFAULT '0',
			PRIMARY KEY (vault_id, chain)
		)`,
		`CREATE TABLE IF NOT EXISTS did_records (
			user_id TEXT PRIMARY KEY,
			did TEXT NOT NULL,
			document_cid TEXT NOT NULL,
			document_url TEXT NOT NULL,
			verification_method TEXT NOT NULL,
			key_type TEXT NOT NULL,
			anchor_cid TEXT NOT NULL,
			combined_hash TEXT NOT NULL,
			chains TEXT[] NOT NULL,
			wallet_count INT NOT NULL,
			tx_hash TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_proofs (
			user_id TEXT NOT NULL,
			chain TEXT NOT NULL,
			address TEXT NOT NULL,
			signature TEXT NOT NULL,
			message TEXT NOT NULL,
			PRIMARY KEY (user_id, chain, address)
		)`,
		`CREATE TABLE IF NOT EXISTS provisioning_jobs (
			job_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			state TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempt INT NOT NULL DEFAULT 1,
			enqueued_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provisioning_jobs_user ON provisioning_jobs (user_id, enqueued_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate provisioning schema: %w", err)
		}
	}
	return nil
}

// CreateVaultIfAbsent relies on the unique constraint on user_id: the insert
// is a no-op when a vault already exists, and the existing row is returned.
// This closes the find-then-create race without advisory locks.
func (s *PostgresStore) CreateVaultIfAbsent(ctx context.Context, vault domain.Vault) (domain.Vault, bool, error) {
	if vault.CreatedAt.IsZero() {
		vault.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vaults (user_id, provider_vault_id, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING`,
		vault.UserID, vault.ProviderVaultID, vault.Name, vault.CreatedAt,
	)
	if err != nil {
		return domain.Vault{}, false, fmt.Errorf("insert vault: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return domain.Vault{}, false, fmt.Errorf("insert vault rows affected: %w", err)
	}
	if inserted == 1 {
		return vault, true, nil
	}
	existing, err := s.FindVaultByUser(ctx, vault.UserID)
	if err != nil {
		return domain.Vault{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) FindVaultByUser(ctx context.Context, userID string) (domain.Vault, error) {
	var vault domain.Vault
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider_vault_id, name, created_at
		FROM vaults WHERE user_id = $1`,
		userID,
	).Scan(&vault.UserID, &vault.ProviderVaultID, &vault.Name, &vault.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Vault{}, fmt.Errorf("vault for user %s: %w", userID, sentinel.ErrNotFound)
	}
	if err != nil {
		return domain.Vault{}, fmt.Errorf("find vault: %w", err)
	}
	return vault, nil
}

func (s *PostgresStore) ReplaceWallets(ctx context.Context, vaultID string, wallets []domain.WalletAddress) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin wallet replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM wallet_addresses WHERE vault_id = $1`, vaultID); err != nil {
		return fmt.Errorf("clear wallets: %w", err)
	}
	for _, w := range wallets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_addresses (vault_id, chain, asset_id, address, legacy_address, balance)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			vaultID, string(w.Chain), w.AssetID, w.Address, w.LegacyAddress, w.Balance,
		)
		if err != nil {
			return fmt.Errorf("insert wallet %s: %w", w.Chain, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit wallet replace: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWallets(ctx context.Context, vaultID string) ([]domain.WalletAddress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vault_id, chain, asset_id, address, legacy_address, balance
		FROM wallet_addresses WHERE vault_id = $1 ORDER BY chain`,
		vaultID,
	)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []domain.WalletAddress
	for rows.Next() {
		var w domain.WalletAddress
		var chain string
		if err := rows.Scan(&w.VaultID, &chain, &w.AssetID, &w.Address, &w.LegacyAddress, &w.Balance); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		w.Chain = domain.Chain(chain)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func (s *PostgresStore) FindDIDByUser(ctx context.Context, userID string) (domain.DIDRecord, error) {
	var record domain.DIDRecord
	var chains pq.StringArray
	var txHash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, did, document_cid, document_url, verification_method,
		       key_type, anchor_cid, combined_hash, chains, wallet_count, tx_hash, updated_at
		FROM did_records WHERE user_id = $1`,
		userID,
	).Scan(
		&record.UserID, &record.DID, &record.DocumentCID, &record.DocumentURL,
		&record.VerificationMethod, &record.KeyType, &record.AnchorCID,
		&record.CombinedHash, &chains, &record.WalletCount, &txHash, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DIDRecord{}, fmt.Errorf("DID record for user %s: %w", userID, sentinel.ErrNotFound)
	}
	if err != nil {
		return domain.DIDRecord{}, fmt.Errorf("find DID record: %w", err)
	}
	for _, c := range chains {
		record.Chains = append(record.Chains, domain.Chain(c))
	}
	record.TxHash = txHash.String
	return record, nil
}

func (s *PostgresStore) UpsertDID(ctx context.Context, record domain.DIDRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	chains := make(pq.StringArray, 0, len(record.Chains))
	for _, c := range record.Chains {
		chains = append(chains, string(c))
	}
	// tx_hash is not touched on update so a republished document keeps the
	// already-recorded registration.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO did_records (user_id, did, document_cid, document_url, verification_method,
		                         key_type, anchor_cid, combined_hash, chains, wallet_count, tx_hash, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
		ON CONFLICT (user_id) DO UPDATE SET
			did = EXCLUDED.did,
			document_cid = EXCLUDED.document_cid,
			document_url = EXCLUDED.document_url,
			verification_method = EXCLUDED.verification_method,
			key_type = EXCLUDED.key_type,
			anchor_cid = EXCLUDED.anchor_cid,
			combined_hash = EXCLUDED.combined_hash,
			chains = EXCLUDED.chains,
			wallet_count = EXCLUDED.wallet_count,
			updated_at = EXCLUDED.updated_at`,
		record.UserID, record.DID, record.DocumentCID, record.DocumentURL,
		record.VerificationMethod, record.KeyType, record.AnchorCID,
		record.CombinedHash, chains, record.WalletCount, record.TxHash, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert DID record: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTxHash(ctx context.Context, userID, txHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE did_records SET tx_hash = $2, updated_at = $3 WHERE user_id = $1`,
		userID, txHash, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set tx hash: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set tx hash rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("DID record for user %s: %w", userID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListProofs(ctx context.Context, userID string) ([]domain.WalletProof, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, chain, address, signature, message
		FROM wallet_proofs WHERE user_id = $1 ORDER BY chain`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list proofs: %w", err)
	}
	defer rows.Close()

	var proofs []domain.WalletProof
	for rows.Next() {
		var p domain.WalletProof
		var chain string
		if err := rows.Scan(&p.UserID, &chain, &p.Address, &p.Signature, &p.Message); err != nil {
			return nil, fmt.Errorf("scan proof: %w", err)
		}
		p.Chain = domain.Chain(chain)
		proofs = append(proofs, p)
	}
	return proofs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provisioning_jobs (job_id, user_id, state, stage, error, attempt, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.UserID, string(job.State), string(job.Stage), job.Error, job.Attempt, job.EnqueuedAt, job.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("job %s: %w", job.ID, sentinel.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE provisioning_jobs
		SET state = $2, stage = $3, error = $4, attempt = $5, updated_at = $6
		WHERE job_id = $1`,
		job.ID, string(job.State), string(job.Stage), job.Error, job.Attempt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job %s: %w", job.ID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) FindJob(ctx context.Context, jobID string) (Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, `
		SELECT job_id, user_id, state, stage, error, attempt, enqueued_at, updated_at
		FROM provisioning_jobs WHERE job_id = $1`,
		jobID,
	), fmt.Sprintf("job %s", jobID))
}

func (s *PostgresStore) FindLatestJobByUser(ctx context.Context, userID string) (Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, `
		SELECT job_id, user_id, state, stage, error, attempt, enqueued_at, updated_at
		FROM provisioning_jobs WHERE user_id = $1
		ORDER BY enqueued_at DESC LIMIT 1`,
		userID,
	), fmt.Sprintf("job for user %s", userID))
}

func (s *PostgresStore) ListStuckJobs(ctx context.Context, cutoff time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, user_id, state, stage, error, attempt, enqueued_at, updated_at
		FROM provisioning_jobs
		WHERE state = $1 AND updated_at < $2`,
		string(JobRunning), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		var state, stage string
		if err := rows.Scan(&job.ID, &job.UserID, &state, &stage, &job.Error, &job.Attempt, &job.EnqueuedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.State = JobState(state)
		job.Stage = Stage(stage)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) scanJob(row *sql.Row, label string) (Job, error) {
	var job Job
	var state, stage string
	err := row.Scan(&job.ID, &job.UserID, &state, &stage, &job.Error, &job.Attempt, &job.EnqueuedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%s: %w", label, sentinel.ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("find %s: %w", label, err)
	}
	job.State = JobState(state)
	job.Stage = Stage(stage)
	return job, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
