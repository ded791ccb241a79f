package provisioning

import "time"

// Summary is the caller-visible outcome of a provisioning run. Errors carries
// the full per-stage picture rather than just the first failure; Warnings
// holds non-fatal degradations (on-chain registration being the only one).
type Summary struct {
	UserID                string            `json:"userId"`
	State                 State             `json:"state"`
	Success               bool              `json:"success"`
	SmartContractDeployed bool              `json:"smartContractDeployed"`
	VaultID               string            `json:"vaultId,omitempty"`
	DID                   string            `json:"did,omitempty"`
	AnchorCID             string            `json:"anchorCid,omitempty"`
	CombinedHash          string            `json:"combinedHash,omitempty"`
	DocumentCID           string            `json:"documentCid,omitempty"`
	DocumentURL           string            `json:"documentUrl,omitempty"`
	TxHash                string            `json:"txHash,omitempty"`
	WalletProofCount      int               `json:"walletProofCount,omitempty"`
	ChainCount            int               `json:"chainCount"`
	Warnings              []string          `json:"warnings,omitempty"`
	Errors                map[string]string `json:"errors,omitempty"`
	StartedAt             time.Time         `json:"startedAt"`
	FinishedAt            time.Time         `json:"finishedAt"`
}

// JobState tracks a queued provisioning job through the durable queue.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job is the queryable status record for one queued provisioning request.
type Job struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	State      JobState  `json:"state"`
	Stage      Stage     `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
