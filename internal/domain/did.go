package domain

import "time"

// DIDRecord is the persisted decentralized-identity record for one user.
// First creation inserts; later provisioning runs update in place, so at most
// one record exists per user. TxHash stays empty until (and unless) on-chain
// registration succeeds.
type DIDRecord struct {
	UserID             string
	DID                string
	DocumentCID        string
	DocumentURL        string
	VerificationMethod string
	KeyType            string
	AnchorCID          string
	CombinedHash       string
	Chains             []Chain
	WalletCount        int
	TxHash             string
	UpdatedAt          time.Time
}
