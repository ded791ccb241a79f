package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and provider clients return
// these (optionally wrapped) so services can translate them into stage-level
// outcomes.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store or registry
// - ErrConflict: entity already exists (vault per user, DID on chain)
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrRunInProgress: a provisioning run already holds the per-user lease
// - ErrUnavailable: provider or resource temporarily unavailable
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidState  = errors.New("invalid state")
	ErrRunInProgress = errors.New("run in progress")
	ErrUnavailable   = errors.New("unavailable")
)
