package provisioning

// State is the explicit pipeline position for a provisioning run. Earlier
// implementations tracked this implicitly through which record fields were
// populated; the enum keeps resumability and observability honest.
type State string

const (
	StateNotStarted        State = "not_started"
	StateVaultCreated      State = "vault_created"
	StateWalletsAnchored   State = "wallets_anchored"
	StateDIDMinted         State = "did_minted"
	StateOnChainRegistered State = "onchain_registered"
	StateComplete          State = "complete"
	StateFailed            State = "failed"
)

// Stage names the pipeline step being executed, used in error envelopes,
// metrics labels and job rows.
type Stage string

const (
	StageVault    Stage = "vault"
	StageAnchor   Stage = "anchor"
	StageDIDMint  Stage = "did_mint"
	StageRegister Stage = "onchain_register"
)

// Failure is the single failed-branch variant: which stage broke and why.
type Failure struct {
	Stage  Stage
	Reason string
}

// next maps each stage's successful completion to the resulting state.
func next(stage Stage) State {
	switch stage {
	case StageVault:
		return StateVaultCreated
	case StageAnchor:
		return StateWalletsAnchored
	case StageDIDMint:
		return StateDIDMinted
	case StageRegister:
		return StateOnChainRegistered
	default:
		return StateNotStarted
	}
}
