// Package httptransport exposes the provisioning pipeline over HTTP.
package httptransport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"didvault/internal/domain"
	"didvault/internal/platform/middleware"
	"didvault/internal/provisioning"
	"didvault/pkg/platform/sentinel"
)

// Runner executes a provisioning run synchronously.
type Runner interface {
	Run(ctx context.Context, userID string) (provisioning.Summary, error)
}

// Enqueuer accepts a provisioning job for background execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID string) (provisioning.Job, error)
}

// Handler wires provisioning endpoints to the pipeline and its stores.
type Handler struct {
	runner   Runner
	enqueuer Enqueuer
	vaults   provisioning.VaultStore
	dids     provisioning.DIDStore
	jobs     provisioning.JobStore
	logger   *slog.Logger
}

// NewHandler constructs the provisioning handler. enqueuer may be nil when no
// queue backend is configured; async requests then fall back to sync runs.
func NewHandler(runner Runner, enqueuer Enqueuer, vaults provisioning.VaultStore, dids provisioning.DIDStore, jobs provisioning.JobStore, logger *slog.Logger) *Handler {
	return &Handler{
		runner:   runner,
		enqueuer: enqueuer,
		vaults:   vaults,
		dids:     dids,
		jobs:     jobs,
		logger:   logger,
	}
}

// Register mounts provisioning endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/provision", h.HandleProvision)
	r.Post("/provision/sync", h.HandleProvisionSync)
	r.Get("/provision/{userID}", h.HandleStatus)
}

// HandleProvision handles POST /provision by queueing a background job.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required", "", "")
		return
	}

	if h.enqueuer == nil {
		h.runSync(w, r, userID)
		return
	}

	job, err := h.enqueuer.Enqueue(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "enqueue failed",
			"request_id", middleware.GetRequestID(ctx),
			"user_id", userID,
			"error", err.Error(),
		)
		writeError(w, statusFor(err), "failed to queue provisioning", "", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// HandleProvisionSync handles POST /provision/sync by running the pipeline
// inline and returning the full summary.
func (h *Handler) HandleProvisionSync(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required", "", "")
		return
	}
	h.runSync(w, r, userID)
}

func (h *Handler) runSync(w http.ResponseWriter, r *http.Request, userID string) {
	ctx := r.Context()
	start := time.Now()

	summary, err := h.runner.Run(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "provisioning already in progress", "", "")
			return
		}
		h.logger.ErrorContext(ctx, "provisioning run failed",
			"request_id", middleware.GetRequestID(ctx),
			"user_id", userID,
			"stage", stageOf(summary),
			"error", err.Error(),
		)
		writeError(w, statusFor(err), "provisioning failed", stageOf(summary), err.Error())
		return
	}

	h.logger.InfoContext(ctx, "provisioning run served",
		"request_id", middleware.GetRequestID(ctx),
		"user_id", userID,
		"did", summary.DID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, summary)
}

// statusResponse aggregates everything stored for a user.
type statusResponse struct {
	UserID      string                 `json:"userId"`
	Provisioned bool                   `json:"provisioned"`
	VaultID     string                 `json:"vaultId,omitempty"`
	Wallets     []domain.WalletAddress `json:"wallets,omitempty"`
	DID         *domain.DIDRecord      `json:"did,omitempty"`
	LatestJob   *provisioning.Job      `json:"latestJob,omitempty"`
}

// HandleStatus handles GET /provision/{userID}. Callers may only query their
// own record.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userID is required", "", "")
		return
	}
	if caller := middleware.GetUserID(ctx); caller != userID {
		writeError(w, http.StatusForbidden, "cannot query another user's provisioning", "", "")
		return
	}

	resp := statusResponse{UserID: userID}

	vault, err := h.vaults.FindVaultByUser(ctx, userID)
	switch {
	case err == nil:
		resp.VaultID = vault.ProviderVaultID
		wallets, listErr := h.vaults.ListWallets(ctx, vault.ProviderVaultID)
		if listErr != nil {
			writeError(w, statusFor(listErr), "failed to load wallets", "", listErr.Error())
			return
		}
		resp.Wallets = wallets
	case errors.Is(err, sentinel.ErrNotFound):
		// No vault yet, nothing to attach.
	default:
		writeError(w, statusFor(err), "failed to load vault", "", err.Error())
		return
	}

	record, err := h.dids.FindDIDByUser(ctx, userID)
	switch {
	case err == nil:
		resp.DID = &record
		resp.Provisioned = true
	case errors.Is(err, sentinel.ErrNotFound):
	default:
		writeError(w, statusFor(err), "failed to load DID record", "", err.Error())
		return
	}

	job, err := h.jobs.FindLatestJobByUser(ctx, userID)
	switch {
	case err == nil:
		resp.LatestJob = &job
	case errors.Is(err, sentinel.ErrNotFound):
	default:
		writeError(w, statusFor(err), "failed to load job", "", err.Error())
		return
	}

	if resp.VaultID == "" && resp.DID == nil && resp.LatestJob == nil {
		writeError(w, http.StatusNotFound, "no provisioning record for user", "", "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
