package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"didvault/internal/custody"
	"didvault/internal/provisioning"
	"didvault/pkg/platform/sentinel"
)

// errorEnvelope is the JSON error shape. Stage is set when a pipeline stage
// is known to have produced the failure.
type errorEnvelope struct {
	Error  string `json:"error"`
	Stage  string `json:"stage,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, stage, detail string) {
	writeJSON(w, status, errorEnvelope{Error: message, Stage: stage, Detail: detail})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sentinel.ErrNotFound) || custody.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, sentinel.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, sentinel.ErrConflict) || custody.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, sentinel.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// stageOf extracts the failed stage name from a run summary, empty when the
// failure happened outside the staged pipeline.
func stageOf(summary provisioning.Summary) string {
	for _, stage := range []provisioning.Stage{
		provisioning.StageVault,
		provisioning.StageAnchor,
		provisioning.StageDIDMint,
		provisioning.StageRegister,
	} {
		if _, ok := summary.Errors[string(stage)]; ok {
			return string(stage)
		}
	}
	return ""
}
