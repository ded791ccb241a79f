package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"didvault/internal/platform/metrics"
	"didvault/internal/platform/middleware"
)

// HealthChecker reports dependency liveness for the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// RouterConfig carries everything the router needs beyond the handler.
type RouterConfig struct {
	Handler        *Handler
	Validator      middleware.JWTValidator
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
	// Checks maps dependency names to health probes; nil probes are skipped.
	Checks map[string]HealthChecker
}

// NewRouter assembles the middleware chain and mounts all endpoints. Health
// and metrics stay outside the auth boundary.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Instrument(cfg.Metrics))
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", healthHandler(cfg.Checks))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(cfg.Validator, cfg.Logger))
		cfg.Handler.Register(r)
	})

	return r
}

func healthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(checks))
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Health(ctx); err != nil {
				status = http.StatusServiceUnavailable
				deps[name] = err.Error()
				continue
			}
			deps[name] = "ok"
		}
		writeJSON(w, status, map[string]any{
			"status":       httpHealthLabel(status),
			"dependencies": deps,
		})
	}
}

func httpHealthLabel(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}
