// Package health binds the liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/web"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Build string
	Log   *logger.Logger
	// DB is optional; without it readiness always succeeds.
	DB Pinger
}

// Routes binds all the health check endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Get("/liveness", liveness(cfg))
	r.Get("/readiness", readiness(cfg))
}

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = web.Respond(r.Context(), w, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

func readiness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if cfg.DB != nil {
			ctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()

			if err := cfg.DB.Ping(ctx); err != nil {
				cfg.Log.Warn(ctx, "readiness: database unreachable", "error", err)
				_ = web.Respond(ctx, w, http.StatusServiceUnavailable, healthResponse{Status: "db not ready"})
				return
			}
		}
		_ = web.Respond(ctx, w, http.StatusOK, healthResponse{Status: "ready"})
	}
}
