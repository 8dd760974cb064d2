// Package api assembles the HTTP gateway.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/market-scout/internal/api/errs"
	"github.com/ahrav/market-scout/internal/api/mid"
	"github.com/ahrav/market-scout/internal/api/routes/health"
	"github.com/ahrav/market-scout/internal/api/routes/service"
	"github.com/ahrav/market-scout/internal/api/routes/tasks"
	"github.com/ahrav/market-scout/internal/api/routes/tokens"
	"github.com/ahrav/market-scout/internal/app/dispatch"
	"github.com/ahrav/market-scout/internal/app/proxypool"
	"github.com/ahrav/market-scout/internal/infra/market"
	"github.com/ahrav/market-scout/pkg/common/logger"
)

// Metrics is the instrumentation the gateway records.
type Metrics interface {
	mid.RequestMetrics
	SetOpenStreams(ctx context.Context, n int)
}

// TokenService is the credential store behind the token and auth routes.
type TokenService interface {
	tokens.TokenService
	Count() int
}

// Hub is the stream hub behind the WebSocket route.
type Hub interface {
	tasks.Streams
	SubscriberCount() int
}

// Dispatcher accepts orders and reports worker pool state.
type Dispatcher interface {
	tasks.Dispatcher
	Stats() dispatch.Stats
}

// Config contains every dependency of the gateway.
type Config struct {
	Build          string
	RootPath       string
	MasterToken    string
	OpenWSLimit    int
	WSPingInterval time.Duration
	MaxBodyBytes   int64

	Log        *logger.Logger
	Tracer     trace.Tracer
	Metrics    Metrics
	Tokens     TokenService
	Dispatcher Dispatcher
	Hub        Hub
	Proxies    interface{ Snapshot() []proxypool.EndpointStatus }
	Catalog    *market.Catalog
	DB         health.Pinger
}

// NewHandler builds the gateway handler with every route bound under
// cfg.RootPath.
func NewHandler(cfg Config) http.Handler {
	limiter := tasks.NewStreamLimiter(cfg.OpenWSLimit, cfg.Metrics)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mid.Otel(cfg.Tracer))
	r.Use(mid.Logger(cfg.Log))
	r.Use(mid.Metrics(cfg.Metrics))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errs.Respond(r.Context(), w, errs.Newf(errs.NotFound, "route %s not found", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errs.Respond(r.Context(), w, errs.Newf(errs.InvalidArgument, "method %s not allowed on %s", r.Method, r.URL.Path))
	})

	r.Route(cfg.RootPath, func(r chi.Router) {
		health.Routes(r, health.Config{Build: cfg.Build, Log: cfg.Log, DB: cfg.DB})

		service.Routes(r, service.Config{
			Dispatcher: cfg.Dispatcher,
			Hub:        cfg.Hub,
			Tokens:     cfg.Tokens,
			Proxies:    cfg.Proxies,
			Streams:    limiter,
			Catalog:    cfg.Catalog,
		})

		tokens.Routes(r, tokens.Config{
			Log:         cfg.Log,
			Tokens:      cfg.Tokens,
			MasterToken: cfg.MasterToken,
		})

		tasks.Routes(r, tasks.Config{
			Log:          cfg.Log,
			Tokens:       cfg.Tokens,
			Dispatcher:   cfg.Dispatcher,
			Streams:      cfg.Hub,
			Limiter:      limiter,
			PingInterval: cfg.WSPingInterval,
			MaxBodyBytes: cfg.MaxBodyBytes,
		})
	})

	return otelhttp.NewHandler(r, "gateway",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
