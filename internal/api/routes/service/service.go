// Package service binds the unauthenticated diagnostic endpoints.
package service

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/market-scout/internal/app/dispatch"
	"github.com/ahrav/market-scout/internal/app/proxypool"
	"github.com/ahrav/market-scout/internal/infra/market"
	"github.com/ahrav/market-scout/pkg/web"
)

// Config contains the components whose state is reported.
type Config struct {
	Dispatcher interface{ Stats() dispatch.Stats }
	Hub        interface{ SubscriberCount() int }
	Tokens     interface{ Count() int }
	Proxies    interface {
		Snapshot() []proxypool.EndpointStatus
	}
	Streams interface {
		Open() int
		Limit() int
	}
	Catalog *market.Catalog
}

// Routes binds the diagnostic endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Get("/state", state(cfg))
	r.Get("/markets", markets(cfg))
	r.Get("/ping", ping)
	r.Get("/myip", myIP)
}

type stateResponse struct {
	dispatch.Stats
	OpenWSLimit int                        `json:"open_ws_limit"`
	CurrOpenWS  int                        `json:"curr_open_ws"`
	Subscribers int                        `json:"subscribers"`
	Tokens      int                        `json:"tokens"`
	Proxies     []proxypool.EndpointStatus `json:"proxies"`
}

func state(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := stateResponse{
			Stats:       cfg.Dispatcher.Stats(),
			OpenWSLimit: cfg.Streams.Limit(),
			CurrOpenWS:  cfg.Streams.Open(),
			Subscribers: cfg.Hub.SubscriberCount(),
			Tokens:      cfg.Tokens.Count(),
			Proxies:     cfg.Proxies.Snapshot(),
		}
		_ = web.Respond(r.Context(), w, http.StatusOK, resp)
	}
}

func markets(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = web.Respond(r.Context(), w, http.StatusOK, cfg.Catalog.Public())
	}
}

func ping(w http.ResponseWriter, _ *http.Request) {
	_ = web.RespondText(w, http.StatusOK, "pong")
}

// myIP echoes the caller address as seen after RealIP processing.
func myIP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	_ = web.RespondText(w, http.StatusOK, host)
}
