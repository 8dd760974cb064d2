// Package tasks binds the order submission, task query and task streaming
// endpoints.
package tasks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ahrav/market-scout/internal/api/errs"
	"github.com/ahrav/market-scout/internal/api/mid"
	"github.com/ahrav/market-scout/internal/app/stream"
	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/web"
)

// Dispatcher accepts orders and answers queries scoped to the owning token.
type Dispatcher interface {
	SubmitOrder(ctx context.Context, tokenID string, products, proxies []string) (dispatch.OrderHandle, error)
	Order(ctx context.Context, tokenID, orderID string) (dispatch.OrderView, error)
	Task(ctx context.Context, tokenID, taskID string) (dispatch.TaskSnapshot, error)
}

// Streams opens task subscriptions.
type Streams interface {
	Subscribe(ctx context.Context, taskID string) (*stream.Subscription, error)
}

// Config contains the dependencies of the task handlers.
type Config struct {
	Log          *logger.Logger
	Tokens       mid.TokenValidator
	Dispatcher   Dispatcher
	Streams      Streams
	Limiter      *StreamLimiter
	PingInterval time.Duration
	MaxBodyBytes int64
}

// SubProtocol is the only WebSocket subprotocol offered by the stream
// endpoint. Clients never send data frames.
const SubProtocol = "send-only"

// Routes binds the task endpoints. Every route requires a caller token.
func Routes(r chi.Router, cfg Config) {
	h := handlers{
		log:          cfg.Log.With("component", "task_handlers"),
		dispatcher:   cfg.Dispatcher,
		streams:      cfg.Streams,
		limiter:      cfg.Limiter,
		pingInterval: cfg.PingInterval,
		maxBodyBytes: cfg.MaxBodyBytes,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{SubProtocol},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if h.pingInterval <= 0 {
		h.pingInterval = 30 * time.Second
	}

	r.Group(func(r chi.Router) {
		r.Use(mid.Authenticate(cfg.Tokens))
		r.Post("/order", h.submit)
		r.Post("/task/{hash}", h.query)
		r.Get("/task/{hash}", h.query)
		r.Get("/task_ws/{hash}", h.stream)
	})
}

type handlers struct {
	log          *logger.Logger
	dispatcher   Dispatcher
	streams      Streams
	limiter      *StreamLimiter
	pingInterval time.Duration
	maxBodyBytes int64
	upgrader     websocket.Upgrader
}

type orderRequest struct {
	Products  []string `json:"products" validate:"required,min=1,dive,required"`
	ProxyPool []string `json:"proxyPool" validate:"omitempty,dive,required"`
}

func (h handlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokenID, _ := mid.GetTokenID(ctx)

	var req orderRequest
	if err := web.Decode(w, r, &req, h.maxBodyBytes); err != nil {
		errs.Respond(ctx, w, errs.Newf(errs.InvalidArgument, "invalid order format: %v", err))
		return
	}
	if err := errs.Check(req); err != nil {
		errs.Respond(ctx, w, err)
		return
	}

	handle, err := h.dispatcher.SubmitOrder(ctx, tokenID, req.Products, req.ProxyPool)
	if err != nil {
		if errs.FromError(err).Code == errs.Internal {
			h.log.Error(ctx, "submitting order", "token_id", tokenID, "error", err)
		}
		errs.Respond(ctx, w, err)
		return
	}

	_ = web.Respond(ctx, w, http.StatusAccepted, handle)
}

// query answers with a task snapshot when hash names a task and with the
// aggregated order view when it names an order.
func (h handlers) query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokenID, _ := mid.GetTokenID(ctx)
	hash := web.Param(r, "hash")

	snap, err := h.dispatcher.Task(ctx, tokenID, hash)
	if err == nil {
		_ = web.Respond(ctx, w, http.StatusOK, snap)
		return
	}
	if !errors.Is(err, shared.ErrNotFound) {
		errs.Respond(ctx, w, err)
		return
	}

	view, err := h.dispatcher.Order(ctx, tokenID, hash)
	if err != nil {
		errs.Respond(ctx, w, err)
		return
	}
	_ = web.Respond(ctx, w, http.StatusOK, view)
}

// resolve returns the task ids a hash stands for.
func (h handlers) resolve(ctx context.Context, tokenID, hash string) ([]string, error) {
	_, err := h.dispatcher.Task(ctx, tokenID, hash)
	if err == nil {
		return []string{hash}, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	view, err := h.dispatcher.Order(ctx, tokenID, hash)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(view.Tasks))
	for i, t := range view.Tasks {
		ids[i] = t.ID
	}
	return ids, nil
}
