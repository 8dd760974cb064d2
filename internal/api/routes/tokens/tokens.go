// Package tokens binds the token management endpoints.
package tokens

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/market-scout/internal/api/errs"
	"github.com/ahrav/market-scout/internal/api/mid"
	"github.com/ahrav/market-scout/internal/domain/credential"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/web"
)

// TokenService is the credential store as seen by the handlers.
type TokenService interface {
	Create(ctx context.Context, ttl time.Duration, opLimit, tcLimit int64) (credential.Snapshot, error)
	Update(ctx context.Context, id string, params credential.UpdateParams) (credential.Snapshot, error)
	Revoke(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (credential.Snapshot, error)
	PublicInfo(ctx context.Context, id string) (credential.Snapshot, error)
	Validate(ctx context.Context, id string) error
}

// Config contains the dependencies of the token handlers.
type Config struct {
	Log         *logger.Logger
	Tokens      TokenService
	MasterToken string
}

// Routes binds the token endpoints.
func Routes(r chi.Router, cfg Config) {
	h := handlers{log: cfg.Log.With("component", "token_handlers"), tokens: cfg.Tokens}

	r.Group(func(r chi.Router) {
		r.Use(mid.Master(cfg.MasterToken))
		r.Post("/create_token", h.create)
		r.Post("/create_token/", h.create)
		r.Post("/update_token", h.update)
		r.Post("/update_token/", h.update)
		r.Delete("/cutout_token/{id}", h.revoke)
	})

	r.Get("/token_info/{id}", h.publicInfo)

	r.Group(func(r chi.Router) {
		r.Use(mid.Authenticate(cfg.Tokens))
		r.Get("/token_info", h.selfInfo)
		r.Get("/test-token", h.test)
	})
}

// tokenResponse is the wire form of a token. Times are unix seconds and the
// ttl is in seconds.
type tokenResponse struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
	TTL       int64  `json:"ttl"`
	OpLimit   int64  `json:"opLimit"`
	TCLimit   int64  `json:"tcLimit"`
	OpCount   int64  `json:"opCount"`
	TaskCount int64  `json:"taskCount"`
	ExpiresAt int64  `json:"expiresAt"`
}

func toResponse(s credential.Snapshot) tokenResponse {
	return tokenResponse{
		ID:        s.ID,
		CreatedAt: s.CreatedAt.Unix(),
		TTL:       int64(s.TTL / time.Second),
		OpLimit:   s.OpLimit,
		TCLimit:   s.TCLimit,
		OpCount:   s.OpCount,
		TaskCount: s.TaskCount,
		ExpiresAt: s.ExpiresAt().Unix(),
	}
}

type createRequest struct {
	TTL     int64 `query:"ttl" validate:"required,gt=0"`
	OpLimit int64 `query:"op_limit" validate:"required,gt=0"`
	TCLimit int64 `query:"tc_limit" validate:"required,gt=0"`
}

type updateRequest struct {
	ID      string `query:"id" validate:"required"`
	TTL     *int64 `query:"ttl" validate:"omitempty,gt=0"`
	OpLimit *int64 `query:"op_limit" validate:"omitempty,gt=0"`
	TCLimit *int64 `query:"tc_limit" validate:"omitempty,gt=0"`
}

type handlers struct {
	log    *logger.Logger
	tokens TokenService
}

func (h handlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var req createRequest
	var err error
	if req.TTL, err = queryInt(q.Get("ttl"), "ttl"); err != nil {
		errs.Respond(ctx, w, err)
		return
	}
	if req.OpLimit, err = queryInt(q.Get("op_limit"), "op_limit"); err != nil {
		errs.Respond(ctx, w, err)
		return
	}
	if req.TCLimit, err = queryInt(q.Get("tc_limit"), "tc_limit"); err != nil {
		errs.Respond(ctx, w, err)
		return
	}
	if err := errs.Check(req); err != nil {
		errs.Respond(ctx, w, err)
		return
	}

	ttl, err := ttlDuration(req.TTL)
	if err != nil {
		errs.Respond(ctx, w, err)
		return
	}

	snap, err := h.tokens.Create(ctx, ttl, req.OpLimit, req.TCLimit)
	if err != nil {
		h.log.Error(ctx, "creating token", "error", err)
		errs.Respond(ctx, w, err)
		return
	}

	_ = web.Respond(ctx, w, http.StatusCreated, toResponse(snap))
}

func (h handlers) update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	req := updateRequest{ID: q.Get("id")}
	var err error
	if req.TTL, err = optionalQueryInt(q.Get("ttl"), "ttl"); err != nil {
		errs.Respond(ctx, w, err)
		return
	}
	if req.OpLimit, err = optionalQueryInt(q.Get("op_limit"), "op_limit"); err != nil {
		errs.Respond(ctx, w, err)
		return
	}
	if req.TCLimit, err = optionalQueryInt(q.Get("tc_limit"), "tc_limit"); err != nil {
		errs.Respond(ctx, w, err)
		return
	}
	if err := errs.Check(req); err != nil {
		errs.Respond(ctx, w, err)
		return
	}

	params := credential.UpdateParams{OpLimit: req.OpLimit, TCLimit: req.TCLimit}
	if req.TTL != nil {
		ttl, err := ttlDuration(*req.TTL)
		if err != nil {
			errs.Respond(ctx, w, err)
			return
		}
		params.TTL = &ttl
	}

	snap, err := h.tokens.Update(ctx, req.ID, params)
	if err != nil {
		errs.Respond(ctx, w, err)
		return
	}

	_ = web.Respond(ctx, w, http.StatusOK, toResponse(snap))
}

func (h handlers) revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := web.Param(r, "id")

	if err := h.tokens.Revoke(ctx, id); err != nil {
		errs.Respond(ctx, w, err)
		return
	}

	_ = web.Respond(ctx, w, http.StatusNoContent, nil)
}

func (h handlers) publicInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, err := h.tokens.PublicInfo(ctx, web.Param(r, "id"))
	if err != nil {
		errs.Respond(ctx, w, err)
		return
	}
	_ = web.Respond(ctx, w, http.StatusOK, toResponse(snap))
}

func (h handlers) selfInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := mid.GetTokenID(ctx)

	snap, err := h.tokens.Get(ctx, id)
	if err != nil {
		errs.Respond(ctx, w, err)
		return
	}
	_ = web.Respond(ctx, w, http.StatusOK, toResponse(snap))
}

type testResponse struct {
	Valid bool   `json:"valid"`
	ID    string `json:"id"`
}

// test only reaches the handler once Authenticate accepted the token.
func (h handlers) test(w http.ResponseWriter, r *http.Request) {
	id, _ := mid.GetTokenID(r.Context())
	_ = web.Respond(r.Context(), w, http.StatusOK, testResponse{Valid: true, ID: id})
}

// maxTTLSeconds is the largest ttl representable as a time.Duration.
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

func ttlDuration(secs int64) (time.Duration, error) {
	if secs > maxTTLSeconds {
		return 0, errs.Newf(errs.InvalidArgument, "ttl must not exceed %d seconds", maxTTLSeconds)
	}
	return time.Duration(secs) * time.Second, nil
}

func queryInt(raw, name string) (int64, error) {
	if raw == "" {
		return 0, errs.Newf(errs.InvalidArgument, "the required URL query parameter '%s' is missing", name)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("the value of URL query parameter '%s' is invalid: %w", name, shared.ErrInvalidParameter)
	}
	return n, nil
}

func optionalQueryInt(raw, name string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	n, err := queryInt(raw, name)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
