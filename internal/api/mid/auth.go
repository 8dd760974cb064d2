// Package mid contains the HTTP middleware of the gateway.
package mid

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/ahrav/market-scout/internal/api/errs"
	"github.com/ahrav/market-scout/internal/domain/shared"
)

// TokenValidator checks that a caller token exists and is not expired.
type TokenValidator interface {
	Validate(ctx context.Context, id string) error
}

type ctxKey int

const tokenKey ctxKey = 1

// SetTokenID stores the authenticated caller token.
func SetTokenID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tokenKey, id)
}

// GetTokenID returns the authenticated caller token.
func GetTokenID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tokenKey).(string)
	return id, ok && id != ""
}

var errMissingHeader = errors.New("the 'Authorization' header is required but was not included in the request")

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errs.New(errs.Unauthenticated, errMissingHeader)
	}

	token, ok := strings.CutPrefix(h, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", errs.Newf(errs.MalformedAuth, "invalid Authorization header: expected format 'Bearer <token>'")
	}
	return token, nil
}

// Master admits only requests bearing the administrator token.
func Master(masterToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r)
			if err != nil {
				errs.Respond(r.Context(), w, err)
				return
			}

			if masterToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(masterToken)) != 1 {
				errs.Respond(r.Context(), w, errs.Newf(errs.InvalidMaster, "invalid master token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticate admits requests bearing a live caller token and stores the
// token id in the request context.
func Authenticate(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, err := BearerToken(r)
			if err != nil {
				errs.Respond(ctx, w, err)
				return
			}

			if err := v.Validate(ctx, token); err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					err = errs.Newf(errs.Unauthenticated, "token does not exist")
				}
				errs.Respond(ctx, w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(SetTokenID(ctx, token)))
		})
	}
}
