// Package errs maps service errors onto HTTP responses.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/web"
)

// ErrCode pairs the error kind reported to clients with its HTTP status.
type ErrCode struct {
	kind   string
	status int
}

// Kind returns the name written in the "error" field.
func (c ErrCode) Kind() string { return c.kind }

// HTTPStatus returns the status code for the kind.
func (c ErrCode) HTTPStatus() int { return c.status }

var (
	InvalidArgument  = ErrCode{kind: "InvalidParameter", status: http.StatusBadRequest}
	MalformedAuth    = ErrCode{kind: "MalformedAuthorizationHeader", status: http.StatusBadRequest}
	Unauthenticated  = ErrCode{kind: "Unauthorized", status: http.StatusUnauthorized}
	InvalidMaster    = ErrCode{kind: "InvalidMasterToken", status: http.StatusUnauthorized}
	Expired          = ErrCode{kind: "Expired", status: http.StatusUnauthorized}
	NotFound         = ErrCode{kind: "NotFound", status: http.StatusNotFound}
	QuotaExceeded    = ErrCode{kind: "QuotaExceeded", status: http.StatusTooManyRequests}
	ConcurrencyLimit = ErrCode{kind: "ConcurrencyLimitExceeded", status: http.StatusTooManyRequests}
	Unavailable      = ErrCode{kind: "Unavailable", status: http.StatusServiceUnavailable}
	Internal         = ErrCode{kind: "Internal", status: http.StatusInternalServerError}
)

// Error is the JSON error body returned by every endpoint.
type Error struct {
	Code    ErrCode `json:"-"`
	Kind    string  `json:"error"`
	Message string  `json:"message"`
}

// New wraps err with the given code.
func New(code ErrCode, err error) *Error {
	return &Error{Code: code, Kind: code.kind, Message: err.Error()}
}

// Newf creates an error with a formatted message.
func Newf(code ErrCode, format string, v ...any) *Error {
	return &Error{Code: code, Kind: code.kind, Message: fmt.Sprintf(format, v...)}
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Kind + ": " + e.Message }

// IsError reports whether err is an *Error.
func IsError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// FromError classifies err by its domain kind. Internal errors carry a
// generic message so implementation details are not leaked.
func FromError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, shared.ErrInvalidParameter), errors.Is(err, shared.ErrInvalidTransition):
		return New(InvalidArgument, err)
	case errors.Is(err, shared.ErrNotFound):
		return New(NotFound, err)
	case errors.Is(err, shared.ErrExpired):
		return New(Expired, err)
	case errors.Is(err, shared.ErrQuotaExceeded):
		return New(QuotaExceeded, err)
	case errors.Is(err, shared.ErrConcurrencyLimitExceeded):
		return New(ConcurrencyLimit, err)
	case errors.Is(err, shared.ErrPoolExhausted):
		return New(Unavailable, err)
	default:
		return Newf(Internal, "internal server error")
	}
}

// Respond writes err as a JSON error body.
func Respond(ctx context.Context, w http.ResponseWriter, err error) {
	e := FromError(err)
	_ = web.Respond(ctx, w, e.Code.status, e)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Check validates a request struct using its validate tags.
func Check(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}

		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed on %s", fieldName(fe), fe.Tag()))
		}
		return fmt.Errorf("%s: %w", strings.Join(fields, "; "), shared.ErrInvalidParameter)
	}
	return nil
}

func fieldName(fe validator.FieldError) string {
	if n := fe.Field(); n != "" {
		return n
	}
	return fe.StructField()
}

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"query", "json"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return ""
	})
}
