// Package shared provides domain types and error kinds used across the
// credential, proxy and dispatch domains.
package shared

import "errors"

// Error kinds surfaced to callers. Domain packages wrap these so callers can
// classify failures with errors.Is regardless of where they originated.
var (
	ErrInvalidParameter         = errors.New("invalid parameter")
	ErrNotFound                 = errors.New("not found")
	ErrExpired                  = errors.New("token expired")
	ErrQuotaExceeded            = errors.New("quota exceeded")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrPoolExhausted            = errors.New("proxy pool exhausted")
	ErrInvalidTransition        = errors.New("invalid transition")
	ErrDenied                   = errors.New("denied")
)

// Kind returns the name of the error kind err belongs to, or "Internal" when
// it matches none of them.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParameter):
		return "InvalidParameter"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrExpired):
		return "Expired"
	case errors.Is(err, ErrQuotaExceeded):
		return "QuotaExceeded"
	case errors.Is(err, ErrConcurrencyLimitExceeded):
		return "ConcurrencyLimitExceeded"
	case errors.Is(err, ErrPoolExhausted):
		return "PoolExhausted"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrDenied):
		return "Denied"
	default:
		return "Internal"
	}
}
