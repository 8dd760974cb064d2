package dispatch

import "errors"

// WorkError classifies a failure of the unit of work. Transient failures are
// retried on a fresh proxy; ProxyFault marks the proxy as the likely cause so
// its health is charged.
type WorkError struct {
	Transient  bool
	ProxyFault bool
	Err        error
}

func (e *WorkError) Error() string { return e.Err.Error() }
func (e *WorkError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable failure.
func NewTransientError(err error, proxyFault bool) *WorkError {
	return &WorkError{Transient: true, ProxyFault: proxyFault, Err: err}
}

// NewPermanentError wraps err as a failure that must not be retried.
func NewPermanentError(err error) *WorkError {
	return &WorkError{Err: err}
}

// ClassifyWorkError reports whether err is transient and whether the proxy
// is to blame. Errors that carry no classification are permanent.
func ClassifyWorkError(err error) (transient, proxyFault bool) {
	var we *WorkError
	if errors.As(err, &we) {
		return we.Transient, we.ProxyFault
	}
	return false, false
}
