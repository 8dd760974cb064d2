// Package proxy models outbound proxy endpoints and their health.
package proxy

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ahrav/market-scout/internal/domain/shared"
)

// DirectKey identifies the pseudo-endpoint that sends traffic without a proxy.
const DirectKey = "direct"

// Endpoint is an outbound proxy address with optional credentials.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Direct returns the endpoint used when no proxy pool is configured.
func Direct() Endpoint { return Endpoint{} }

// IsDirect reports whether e routes without a proxy.
func (e Endpoint) IsDirect() bool { return e.Host == "" }

// Key returns the identity of the endpoint within the pool ("host:port").
func (e Endpoint) Key() string {
	if e.IsDirect() {
		return DirectKey
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint without its password.
func (e Endpoint) String() string {
	if e.Username == "" || e.IsDirect() {
		return e.Key()
	}
	return e.Username + "@" + e.Key()
}

// URL returns the proxy URL for an HTTP transport, or nil for direct.
func (e Endpoint) URL() *url.URL {
	if e.IsDirect() {
		return nil
	}
	u := &url.URL{Scheme: "http", Host: e.Key()}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// ParseEndpoint parses "[user:pass@]ip:port". The host must be an IP address.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	var ep Endpoint

	addr := s
	if creds, rest, ok := strings.Cut(s, "@"); ok {
		user, pass, hasPass := strings.Cut(creds, ":")
		if !hasPass || user == "" || pass == "" {
			return Endpoint{}, fmt.Errorf("proxy %q: credentials must be user:pass: %w", s, shared.ErrInvalidParameter)
		}
		ep.Username, ep.Password = user, pass
		addr = rest
	}

	ap, err := netip.ParseAddrPort(addr)
	if err != nil || ap.Port() == 0 {
		return Endpoint{}, fmt.Errorf("proxy %q: expected ip:port: %w", s, shared.ErrInvalidParameter)
	}
	ep.Host = ap.Addr().String()
	ep.Port = int(ap.Port())
	return ep, nil
}

// ParsePool parses a list of endpoints, dropping duplicates by key.
func ParsePool(raw []string) ([]Endpoint, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Endpoint, 0, len(raw))
	for _, r := range raw {
		ep, err := ParseEndpoint(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[ep.Key()]; dup {
			continue
		}
		seen[ep.Key()] = struct{}{}
		out = append(out, ep)
	}
	return out, nil
}

// Outcome is the result of using an endpoint for one fetch.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Health tracks the consecutive-failure state of one endpoint. It is not safe
// for concurrent use; the pool manager serializes access per endpoint.
type Health struct {
	healthy             bool
	consecutiveFailures int
	lastTrial           time.Time
}

// NewHealth returns a healthy state.
func NewHealth() Health { return Health{healthy: true} }

// Healthy reports whether the endpoint is in rotation.
func (h *Health) Healthy() bool { return h.healthy }
func (h *Health) ConsecutiveFailures() int { return h.consecutiveFailures }

// RecordSuccess resets the failure streak. It returns true if the endpoint
// transitioned from unhealthy to healthy.
func (h *Health) RecordSuccess() bool {
	changed := !h.healthy
	h.healthy = true
	h.consecutiveFailures = 0
	return changed
}

// RecordFailure extends the failure streak and marks the endpoint unhealthy
// once threshold consecutive failures accumulate. It returns true on the
// healthy to unhealthy transition.
func (h *Health) RecordFailure(now time.Time, threshold int) bool {
	h.consecutiveFailures++
	if h.healthy && h.consecutiveFailures >= threshold {
		h.healthy = false
		h.lastTrial = now
		return true
	}
	if !h.healthy {
		h.lastTrial = now
	}
	return false
}

// Eligible reports whether the endpoint may be assigned at now. Unhealthy
// endpoints become eligible for a single trial once recovery has elapsed
// since they were last tried; a zero recovery disables trials.
func (h *Health) Eligible(now time.Time, recovery time.Duration) bool {
	if h.healthy {
		return true
	}
	return recovery > 0 && now.Sub(h.lastTrial) >= recovery
}

// MarkTrial records that an unhealthy endpoint was handed out for a trial.
func (h *Health) MarkTrial(now time.Time) {
	if !h.healthy {
		h.lastTrial = now
	}
}
