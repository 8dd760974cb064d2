package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/proxy"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/common/logger"
)

const (
	defaultUserAgent    = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	defaultMaxBody      = 4 << 20
	defaultMaxIdleConns = 256
)

// HTTPConfig tunes the HTTP fetcher.
type HTTPConfig struct {
	UserAgent string
	// MaxBodyBytes caps how much of a response is kept.
	MaxBodyBytes int64
	// DialTimeout bounds connecting to the proxy or marketplace.
	DialTimeout time.Duration
	// MaxIdleConns caps idle connections kept across all proxies.
	MaxIdleConns int
}

// HTTPFetcher retrieves a product page through the assigned proxy and returns
// the response as the task result. JSON bodies are returned as is; anything
// else is wrapped in a JSON envelope.
//
// Every request goes through one transport. The proxy is chosen per request
// from the endpoint carried in the request context, so the number of distinct
// proxies seen does not grow the fetcher; idle connections are capped by
// HTTPConfig.MaxIdleConns.
type HTTPFetcher struct {
	catalog  *Catalog
	limiters *limiterSet
	cfg      HTTPConfig

	transport *http.Transport
	client    *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

// NewHTTPFetcher creates a fetcher for the markets of catalog.
func NewHTTPFetcher(catalog *Catalog, cfg HTTPConfig, logger *logger.Logger, tracer trace.Tracer) *HTTPFetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxyFromContext
	transport.DialContext = (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = cfg.DialTimeout
	transport.MaxIdleConns = cfg.MaxIdleConns

	return &HTTPFetcher{
		catalog:   catalog,
		limiters:  newLimiterSet(catalog),
		cfg:       cfg,
		transport: transport,
		client:    &http.Client{Transport: otelhttp.NewTransport(transport)},
		logger:    logger.With("component", "http_fetcher"),
		tracer:    tracer,
	}
}

type endpointKey struct{}

func withEndpoint(ctx context.Context, ep proxy.Endpoint) context.Context {
	return context.WithValue(ctx, endpointKey{}, ep)
}

// proxyFromContext routes a request through the endpoint stored by
// withEndpoint. Requests without one, or with a direct endpoint, go direct.
// The transport keys pooled connections by proxy URL including credentials.
func proxyFromContext(req *http.Request) (*url.URL, error) {
	ep, ok := req.Context().Value(endpointKey{}).(proxy.Endpoint)
	if !ok {
		return nil, nil
	}
	return ep.URL(), nil
}

// SetRateLimit adjusts the outbound request rate of a market at runtime.
func (f *HTTPFetcher) SetRateLimit(sym shared.MarketSymbol, rps float64, burst int) {
	f.limiters.update(sym, rps, burst)
}

// envelope wraps non-JSON responses.
type envelope struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
}

// Fetch implements the dispatcher's Fetcher. Errors are classified as
// *dispatch.WorkError.
func (f *HTTPFetcher) Fetch(ctx context.Context, product shared.ProductRef, ep proxy.Endpoint) (json.RawMessage, error) {
	ctx, span := f.tracer.Start(ctx, "http_fetcher.fetch",
		trace.WithAttributes(
			attribute.String("product", product.String()),
			attribute.String("proxy", ep.String()),
		))
	defer span.End()

	m, ok := f.catalog.Lookup(product.Market)
	if !ok || !m.Available {
		err := fmt.Errorf("market %s is not available: %w", product.Market, shared.ErrInvalidParameter)
		span.SetStatus(codes.Error, "market unavailable")
		return nil, dispatch.NewPermanentError(err)
	}

	if err := f.limiters.wait(ctx, product.Market); err != nil {
		return nil, dispatch.NewTransientError(fmt.Errorf("waiting for %s rate limit: %w", product.Market, err), false)
	}

	target := m.ProductURLFor(product.ID)
	req, err := http.NewRequestWithContext(withEndpoint(ctx, ep), http.MethodGet, target, nil)
	if err != nil {
		return nil, dispatch.NewPermanentError(fmt.Errorf("building request for %s: %w", target, err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		// Connection-level failures are attributed to the proxy.
		return nil, dispatch.NewTransientError(fmt.Errorf("requesting %s via %s: %w", target, ep, err), !ep.IsDirect())
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, dispatch.NewTransientError(fmt.Errorf("reading %s: %w", target, err), !ep.IsDirect())
	}

	if err := classifyStatus(resp.StatusCode, ep); err != nil {
		span.SetStatus(codes.Error, resp.Status)
		f.logger.Debug(ctx, "marketplace request rejected",
			"product", product.String(), "proxy", ep.String(), "status", resp.StatusCode)
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if json.Valid(trimmed) && len(trimmed) > 0 {
		return json.RawMessage(trimmed), nil
	}

	out, err := json.Marshal(envelope{
		URL:         target,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
	})
	if err != nil {
		return nil, dispatch.NewPermanentError(fmt.Errorf("encoding response of %s: %w", target, err))
	}
	return out, nil
}

var errStatus = errors.New("unexpected status")

// classifyStatus maps an HTTP status to a work error. Proxy authentication
// and throttling count against the proxy.
func classifyStatus(status int, ep proxy.Endpoint) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusProxyAuthRequired, status == http.StatusTooManyRequests:
		return dispatch.NewTransientError(fmt.Errorf("%w %d", errStatus, status), !ep.IsDirect())
	case status >= 500:
		return dispatch.NewTransientError(fmt.Errorf("%w %d", errStatus, status), false)
	default:
		return dispatch.NewPermanentError(fmt.Errorf("%w %d", errStatus, status))
	}
}

// Close releases idle connections.
func (f *HTTPFetcher) Close() {
	f.transport.CloseIdleConnections()
}
