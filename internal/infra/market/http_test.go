package market

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/proxy"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/common/logger"
)

func newTestFetcher(t *testing.T, markets ...Market) *HTTPFetcher {
	t.Helper()
	c, err := NewCatalog(markets)
	require.NoError(t, err)
	f := NewHTTPFetcher(c, HTTPConfig{}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	t.Cleanup(f.Close)
	return f
}

func mustRef(t *testing.T, s string) shared.ProductRef {
	t.Helper()
	ref, err := shared.ParseProductRef(s)
	require.NoError(t, err)
	return ref
}

func TestHTTPFetcher_Direct(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/p/")
		switch id {
		case "1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sku":"1","price":100}`))
		case "2":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>card</html>"))
		case "404":
			w.WriteHeader(http.StatusNotFound)
		case "429":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t, Market{Symbol: shared.MarketWildberries, Available: true, ProductURL: srv.URL + "/p/{id}"})
	ctx := context.Background()

	out, err := f.Fetch(ctx, mustRef(t, "wb/1"), proxy.Direct())
	require.NoError(t, err)
	assert.JSONEq(t, `{"sku":"1","price":100}`, string(out))

	out, err = f.Fetch(ctx, mustRef(t, "wb/2"), proxy.Direct())
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(out, &env))
	assert.Equal(t, http.StatusOK, env.Status)
	assert.Equal(t, "<html>card</html>", env.Body)
	assert.Equal(t, srv.URL+"/p/2", env.URL)

	tests := []struct {
		product       string
		wantTransient bool
	}{
		{product: "wb/404", wantTransient: false},
		{product: "wb/429", wantTransient: true},
		{product: "wb/502", wantTransient: true},
	}
	for _, tt := range tests {
		_, err := f.Fetch(ctx, mustRef(t, tt.product), proxy.Direct())
		require.Error(t, err, tt.product)
		transient, proxyFault := dispatch.ClassifyWorkError(err)
		assert.Equal(t, tt.wantTransient, transient, tt.product)
		assert.False(t, proxyFault, "direct requests never blame a proxy")
	}
}

func TestHTTPFetcher_ThroughProxy(t *testing.T) {
	t.Parallel()

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:secret"))
	var proxied atomic.Int32
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Host != "market.invalid" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Proxy-Authorization") != wantAuth {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		proxied.Add(1)
		_, _ = w.Write([]byte(`{"via":"proxy"}`))
	}))
	defer proxySrv.Close()

	f := newTestFetcher(t, Market{Symbol: shared.MarketOzon, Available: true, ProductURL: "http://market.invalid/product/{id}"})
	addr := proxySrv.Listener.Addr().String()

	good, err := proxy.ParseEndpoint("user:secret@" + addr)
	require.NoError(t, err)
	out, err := f.Fetch(context.Background(), mustRef(t, "oz/7"), good)
	require.NoError(t, err)
	assert.JSONEq(t, `{"via":"proxy"}`, string(out))
	assert.Equal(t, int32(1), proxied.Load())

	bad, err := proxy.ParseEndpoint("user:wrong@" + addr)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), mustRef(t, "oz/7"), bad)
	require.Error(t, err)
	transient, proxyFault := dispatch.ClassifyWorkError(err)
	assert.True(t, transient)
	assert.True(t, proxyFault)
}

func TestHTTPFetcher_RoutesEachRequestThroughItsEndpoint(t *testing.T) {
	t.Parallel()

	// Each proxy echoes its name and the user it was authenticated as.
	newProxy := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := ""
			if auth := r.Header.Get("Proxy-Authorization"); auth != "" {
				raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
				if err == nil {
					user, _, _ = strings.Cut(string(raw), ":")
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"via": name, "user": user})
		}))
	}
	proxyA, proxyB := newProxy("a"), newProxy("b")
	defer proxyA.Close()
	defer proxyB.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"via":"direct"}`))
	}))
	defer origin.Close()

	f := newTestFetcher(t, Market{Symbol: shared.MarketOzon, Available: true, ProductURL: origin.URL + "/{id}"})
	ctx := context.Background()

	type result struct {
		Via  string `json:"via"`
		User string `json:"user"`
	}

	tests := []struct {
		name     string
		endpoint string
		want     result
	}{
		{name: "direct", want: result{Via: "direct"}},
		{name: "proxy a anonymous", endpoint: proxyA.Listener.Addr().String(), want: result{Via: "a"}},
		{name: "proxy b as u1", endpoint: "u1:p@" + proxyB.Listener.Addr().String(), want: result{Via: "b", User: "u1"}},
		{name: "proxy b as u2", endpoint: "u2:p@" + proxyB.Listener.Addr().String(), want: result{Via: "b", User: "u2"}},
		{name: "proxy a as u1", endpoint: "u1:p@" + proxyA.Listener.Addr().String(), want: result{Via: "a", User: "u1"}},
		{name: "direct again", want: result{Via: "direct"}},
	}

	// Interleaved requests share one transport; two rounds exercise reused
	// connections.
	for round := range 2 {
		for _, tt := range tests {
			ep := proxy.Direct()
			if tt.endpoint != "" {
				var err error
				ep, err = proxy.ParseEndpoint(tt.endpoint)
				require.NoError(t, err, tt.name)
			}

			out, err := f.Fetch(ctx, mustRef(t, "oz/1"), ep)
			require.NoError(t, err, "%s round %d", tt.name, round)
			var got result
			require.NoError(t, json.Unmarshal(out, &got))
			assert.Equal(t, tt.want, got, "%s round %d", tt.name, round)
		}
	}

	assert.Equal(t, defaultMaxIdleConns, f.transport.MaxIdleConns)
}

func TestHTTPFetcher_UnreachableProxy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	f := newTestFetcher(t, Market{Symbol: shared.MarketOzon, Available: true, ProductURL: "http://market.invalid/{id}"})
	ep, err := proxy.ParseEndpoint(addr)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), mustRef(t, "oz/1"), ep)
	require.Error(t, err)
	transient, proxyFault := dispatch.ClassifyWorkError(err)
	assert.True(t, transient)
	assert.True(t, proxyFault)
}

func TestHTTPFetcher_UnavailableMarket(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, Market{Symbol: shared.MarketOzon, Available: false, ProductURL: "http://x/{id}"})

	for _, product := range []string{"oz/1", "wb/1"} {
		_, err := f.Fetch(context.Background(), mustRef(t, product), proxy.Direct())
		require.Error(t, err)
		transient, _ := dispatch.ClassifyWorkError(err)
		assert.False(t, transient, product)
	}
}

func TestHTTPFetcher_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newTestFetcher(t, Market{Symbol: shared.MarketOzon, Available: true, ProductURL: srv.URL + "/{id}", RPS: 0.1, Burst: 1})

	_, err := f.Fetch(context.Background(), mustRef(t, "oz/1"), proxy.Direct())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, mustRef(t, "oz/2"), proxy.Direct())
	require.Error(t, err)
	var we *dispatch.WorkError
	require.True(t, errors.As(err, &we))
	assert.True(t, we.Transient)

	f.SetRateLimit(shared.MarketOzon, 0, 0)
	_, err = f.Fetch(context.Background(), mustRef(t, "oz/3"), proxy.Direct())
	require.NoError(t, err)
}
