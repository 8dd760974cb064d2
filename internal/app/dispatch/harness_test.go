package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/market-scout/internal/app/credential"
	"github.com/ahrav/market-scout/internal/app/proxypool"
	"github.com/ahrav/market-scout/internal/app/stream"
	domain "github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/proxy"
	"github.com/ahrav/market-scout/internal/domain/shared"
	credmem "github.com/ahrav/market-scout/internal/infra/storage/credential/memory"
	archivemem "github.com/ahrav/market-scout/internal/infra/storage/dispatch/memory"
	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/common/timeutil"
)

// noOpMetrics satisfies every metrics interface the dispatch stack uses.
type noOpMetrics struct{}

func (noOpMetrics) IncTaskTerminal(context.Context, string, string) {}
func (noOpMetrics) IncTasksEvicted(context.Context, int) {}
func (noOpMetrics) IncTasksAdmitted(context.Context, int) {}
func (noOpMetrics) IncTasksDenied(context.Context, int) {}
func (noOpMetrics) IncRetries(context.Context) {}
func (noOpMetrics) ObserveFetchDuration(context.Context, time.Duration, bool) {}
func (noOpMetrics) SetActiveWorkers(context.Context, int) {}
func (noOpMetrics) SetQueueDepth(context.Context, int) {}
func (noOpMetrics) IncAuthorization(context.Context, string) {}
func (noOpMetrics) IncSlotRejected(context.Context) {}
func (noOpMetrics) SetTokenCount(context.Context, int) {}
func (noOpMetrics) IncHealthTransition(context.Context, bool) {}
func (noOpMetrics) IncPoolExhausted(context.Context) {}
func (noOpMetrics) IncEventsDropped(context.Context) {}

type fetchFunc func(ctx context.Context, product shared.ProductRef, ep proxy.Endpoint) (json.RawMessage, error)

func (f fetchFunc) Fetch(ctx context.Context, product shared.ProductRef, ep proxy.Endpoint) (json.RawMessage, error) {
	return f(ctx, product, ep)
}

func okFetcher() fetchFunc {
	return func(_ context.Context, product shared.ProductRef, _ proxy.Endpoint) (json.RawMessage, error) {
		return json.RawMessage(`{"id":"` + product.ID + `"}`), nil
	}
}

// slotRecorder is a Quota that remembers every slot it hands out.
type slotRecorder struct {
	*credential.Service

	// afterReserve, when set, runs once a slot has been reserved.
	afterReserve func(tokenID string)

	mu    sync.Mutex
	slots []*credential.Slot
}

func (q *slotRecorder) ReserveTaskSlot(ctx context.Context, tokenID string) (*credential.Slot, error) {
	slot, err := q.Service.ReserveTaskSlot(ctx, tokenID)
	if err == nil {
		q.mu.Lock()
		q.slots = append(q.slots, slot)
		q.mu.Unlock()
		if q.afterReserve != nil {
			q.afterReserve(tokenID)
		}
	}
	return slot, err
}

func (q *slotRecorder) reserved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}

// held counts slots not yet released.
func (q *slotRecorder) held() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.slots {
		if !s.Released() {
			n++
		}
	}
	return n
}

type harness struct {
	creds      *credential.Service
	quota      *slotRecorder
	registry   *Registry
	hub        *stream.Hub
	proxies    *proxypool.Manager
	archive    *archivemem.ArchiveStore
	dispatcher *Dispatcher
	clock      timeutil.Provider
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	clock     timeutil.Provider
	dispatch  Config
	retention time.Duration
	noRun     bool
	archive   func(domain.ArchiveRepository) domain.ArchiveRepository
}

func withClock(c timeutil.Provider) harnessOption { return func(h *harnessConfig) { h.clock = c } }
func withConfig(c Config) harnessOption { return func(h *harnessConfig) { h.dispatch = c } }
func withoutWorkers() harnessOption { return func(h *harnessConfig) { h.noRun = true } }
func withArchive(wrap func(domain.ArchiveRepository) domain.ArchiveRepository) harnessOption {
	return func(h *harnessConfig) { h.archive = wrap }
}

// newHarness wires the real credential, proxy, stream and archive components
// around a dispatcher. Workers run until the test ends.
func newHarness(t *testing.T, fetcher Fetcher, opts ...harnessOption) *harness {
	t.Helper()

	hc := harnessConfig{
		clock:     timeutil.Default(),
		dispatch:  Config{Workers: 2, BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Millisecond},
		retention: time.Minute,
	}
	for _, opt := range opts {
		opt(&hc)
	}

	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")

	creds := credential.NewService(credmem.NewTokenStore(), hc.clock, log, noOpMetrics{}, tracer)
	hub := stream.NewHub(stream.DefaultBufferSize, hc.clock, log, noOpMetrics{})
	archive := archivemem.NewArchiveStore(100)
	var archiveRepo domain.ArchiveRepository = archive
	if hc.archive != nil {
		archiveRepo = hc.archive(archive)
	}
	quota := &slotRecorder{Service: creds}
	registry := NewRegistry(quota, hub, RegistryConfig{
		Retention: hc.retention,
		Archive:   archiveRepo,
		Topics:    hub,
	}, hc.clock, log, noOpMetrics{}, tracer)
	hub.SetSource(registry)

	proxies := proxypool.NewManager(nil, proxypool.Config{FailureThreshold: 2, RecoveryInterval: time.Hour}, hc.clock, log, noOpMetrics{})
	d := NewDispatcher(registry, creds, proxies, fetcher, hc.dispatch, log, noOpMetrics{}, tracer)
	creds.OnRevoke(d.OnTokenRevoked)

	if !hc.noRun {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = d.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	return &harness{
		creds:      creds,
		quota:      quota,
		registry:   registry,
		hub:        hub,
		proxies:    proxies,
		archive:    archive,
		dispatcher: d,
		clock:      hc.clock,
	}
}

func (h *harness) token(t *testing.T, opLimit, tcLimit int64) string {
	t.Helper()
	tok, err := h.creds.Create(context.Background(), time.Hour, opLimit, tcLimit)
	require.NoError(t, err)
	return tok.ID
}

// waitOrder blocks until every task of the order is terminal.
func (h *harness) waitOrder(t *testing.T, tokenID, orderID string) domain.OrderView {
	t.Helper()
	var view domain.OrderView
	require.Eventually(t, func() bool {
		v, err := h.dispatcher.Order(context.Background(), tokenID, orderID)
		if err != nil {
			return false
		}
		view = v
		return v.Status == domain.OrderStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
	return view
}
