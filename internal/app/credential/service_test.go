package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/ahrav/market-scout/internal/domain/credential"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/common/timeutil"
)

type mockRepo struct {
	mu       sync.Mutex
	tokens   map[string]domain.Snapshot
	usage    map[string]int64
	saveErr  error
	usageErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{tokens: make(map[string]domain.Snapshot), usage: make(map[string]int64)}
}

func (m *mockRepo) Save(_ context.Context, t domain.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.tokens[t.ID] = t
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, id)
	return nil
}

func (m *mockRepo) List(_ context.Context) ([]domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Snapshot, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, t)
	}
	return out, nil
}

func (m *mockRepo) UpdateUsage(_ context.Context, usage map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		return m.usageErr
	}
	for id, n := range usage {
		m.usage[id] = n
	}
	return nil
}

type noOpMetrics struct{}

func (noOpMetrics) IncAuthorization(context.Context, string) {}
func (noOpMetrics) IncSlotRejected(context.Context) {}
func (noOpMetrics) SetTokenCount(context.Context, int) {}

var testStart = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *mockRepo, *timeutil.Mock) {
	t.Helper()
	repo := newMockRepo()
	clock := &timeutil.Mock{CurrentTime: testStart}
	svc := NewService(repo, clock, logger.Noop(), noOpMetrics{}, noop.NewTracerProvider().Tracer("test"))
	return svc, repo, clock
}

func ptr[T any](v T) *T { return &v }

func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Create(ctx, time.Hour, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, testStart, tok.CreatedAt)
	assert.Contains(t, repo.tokens, tok.ID)

	got, err := svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, tok, got)
	assert.NoError(t, svc.Validate(ctx, tok.ID))
	assert.Equal(t, 1, svc.Count())

	_, err = svc.Create(ctx, 0, 10, 2)
	assert.ErrorIs(t, err, shared.ErrInvalidParameter)
	_, err = svc.Create(ctx, time.Hour, 0, 2)
	assert.ErrorIs(t, err, shared.ErrInvalidParameter)

	_, err = svc.Get(ctx, "rs.missing")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreateRepositoryFailure(t *testing.T) {
	t.Parallel()

	svc, repo, _ := newTestService(t)
	repo.saveErr = errors.New("db down")

	_, err := svc.Create(context.Background(), time.Hour, 10, 2)
	require.Error(t, err)
	assert.Zero(t, svc.Count())
}

func TestExpiryBoundary(t *testing.T) {
	t.Parallel()

	svc, _, clock := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Create(ctx, 60*time.Second, 10, 2)
	require.NoError(t, err)

	clock.Set(testStart.Add(59 * time.Second))
	require.NoError(t, svc.Authorize(ctx, tok.ID, 1))

	clock.Set(testStart.Add(60 * time.Second))
	assert.ErrorIs(t, svc.Authorize(ctx, tok.ID, 1), shared.ErrExpired)

	clock.Set(testStart.Add(61 * time.Second))
	assert.ErrorIs(t, svc.Authorize(ctx, tok.ID, 1), shared.ErrExpired)
	_, err = svc.ReserveTaskSlot(ctx, tok.ID)
	assert.ErrorIs(t, err, shared.ErrExpired)
	_, err = svc.Get(ctx, tok.ID)
	assert.ErrorIs(t, err, shared.ErrExpired)

	info, err := svc.PublicInfo(ctx, tok.ID)
	require.NoError(t, err, "public info is available after expiry")
	assert.Equal(t, int64(1), info.OpCount)
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	svc, repo, clock := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Create(ctx, time.Hour, 10, 2)
	require.NoError(t, err)
	for range 4 {
		require.NoError(t, svc.Authorize(ctx, tok.ID, 1))
	}

	updated, err := svc.Update(ctx, tok.ID, domain.UpdateParams{OpLimit: ptr(int64(20))})
	require.NoError(t, err)
	assert.Equal(t, int64(20), updated.OpLimit)
	assert.Equal(t, time.Hour, updated.TTL)
	assert.Equal(t, int64(2), updated.TCLimit)
	assert.Equal(t, int64(20), repo.tokens[tok.ID].OpLimit)

	_, err = svc.Update(ctx, tok.ID, domain.UpdateParams{OpLimit: ptr(int64(3))})
	assert.ErrorIs(t, err, shared.ErrInvalidParameter)

	repo.saveErr = errors.New("db down")
	_, err = svc.Update(ctx, tok.ID, domain.UpdateParams{TCLimit: ptr(int64(9))})
	require.Error(t, err)
	got, err := svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TCLimit, "failed write leaves the token unchanged")
	repo.saveErr = nil

	_, err = svc.Update(ctx, "rs.missing", domain.UpdateParams{TTL: ptr(time.Minute)})
	assert.ErrorIs(t, err, shared.ErrNotFound)

	clock.Advance(2 * time.Hour)
	_, err = svc.Update(ctx, tok.ID, domain.UpdateParams{TTL: ptr(3 * time.Hour)})
	assert.ErrorIs(t, err, shared.ErrExpired)
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	var notified []string
	svc.OnRevoke(func(_ context.Context, id string) { notified = append(notified, id) })

	tok, err := svc.Create(ctx, time.Hour, 10, 2)
	require.NoError(t, err)
	slot, err := svc.ReserveTaskSlot(ctx, tok.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, tok.ID))
	assert.Equal(t, []string{tok.ID}, notified)
	assert.NotContains(t, repo.tokens, tok.ID)

	assert.ErrorIs(t, svc.Authorize(ctx, tok.ID, 1), shared.ErrNotFound)
	assert.ErrorIs(t, svc.Revoke(ctx, tok.ID), shared.ErrNotFound)
	assert.Len(t, notified, 1, "revoking an absent token has no side effect")

	assert.False(t, slot.Released())
	assert.NotPanics(t, slot.Release, "releasing after revocation is harmless")
	assert.True(t, slot.Released())
}

func TestSlotReleaseReturnsCapacity(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Create(ctx, time.Hour, 10, 1)
	require.NoError(t, err)

	slot, err := svc.ReserveTaskSlot(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, slot.TokenID())

	snap, err := svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.TaskCount)

	slot.Release()
	slot.Release()
	assert.True(t, slot.Released())

	snap, err = svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Zero(t, snap.TaskCount, "a second release must not double-decrement")

	var nilSlot *Slot
	assert.False(t, nilSlot.Released())
	assert.NotPanics(t, nilSlot.Release)
}

// Scenario: op_limit=3, four sequential authorizations; the fourth is refused
// and the counter stays at three.
func TestAuthorizeQuotaExhaustion(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Create(ctx, time.Hour, 3, 5)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, svc.Authorize(ctx, tok.ID, 1))
	}
	assert.ErrorIs(t, svc.Authorize(ctx, tok.ID, 1), shared.ErrQuotaExceeded)

	got, err := svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.OpCount)
}

func TestAuthorizeConcurrentNoOvershoot(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	const limit, callers = 50, 200
	tok, err := svc.Create(ctx, time.Hour, limit, 1)
	require.NoError(t, err)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Authorize(ctx, tok.ID, 1) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), ok.Load())
	got, err := svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), got.OpCount)
}

func TestReserveTaskSlotConcurrent(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	const tcLimit = 4
	tok, err := svc.Create(ctx, time.Hour, 1000, tcLimit)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		slots []*Slot
		wg    sync.WaitGroup
	)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := svc.ReserveTaskSlot(ctx, tok.ID)
			if err != nil {
				assert.ErrorIs(t, err, shared.ErrConcurrencyLimitExceeded)
				return
			}
			mu.Lock()
			slots = append(slots, slot)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, slots, tcLimit)

	// Releasing the same slot twice only frees one slot.
	slots[0].Release()
	slots[0].Release()
	got, err := svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(tcLimit-1), got.TaskCount)

	_, err = svc.ReserveTaskSlot(ctx, tok.ID)
	require.NoError(t, err)
	_, err = svc.ReserveTaskSlot(ctx, tok.ID)
	assert.ErrorIs(t, err, shared.ErrConcurrencyLimitExceeded)
}

func TestFlushUsageAndLoad(t *testing.T) {
	t.Parallel()

	svc, repo, clock := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Create(ctx, time.Hour, 10, 2)
	require.NoError(t, err)
	require.NoError(t, svc.Authorize(ctx, tok.ID, 2))

	repo.usageErr = errors.New("db down")
	require.Error(t, svc.FlushUsage(ctx))
	assert.NotContains(t, repo.usage, tok.ID)

	repo.usageErr = nil
	require.NoError(t, svc.FlushUsage(ctx))
	assert.Equal(t, int64(2), repo.usage[tok.ID], "failed flush is retried")

	// Simulate a restart: persisted definition plus flushed usage.
	snap := repo.tokens[tok.ID]
	snap.OpCount = repo.usage[tok.ID]
	repo.tokens[tok.ID] = snap

	restarted := NewService(repo, clock, logger.Noop(), noOpMetrics{}, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, restarted.Load(ctx))
	got, err := restarted.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.OpCount)
	assert.Zero(t, got.TaskCount)
}

func TestRunUsageFlusherFinalFlush(t *testing.T) {
	t.Parallel()

	svc, repo, _ := newTestService(t)
	tok, err := svc.Create(context.Background(), time.Hour, 10, 2)
	require.NoError(t, err)
	require.NoError(t, svc.Authorize(context.Background(), tok.ID, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunUsageFlusher(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, int64(1), repo.usage[tok.ID])
}
