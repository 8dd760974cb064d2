// Package proxypool assigns outbound proxies to tasks and tracks their health.
package proxypool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahrav/market-scout/internal/domain/proxy"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/common/timeutil"
)

const (
	// maxCursors bounds the number of per-pool round-robin cursors retained.
	maxCursors = 4096
	// defaultMaxEndpoints bounds the number of endpoints whose health is kept.
	defaultMaxEndpoints = 4096
)

// metrics defines the interface for tracking proxy health metrics.
type metrics interface {
	IncHealthTransition(ctx context.Context, healthy bool)
	IncPoolExhausted(ctx context.Context)
}

// Config holds the health policy of the pool.
type Config struct {
	// FailureThreshold is the number of consecutive failures after which an
	// endpoint is taken out of rotation.
	FailureThreshold int
	// RecoveryInterval is how long an unhealthy endpoint waits before it is
	// offered for a single trial assignment. Zero disables trials.
	RecoveryInterval time.Duration
	// MaxEndpoints caps how many endpoints have their health tracked.
	// Endpoints of the default pool always count and are never dropped.
	MaxEndpoints int
}

type endpointState struct {
	mu     sync.Mutex
	health proxy.Health

	pinned   bool
	lastSeen atomic.Int64
}

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	Endpoint            string `json:"endpoint"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Manager is the single writer of endpoint health. Health is tracked per
// host:port and shared by every pool that lists the endpoint.
type Manager struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointState

	cursorMu sync.Mutex
	cursors  map[string]int

	defaultPool []proxy.Endpoint
	cfg         Config

	clock   timeutil.Provider
	logger  *logger.Logger
	metrics metrics
}

// NewManager creates a manager whose fallback pool is defaultPool.
func NewManager(
	defaultPool []proxy.Endpoint,
	cfg Config,
	clock timeutil.Provider,
	logger *logger.Logger,
	metrics metrics,
) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.MaxEndpoints <= 0 {
		cfg.MaxEndpoints = defaultMaxEndpoints
	}
	m := &Manager{
		endpoints:   make(map[string]*endpointState),
		cursors:     make(map[string]int),
		defaultPool: defaultPool,
		cfg:         cfg,
		clock:       clock,
		logger:      logger.With("component", "proxy_pool"),
		metrics:     metrics,
	}
	for _, ep := range defaultPool {
		m.state(ep).pinned = true
	}
	return m
}

// Assign picks the next eligible endpoint of pool in round-robin order. An
// empty pool falls back to the configured default pool and then to a direct
// connection. shared.ErrPoolExhausted is returned when every endpoint of the
// pool is unhealthy and none is due for a trial.
func (m *Manager) Assign(ctx context.Context, pool []proxy.Endpoint, taskID string) (proxy.Endpoint, error) {
	if len(pool) == 0 {
		pool = m.defaultPool
	}
	if len(pool) == 0 {
		return proxy.Direct(), nil
	}

	now := m.clock.Now()
	key := poolKey(pool)
	start := m.cursor(key)

	for i := range pool {
		idx := (start + i) % len(pool)
		ep := pool[idx]
		st := m.state(ep)

		st.mu.Lock()
		eligible := st.health.Eligible(now, m.cfg.RecoveryInterval)
		trial := eligible && !st.health.Healthy()
		if trial {
			st.health.MarkTrial(now)
		}
		st.mu.Unlock()

		if !eligible {
			continue
		}

		m.advance(key, idx+1)
		if trial {
			m.logger.Debug(ctx, "trial assignment of unhealthy proxy", "proxy", ep.String(), "task_id", taskID)
		}
		return ep, nil
	}

	m.metrics.IncPoolExhausted(ctx)
	return proxy.Endpoint{}, fmt.Errorf("all %d proxies unhealthy: %w", len(pool), shared.ErrPoolExhausted)
}

// Report records the outcome of using ep. Direct endpoints are not tracked.
func (m *Manager) Report(ctx context.Context, ep proxy.Endpoint, outcome proxy.Outcome) {
	if ep.IsDirect() {
		return
	}

	st := m.state(ep)
	st.mu.Lock()
	var changed, healthy bool
	switch outcome {
	case proxy.OutcomeSuccess:
		changed = st.health.RecordSuccess()
	case proxy.OutcomeFailure:
		changed = st.health.RecordFailure(m.clock.Now(), m.cfg.FailureThreshold)
	}
	healthy = st.health.Healthy()
	failures := st.health.ConsecutiveFailures()
	st.mu.Unlock()

	if !changed {
		return
	}
	m.metrics.IncHealthTransition(ctx, healthy)
	if healthy {
		m.logger.Info(ctx, "proxy recovered", "proxy", ep.String())
	} else {
		m.logger.Warn(ctx, "proxy marked unhealthy", "proxy", ep.String(), "consecutive_failures", failures)
	}
}

// Snapshot returns the health of every endpoint seen so far, sorted by key.
func (m *Manager) Snapshot() []EndpointStatus {
	m.mu.RLock()
	keys := make([]string, 0, len(m.endpoints))
	states := make(map[string]*endpointState, len(m.endpoints))
	for k, st := range m.endpoints {
		keys = append(keys, k)
		states[k] = st
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	out := make([]EndpointStatus, 0, len(keys))
	for _, k := range keys {
		st := states[k]
		st.mu.Lock()
		out = append(out, EndpointStatus{
			Endpoint:            k,
			Healthy:             st.health.Healthy(),
			ConsecutiveFailures: st.health.ConsecutiveFailures(),
		})
		st.mu.Unlock()
	}
	return out
}

func (m *Manager) state(ep proxy.Endpoint) *endpointState {
	key := ep.Key()
	now := m.clock.Now().UnixNano()

	m.mu.RLock()
	st, ok := m.endpoints[key]
	m.mu.RUnlock()
	if ok {
		st.lastSeen.Store(now)
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.endpoints[key]; ok {
		st.lastSeen.Store(now)
		return st
	}
	if len(m.endpoints) >= m.cfg.MaxEndpoints {
		m.prune()
	}
	st = &endpointState{health: proxy.NewHealth()}
	st.lastSeen.Store(now)
	m.endpoints[key] = st
	return st
}

// prune makes room for one more endpoint. Endpoints with a clean record are
// dropped first since a fresh state is identical to theirs; if that frees
// nothing, the least recently seen endpoint goes. Must be called with m.mu
// held.
func (m *Manager) prune() {
	for k, st := range m.endpoints {
		if st.pinned {
			continue
		}
		st.mu.Lock()
		clean := st.health.Healthy() && st.health.ConsecutiveFailures() == 0
		st.mu.Unlock()
		if clean {
			delete(m.endpoints, k)
		}
	}
	if len(m.endpoints) < m.cfg.MaxEndpoints {
		return
	}

	var oldestKey string
	oldest := int64(math.MaxInt64)
	for k, st := range m.endpoints {
		if st.pinned {
			continue
		}
		if seen := st.lastSeen.Load(); seen < oldest {
			oldest, oldestKey = seen, k
		}
	}
	if oldestKey != "" {
		delete(m.endpoints, oldestKey)
	}
}

func (m *Manager) cursor(key string) int {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	return m.cursors[key]
}

func (m *Manager) advance(key string, next int) {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	if _, ok := m.cursors[key]; !ok && len(m.cursors) >= maxCursors {
		m.cursors = make(map[string]int)
	}
	m.cursors[key] = next
}

func poolKey(pool []proxy.Endpoint) string {
	keys := make([]string, len(pool))
	for i, ep := range pool {
		keys[i] = ep.Key()
	}
	return strings.Join(keys, ",")
}
