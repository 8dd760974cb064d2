// Package dispatch turns orders into tasks, runs them on a bounded worker
// pool and keeps the authoritative per-task state.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/market-scout/internal/app/credential"
	domain "github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/proxy"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/common/logger"
	"github.com/ahrav/market-scout/pkg/common/timeutil"
)

// Quota admits tasks against a token's limits.
type Quota interface {
	Validate(ctx context.Context, tokenID string) error
	Authorize(ctx context.Context, tokenID string, cost int64) error
	ReserveTaskSlot(ctx context.Context, tokenID string) (*credential.Slot, error)
}

// Publisher receives every task event. Implementations must not block.
type Publisher interface {
	Publish(ctx context.Context, ev domain.TaskEvent)
}

// TopicCloser ends the subscriptions of an evicted task.
type TopicCloser interface {
	CloseTopic(taskID string)
}

// registryMetrics defines the interface for tracking task lifecycle metrics.
type registryMetrics interface {
	IncTaskTerminal(ctx context.Context, status, reason string)
	IncTasksEvicted(ctx context.Context, n int)
}

type taskEntry struct {
	mu     sync.Mutex
	task   *domain.Task
	slot   *credential.Slot
	pool   []proxy.Endpoint
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTaskParams describes a task to admit.
type NewTaskParams struct {
	ID      string
	OrderID string
	TokenID string
	Index   int
	Product shared.ProductRef
	Pool    []proxy.Endpoint
}

// RegistryStats counts live tasks by state.
type RegistryStats struct {
	Live     int `json:"live"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Terminal int `json:"terminal"`
}

// Registry owns every live task. Transitions on a task are serialized by that
// task's mutex and each one is published while the mutex is still held, so
// subscribers observe transitions in the order they happened.
type Registry struct {
	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	orders  map[string][]string
	byToken map[string]map[string]struct{}

	quota     Quota
	archive   domain.ArchiveRepository
	publisher Publisher
	topics    TopicCloser
	retention time.Duration

	clock   timeutil.Provider
	logger  *logger.Logger
	metrics registryMetrics
	tracer  trace.Tracer
}

// RegistryConfig holds registry dependencies that are optional or tunable.
type RegistryConfig struct {
	// Retention is how long a terminal task stays live before eviction.
	Retention time.Duration
	// Archive keeps evicted tasks. Nil disables archiving.
	Archive domain.ArchiveRepository
	// Topics is told about evictions. Nil disables it.
	Topics TopicCloser
}

// NewRegistry creates an empty registry.
func NewRegistry(
	quota Quota,
	publisher Publisher,
	cfg RegistryConfig,
	clock timeutil.Provider,
	logger *logger.Logger,
	metrics registryMetrics,
	tracer trace.Tracer,
) *Registry {
	return &Registry{
		tasks:     make(map[string]*taskEntry),
		orders:    make(map[string][]string),
		byToken:   make(map[string]map[string]struct{}),
		quota:     quota,
		archive:   cfg.Archive,
		publisher: publisher,
		topics:    cfg.Topics,
		retention: cfg.Retention,
		clock:     clock,
		logger:    logger.With("component", "task_registry"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Create admits a task: one authorization of cost 1 and one concurrency slot.
// It fails with shared.ErrDenied, wrapping the quota error, when either is
// refused. The op charge is kept when only the slot is refused. A token
// revoked while the task was being admitted fails the task with
// ReasonTokenRevoked and returns shared.ErrNotFound.
func (r *Registry) Create(ctx context.Context, p NewTaskParams) (domain.TaskSnapshot, error) {
	if err := r.quota.Authorize(ctx, p.TokenID, 1); err != nil {
		return domain.TaskSnapshot{}, fmt.Errorf("%w: %w", shared.ErrDenied, err)
	}
	slot, err := r.quota.ReserveTaskSlot(ctx, p.TokenID)
	if err != nil {
		return domain.TaskSnapshot{}, fmt.Errorf("%w: %w", shared.ErrDenied, err)
	}

	task := domain.NewTask(p.ID, p.OrderID, p.TokenID, p.Index, p.Product, r.clock.Now())
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &taskEntry{task: task, slot: slot, pool: p.Pool, ctx: taskCtx, cancel: cancel}
	snap := r.insert(ctx, e)

	// A revocation that listed the token's tasks before the insert missed
	// this one.
	if err := r.quota.Validate(ctx, p.TokenID); errors.Is(err, shared.ErrNotFound) {
		return r.dropRevoked(ctx, snap.ID), fmt.Errorf("token %s revoked during admission: %w", p.TokenID, shared.ErrNotFound)
	}
	return snap, nil
}

// dropRevoked fails and evicts a task whose token is gone. Either step may
// already have been done by CancelByToken.
func (r *Registry) dropRevoked(ctx context.Context, taskID string) domain.TaskSnapshot {
	_, err := r.Fail(ctx, taskID, domain.ReasonTokenRevoked, "token revoked")
	if err != nil && !errors.Is(err, shared.ErrInvalidTransition) && !errors.Is(err, shared.ErrNotFound) {
		r.logger.Error(ctx, "failing task of revoked token", "task_id", taskID, "error", err)
	}
	if err := r.Evict(ctx, taskID); err != nil && !errors.Is(err, shared.ErrNotFound) {
		r.logger.Error(ctx, "evicting task of revoked token", "task_id", taskID, "error", err)
	}

	snap, err := r.Get(ctx, taskID)
	if err != nil {
		r.logger.Debug(ctx, "task of revoked token not retained", "task_id", taskID, "error", err)
	}
	return snap
}

// CreateDenied records a task that failed admission. It never runs and holds
// no slot.
func (r *Registry) CreateDenied(ctx context.Context, p NewTaskParams, detail string) domain.TaskSnapshot {
	task := domain.NewDeniedTask(p.ID, p.OrderID, p.TokenID, p.Index, p.Product, detail, r.clock.Now())
	e := &taskEntry{task: task, ctx: context.Background(), cancel: func() {}}
	snap := r.insert(ctx, e)
	r.metrics.IncTaskTerminal(ctx, string(snap.Status), string(snap.Reason))
	return snap
}

func (r *Registry) insert(ctx context.Context, e *taskEntry) domain.TaskSnapshot {
	id := e.task.ID()

	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	r.tasks[id] = e
	r.orders[e.task.OrderID()] = append(r.orders[e.task.OrderID()], id)
	tok := e.task.TokenID()
	if r.byToken[tok] == nil {
		r.byToken[tok] = make(map[string]struct{})
	}
	r.byToken[tok][id] = struct{}{}
	r.mu.Unlock()

	snap := e.task.Snapshot()
	r.publisher.Publish(ctx, domain.NewTaskEvent(snap, r.clock.Now()))
	return snap
}

// TransitionPayload carries the data a transition needs.
type TransitionPayload struct {
	Proxy  string
	Result json.RawMessage
	Reason domain.FailureReason
	Detail string
}

// Transition moves a task to target, enforcing the lifecycle graph. It fails
// with shared.ErrInvalidTransition on illegal moves and shared.ErrNotFound for
// unknown or evicted tasks.
func (r *Registry) Transition(ctx context.Context, taskID string, target domain.TaskStatus, p TransitionPayload) (domain.TaskSnapshot, error) {
	switch target {
	case domain.TaskStatusRunning:
		return r.Start(ctx, taskID, p.Proxy)
	case domain.TaskStatusSucceeded:
		return r.Succeed(ctx, taskID, p.Result)
	case domain.TaskStatusFailed:
		reason := p.Reason
		if reason == domain.ReasonNone {
			reason = domain.ReasonWorkFailed
		}
		return r.Fail(ctx, taskID, reason, p.Detail)
	case domain.TaskStatusPending:
		return r.Requeue(ctx, taskID)
	default:
		return domain.TaskSnapshot{}, fmt.Errorf("target %q: %w", target, shared.ErrInvalidTransition)
	}
}

// Start moves a pending task to running on proxyKey.
func (r *Registry) Start(ctx context.Context, taskID, proxyKey string) (domain.TaskSnapshot, error) {
	return r.apply(ctx, taskID, func(t *domain.Task, now time.Time) error {
		return t.Start(proxyKey, now)
	})
}

// Succeed records a running task's result.
func (r *Registry) Succeed(ctx context.Context, taskID string, result json.RawMessage) (domain.TaskSnapshot, error) {
	return r.apply(ctx, taskID, func(t *domain.Task, now time.Time) error {
		return t.Succeed(result, now)
	})
}

// Fail ends a non-terminal task. A task waiting on a scheduled retry has the
// retry abandoned.
func (r *Registry) Fail(ctx context.Context, taskID string, reason domain.FailureReason, detail string) (domain.TaskSnapshot, error) {
	return r.apply(ctx, taskID, func(t *domain.Task, now time.Time) error {
		if t.RetryScheduled() {
			return t.Abandon(reason, detail, now)
		}
		return t.Fail(reason, detail, now)
	})
}

// FailTransient records a retryable failure; see domain.Task.FailTransient.
func (r *Registry) FailTransient(ctx context.Context, taskID, detail string, maxAttempts int) (bool, domain.TaskSnapshot, error) {
	var retry bool
	snap, err := r.apply(ctx, taskID, func(t *domain.Task, now time.Time) error {
		var err error
		retry, err = t.FailTransient(detail, maxAttempts, now)
		return err
	})
	return retry, snap, err
}

// Requeue returns a task with a scheduled retry to pending.
func (r *Registry) Requeue(ctx context.Context, taskID string) (domain.TaskSnapshot, error) {
	return r.apply(ctx, taskID, func(t *domain.Task, _ time.Time) error {
		return t.Requeue()
	})
}

// apply is the single transition path. It publishes the resulting event and
// releases the task's slot on a terminal state, all under the task lock.
func (r *Registry) apply(ctx context.Context, taskID string, fn func(*domain.Task, time.Time) error) (domain.TaskSnapshot, error) {
	e, err := r.entry(taskID)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.clock.Now()
	prev := e.task.Status()
	if err := fn(e.task, now); err != nil {
		return domain.TaskSnapshot{}, err
	}

	snap := e.task.Snapshot()
	ev := domain.NewTaskEvent(snap, now)
	ev.ReasonUpdate = snap.Status == prev
	r.publisher.Publish(ctx, ev)

	if snap.Terminal {
		e.slot.Release()
		r.metrics.IncTaskTerminal(ctx, string(snap.Status), string(snap.Reason))
	}
	return snap, nil
}

// Get returns a live task, falling back to the archive for evicted ones.
func (r *Registry) Get(ctx context.Context, taskID string) (domain.TaskSnapshot, error) {
	if e, err := r.entry(taskID); err == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.task.Snapshot(), nil
	}

	if r.archive != nil {
		snap, err := r.archive.Get(ctx, taskID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return domain.TaskSnapshot{}, fmt.Errorf("reading archived task %s: %w", taskID, err)
		}
	}
	return domain.TaskSnapshot{}, fmt.Errorf("task %s: %w", taskID, shared.ErrNotFound)
}

// ListOrder returns every task of an order, live or archived, by index.
func (r *Registry) ListOrder(ctx context.Context, orderID string) ([]domain.TaskSnapshot, error) {
	byID := make(map[string]domain.TaskSnapshot)

	if r.archive != nil {
		archived, err := r.archive.ListOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("reading archived order %s: %w", orderID, err)
		}
		for _, s := range archived {
			byID[s.ID] = s
		}
	}

	r.mu.RLock()
	ids := append([]string(nil), r.orders[orderID]...)
	r.mu.RUnlock()

	for _, id := range ids {
		e, err := r.entry(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		byID[id] = e.task.Snapshot()
		e.mu.Unlock()
	}

	if len(byID) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, shared.ErrNotFound)
	}

	out := make([]domain.TaskSnapshot, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// lease returns the execution context and proxy pool of a live task.
func (r *Registry) lease(taskID string) (context.Context, []proxy.Endpoint, shared.ProductRef, error) {
	e, err := r.entry(taskID)
	if err != nil {
		return nil, nil, shared.ProductRef{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx, e.pool, e.task.Product(), nil
}

// Evict archives a terminal task, removes it from the live set, releases its
// slot if still held and closes its event topic. The task is archived before
// it is removed so Get never misses it in between.
func (r *Registry) Evict(ctx context.Context, taskID string) error {
	e, err := r.entry(taskID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if !e.task.IsTerminal() {
		status := e.task.Status()
		e.mu.Unlock()
		return fmt.Errorf("evicting task %s in %s: %w", taskID, status, shared.ErrInvalidTransition)
	}
	snap := e.task.Snapshot()
	e.slot.Release()
	e.cancel()
	e.mu.Unlock()

	if r.archive != nil {
		if err := r.archive.Archive(ctx, snap); err != nil {
			r.logger.Error(ctx, "archiving evicted task failed", "task_id", taskID, "error", err)
		}
	}
	r.remove(snap)

	if r.topics != nil {
		r.topics.CloseTopic(taskID)
	}
	r.metrics.IncTasksEvicted(ctx, 1)
	return nil
}

func (r *Registry) remove(snap domain.TaskSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tasks, snap.ID)

	ids := r.orders[snap.OrderID]
	for i, id := range ids {
		if id == snap.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.orders, snap.OrderID)
	} else {
		r.orders[snap.OrderID] = ids
	}

	if set := r.byToken[snap.TokenID]; set != nil {
		delete(set, snap.ID)
		if len(set) == 0 {
			delete(r.byToken, snap.TokenID)
		}
	}
}

// CancelByToken fails every non-terminal task of tokenID with reason, cancels
// their execution contexts and then evicts all of the token's tasks. Results
// of fetches still in flight are discarded when they return.
func (r *Registry) CancelByToken(ctx context.Context, tokenID string, reason domain.FailureReason) int {
	ctx, span := r.tracer.Start(ctx, "task_registry.cancel_by_token",
		trace.WithAttributes(attribute.String("token_id", tokenID)))
	defer span.End()

	r.mu.RLock()
	ids := make([]string, 0, len(r.byToken[tokenID]))
	for id := range r.byToken[tokenID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	cancelled := 0
	for _, id := range ids {
		e, err := r.entry(id)
		if err != nil {
			continue
		}
		e.cancel()

		_, err = r.Fail(ctx, id, reason, "token revoked")
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, shared.ErrInvalidTransition), errors.Is(err, shared.ErrNotFound):
			// Already terminal or gone.
		default:
			r.logger.Error(ctx, "cancelling task failed", "task_id", id, "error", err)
		}

		if err := r.Evict(ctx, id); err != nil && !errors.Is(err, shared.ErrNotFound) {
			r.logger.Error(ctx, "evicting cancelled task failed", "task_id", id, "error", err)
		}
	}

	span.SetAttributes(attribute.Int("cancelled", cancelled))
	r.logger.Info(ctx, "tasks cancelled for revoked token", "token_id", tokenID, "cancelled", cancelled, "evicted", len(ids))
	return cancelled
}

// EvictExpired evicts terminal tasks whose retention has elapsed and returns
// how many were evicted.
func (r *Registry) EvictExpired(ctx context.Context) int {
	now := r.clock.Now()

	r.mu.RLock()
	entries := make(map[string]*taskEntry, len(r.tasks))
	for id, e := range r.tasks {
		entries[id] = e
	}
	r.mu.RUnlock()

	evicted := 0
	for id, e := range entries {
		e.mu.Lock()
		due := e.task.IsTerminal() && !now.Before(e.task.CompletedAt().Add(r.retention))
		e.mu.Unlock()
		if !due {
			continue
		}
		if err := r.Evict(ctx, id); err == nil {
			evicted++
		}
	}
	return evicted
}

// RunJanitor evicts expired terminal tasks every interval until ctx ends.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictExpired(ctx); n > 0 {
				r.logger.Debug(ctx, "janitor evicted tasks", "count", n)
			}
		}
	}
}

// Stats counts live tasks by state.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	entries := make([]*taskEntry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	stats := RegistryStats{Live: len(entries)}
	for _, e := range entries {
		e.mu.Lock()
		switch {
		case e.task.IsTerminal():
			stats.Terminal++
		case e.task.Status() == domain.TaskStatusRunning:
			stats.Running++
		default:
			stats.Pending++
		}
		e.mu.Unlock()
	}
	return stats
}

func (r *Registry) entry(taskID string) (*taskEntry, error) {
	r.mu.RLock()
	e, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, shared.ErrNotFound)
	}
	return e, nil
}
