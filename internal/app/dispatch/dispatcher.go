package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/domain/proxy"
	"github.com/ahrav/market-scout/internal/domain/shared"
	"github.com/ahrav/market-scout/pkg/common/logger"
)

// Fetcher performs the unit of work for one product through one proxy.
// Returned errors should be *domain.WorkError to be retried.
type Fetcher interface {
	Fetch(ctx context.Context, product shared.ProductRef, ep proxy.Endpoint) (json.RawMessage, error)
}

// ProxyPool assigns proxies and receives their outcomes.
type ProxyPool interface {
	Assign(ctx context.Context, pool []proxy.Endpoint, taskID string) (proxy.Endpoint, error)
	Report(ctx context.Context, ep proxy.Endpoint, outcome proxy.Outcome)
}

// dispatcherMetrics defines the interface for tracking dispatch metrics.
type dispatcherMetrics interface {
	IncTasksAdmitted(ctx context.Context, n int)
	IncTasksDenied(ctx context.Context, n int)
	IncRetries(ctx context.Context)
	ObserveFetchDuration(ctx context.Context, d time.Duration, ok bool)
	SetActiveWorkers(ctx context.Context, n int)
	SetQueueDepth(ctx context.Context, n int)
}

// Config tunes the worker pool and retry policy.
type Config struct {
	Workers         int
	QueueSize       int
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	FetchTimeout    time.Duration
	OrderLimitItems int
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
}

// Stats describes the worker pool for diagnostics.
type Stats struct {
	Workers       int           `json:"handlers_count"`
	QueueCapacity int           `json:"tasks_queue_limit"`
	QueueLength   int           `json:"curr_task_queue"`
	Tasks         RegistryStats `json:"tasks"`
}

// Dispatcher decomposes orders into tasks and executes them on a fixed set of
// workers reading a bounded queue.
type Dispatcher struct {
	registry *Registry
	quota    Quota
	proxies  ProxyPool
	fetcher  Fetcher
	cfg      Config

	queue    chan string
	workerWg sync.WaitGroup
	stopped  chan struct{}

	logger  *logger.Logger
	metrics dispatcherMetrics
	tracer  trace.Tracer
}

// NewDispatcher creates a dispatcher. Run must be called to start workers.
func NewDispatcher(
	registry *Registry,
	quota Quota,
	proxies ProxyPool,
	fetcher Fetcher,
	cfg Config,
	logger *logger.Logger,
	metrics dispatcherMetrics,
	tracer trace.Tracer,
) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		registry: registry,
		quota:    quota,
		proxies:  proxies,
		fetcher:  fetcher,
		cfg:      cfg,
		queue:    make(chan string, cfg.QueueSize),
		stopped:  make(chan struct{}),
		logger:   logger.With("component", "dispatcher", "num_workers", cfg.Workers),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned. Tasks still queued at shutdown are failed.
func (d *Dispatcher) Run(ctx context.Context) error {
	initCtx, initSpan := d.tracer.Start(ctx, "dispatcher.init",
		trace.WithAttributes(attribute.Int("num_workers", d.cfg.Workers)))
	d.logger.Info(initCtx, "starting dispatcher", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)

	d.workerWg.Add(d.cfg.Workers)
	for i := range d.cfg.Workers {
		go func(workerID int) {
			defer d.workerWg.Done()
			d.workerLoop(ctx, workerID)
		}(i)
	}
	d.metrics.SetActiveWorkers(initCtx, d.cfg.Workers)
	initSpan.End()

	<-ctx.Done()
	close(d.stopped)
	d.workerWg.Wait()
	d.metrics.SetActiveWorkers(context.Background(), 0)

	drainCtx := context.WithoutCancel(ctx)
	for {
		select {
		case id := <-d.queue:
			d.abort(drainCtx, id, "dispatcher stopped")
		default:
			d.logger.Info(drainCtx, "dispatcher stopped")
			return nil
		}
	}
}

// OnTokenRevoked cancels the token's tasks. It is registered as a credential
// revocation listener.
func (d *Dispatcher) OnTokenRevoked(ctx context.Context, tokenID string) {
	d.registry.CancelByToken(ctx, tokenID, domain.ReasonTokenRevoked)
}

// SubmitOrder validates an order and admits each product independently.
// Denied products become failed tasks with reason QuotaDenied; admitted ones
// are enqueued. Enqueueing blocks while the queue is full.
func (d *Dispatcher) SubmitOrder(ctx context.Context, tokenID string, products, proxies []string) (domain.OrderHandle, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.submit_order",
		trace.WithAttributes(
			attribute.String("token_id", tokenID),
			attribute.Int("product_count", len(products)),
		))
	defer span.End()

	if err := d.quota.Validate(ctx, tokenID); err != nil {
		return domain.OrderHandle{}, err
	}

	order, err := domain.NewOrder(products, proxies, d.cfg.OrderLimitItems)
	if err != nil {
		span.RecordError(err)
		return domain.OrderHandle{}, err
	}

	orderID := domain.OrderID(tokenID, order.Products, uuid.NewString())
	span.SetAttributes(attribute.String("order_id", orderID))
	log := logger.NewLoggerContext(d.logger)
	log.Add("order_id", orderID, "token_id", tokenID)

	handle := domain.OrderHandle{OrderID: orderID, Tasks: make([]domain.TaskSnapshot, 0, len(order.Products))}
	admitted := make([]string, 0, len(order.Products))

	for i, product := range order.Products {
		p := NewTaskParams{
			ID:      domain.TaskID(orderID, product, i),
			OrderID: orderID,
			TokenID: tokenID,
			Index:   i,
			Product: product,
			Pool:    order.ProxyPool,
		}

		snap, err := d.registry.Create(ctx, p)
		if err != nil {
			if !errors.Is(err, shared.ErrDenied) {
				span.RecordError(err)
				return handle, fmt.Errorf("admitting %s: %w", product, err)
			}
			snap = d.registry.CreateDenied(ctx, p, err.Error())
			handle.Denied++
		} else {
			admitted = append(admitted, snap.ID)
			handle.Admitted++
		}
		handle.Tasks = append(handle.Tasks, snap)
	}

	d.metrics.IncTasksAdmitted(ctx, handle.Admitted)
	d.metrics.IncTasksDenied(ctx, handle.Denied)
	log.Info(ctx, "order admitted", "admitted", handle.Admitted, "denied", handle.Denied)

	for _, id := range admitted {
		if err := d.enqueue(ctx, id); err != nil {
			d.abort(context.WithoutCancel(ctx), id, err.Error())
		}
	}
	return handle, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, taskID string) error {
	select {
	case <-d.stopped:
		return errors.New("dispatcher stopped")
	default:
	}

	select {
	case d.queue <- taskID:
		d.metrics.SetQueueDepth(ctx, len(d.queue))
		return nil
	case <-d.stopped:
		return errors.New("dispatcher stopped")
	case <-ctx.Done():
		return fmt.Errorf("submission cancelled: %w", ctx.Err())
	}
}

func (d *Dispatcher) abort(ctx context.Context, taskID, detail string) {
	if _, err := d.registry.Fail(ctx, taskID, domain.ReasonWorkFailed, detail); err != nil {
		d.logger.Debug(ctx, "aborting task skipped", "task_id", taskID, "error", err)
	}
}

// Order returns the aggregate view of an order owned by tokenID. Orders of
// other tokens are reported as not found.
func (d *Dispatcher) Order(ctx context.Context, tokenID, orderID string) (domain.OrderView, error) {
	tasks, err := d.registry.ListOrder(ctx, orderID)
	if err != nil {
		return domain.OrderView{}, err
	}
	if tasks[0].TokenID != tokenID {
		return domain.OrderView{}, fmt.Errorf("order %s: %w", orderID, shared.ErrNotFound)
	}
	return domain.NewOrderView(orderID, tasks), nil
}

// Task returns a task owned by tokenID.
func (d *Dispatcher) Task(ctx context.Context, tokenID, taskID string) (domain.TaskSnapshot, error) {
	snap, err := d.registry.Get(ctx, taskID)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	if snap.TokenID != tokenID {
		return domain.TaskSnapshot{}, fmt.Errorf("task %s: %w", taskID, shared.ErrNotFound)
	}
	return snap, nil
}

// Stats reports worker pool occupancy.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers:       d.cfg.Workers,
		QueueCapacity: cap(d.queue),
		QueueLength:   len(d.queue),
		Tasks:         d.registry.Stats(),
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID int) {
	d.logger.Debug(ctx, "worker started", "worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug(ctx, "worker stopped", "worker_id", workerID)
			return
		case id := <-d.queue:
			d.metrics.SetQueueDepth(ctx, len(d.queue))
			if ctx.Err() != nil {
				d.abort(context.WithoutCancel(ctx), id, "dispatcher stopped")
				return
			}
			d.execute(ctx, workerID, id)
		}
	}
}

// execute runs one task to a terminal state or until its retry bound. Every
// failure is recorded on the task; nothing is returned to the caller.
func (d *Dispatcher) execute(ctx context.Context, workerID int, taskID string) {
	taskCtx, pool, product, err := d.registry.lease(taskID)
	if err != nil {
		d.logger.Debug(ctx, "dequeued task no longer live", "task_id", taskID)
		return
	}

	spanCtx, span := d.tracer.Start(ctx, "dispatcher.execute_task",
		trace.WithAttributes(
			attribute.String("task_id", taskID),
			attribute.String("product", product.String()),
			attribute.Int("worker_id", workerID),
		))
	defer span.End()

	log := logger.NewLoggerContext(d.logger)
	log.Add("task_id", taskID, "product", product.String(), "worker_id", workerID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.BackoffInitial
	bo.MaxInterval = d.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		ep, err := d.proxies.Assign(spanCtx, pool, taskID)
		if err != nil {
			if _, ferr := d.registry.Fail(spanCtx, taskID, domain.ReasonPoolExhausted, err.Error()); ferr != nil {
				log.Debug(spanCtx, "pool exhaustion not recorded", "error", ferr)
			}
			span.SetStatus(codes.Error, "pool exhausted")
			return
		}

		snap, err := d.registry.Start(spanCtx, taskID, ep.String())
		if err != nil {
			log.Debug(spanCtx, "task not started", "error", err)
			return
		}
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", snap.Attempts),
			attribute.String("proxy", ep.String()),
		))

		fetchCtx, cancel := context.WithTimeout(taskCtx, d.cfg.FetchTimeout)
		start := time.Now()
		result, fetchErr := d.fetcher.Fetch(fetchCtx, product, ep)
		cancel()
		d.metrics.ObserveFetchDuration(spanCtx, time.Since(start), fetchErr == nil)

		if fetchErr == nil {
			d.proxies.Report(spanCtx, ep, proxy.OutcomeSuccess)
			if _, err := d.registry.Succeed(spanCtx, taskID, result); err != nil {
				log.Debug(spanCtx, "late result discarded", "error", err)
			}
			return
		}

		if taskCtx.Err() != nil {
			// Cancelled by revocation; the task has already been failed.
			log.Debug(spanCtx, "fetch interrupted by cancellation", "error", fetchErr)
			return
		}

		transient, proxyFault := domain.ClassifyWorkError(fetchErr)
		if proxyFault {
			d.proxies.Report(spanCtx, ep, proxy.OutcomeFailure)
		} else {
			d.proxies.Report(spanCtx, ep, proxy.OutcomeSuccess)
		}

		if !transient {
			span.RecordError(fetchErr)
			if _, err := d.registry.Fail(spanCtx, taskID, domain.ReasonWorkFailed, fetchErr.Error()); err != nil {
				log.Debug(spanCtx, "failure not recorded", "error", err)
			}
			return
		}

		retry, _, err := d.registry.FailTransient(spanCtx, taskID, fetchErr.Error(), d.cfg.MaxAttempts)
		if err != nil {
			log.Debug(spanCtx, "transient failure not recorded", "error", err)
			return
		}
		if !retry {
			span.RecordError(fetchErr)
			log.Warn(spanCtx, "task failed after retries", "attempts", snap.Attempts, "error", fetchErr)
			return
		}

		d.metrics.IncRetries(spanCtx)
		wait := bo.NextBackOff()
		log.Debug(spanCtx, "retrying task", "attempt", snap.Attempts, "backoff", wait, "error", fetchErr)

		select {
		case <-time.After(wait):
		case <-taskCtx.Done():
			return
		case <-ctx.Done():
			d.abort(context.WithoutCancel(ctx), taskID, "dispatcher stopped")
			return
		}

		if _, err := d.registry.Requeue(spanCtx, taskID); err != nil {
			log.Debug(spanCtx, "retry abandoned", "error", err)
			return
		}
	}
}
