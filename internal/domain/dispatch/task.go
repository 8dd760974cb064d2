// Package dispatch models orders, the product tasks they decompose into, and
// the lifecycle those tasks follow.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahrav/market-scout/internal/domain/shared"
)

// Task is one product lookup belonging to an order. Task is not safe for
// concurrent use; the registry serializes all access per task.
type Task struct {
	id      string
	orderID string
	tokenID string
	index   int
	product shared.ProductRef

	proxy          string
	status         TaskStatus
	reason         FailureReason
	detail         string
	result         json.RawMessage
	attempts       int
	retryScheduled bool

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	// seq counts transitions, starting at 1 for creation.
	seq uint64
}

// NewTask creates a pending task. index is the product's position in its order.
func NewTask(id, orderID, tokenID string, index int, product shared.ProductRef, now time.Time) *Task {
	return &Task{
		id:        id,
		orderID:   orderID,
		tokenID:   tokenID,
		index:     index,
		product:   product,
		status:    TaskStatusPending,
		createdAt: now,
		seq:       1,
	}
}

// NewDeniedTask creates a task that failed admission. It starts in
// TaskStatusFailed and never runs.
func NewDeniedTask(id, orderID, tokenID string, index int, product shared.ProductRef, detail string, now time.Time) *Task {
	return &Task{
		id:          id,
		orderID:     orderID,
		tokenID:     tokenID,
		index:       index,
		product:     product,
		status:      TaskStatusFailed,
		reason:      ReasonQuotaDenied,
		detail:      detail,
		createdAt:   now,
		completedAt: now,
		seq:         1,
	}
}

// Accessors.
func (t *Task) ID() string { return t.id }
func (t *Task) OrderID() string { return t.orderID }
func (t *Task) TokenID() string { return t.tokenID }
func (t *Task) Index() int { return t.index }
func (t *Task) Product() shared.ProductRef { return t.product }
func (t *Task) Proxy() string { return t.proxy }
func (t *Task) Status() TaskStatus { return t.status }
func (t *Task) Reason() FailureReason { return t.reason }
func (t *Task) Detail() string { return t.detail }
func (t *Task) Result() json.RawMessage { return t.result }
func (t *Task) Attempts() int { return t.attempts }
func (t *Task) Seq() uint64 { return t.seq }
func (t *Task) CompletedAt() time.Time { return t.completedAt }

// RetryScheduled reports whether a transient failure left the task waiting
// to be requeued.
func (t *Task) RetryScheduled() bool { return t.retryScheduled }

// IsTerminal reports whether the task will never transition again.
func (t *Task) IsTerminal() bool {
	return t.status == TaskStatusSucceeded || (t.status == TaskStatusFailed && !t.retryScheduled)
}

func (t *Task) transition(target TaskStatus) error {
	if err := t.status.validateTransition(target); err != nil {
		return fmt.Errorf("task %s: %w", t.id, err)
	}
	t.status = target
	t.seq++
	return nil
}

// Start moves a pending task to running on the given proxy.
func (t *Task) Start(proxy string, now time.Time) error {
	if err := t.transition(TaskStatusRunning); err != nil {
		return err
	}
	t.proxy = proxy
	t.attempts++
	if t.startedAt.IsZero() {
		t.startedAt = now
	}
	t.reason, t.detail = ReasonNone, ""
	return nil
}

// Succeed records the result of a running task.
func (t *Task) Succeed(result json.RawMessage, now time.Time) error {
	if err := t.transition(TaskStatusSucceeded); err != nil {
		return err
	}
	t.result = result
	t.completedAt = now
	return nil
}

// Fail moves the task to a terminal failure.
func (t *Task) Fail(reason FailureReason, detail string, now time.Time) error {
	if err := t.transition(TaskStatusFailed); err != nil {
		return err
	}
	t.reason, t.detail = reason, detail
	t.retryScheduled = false
	t.completedAt = now
	return nil
}

// FailTransient records a retryable failure of a running task. If attempts
// remain under maxAttempts the task waits for Requeue; otherwise it fails
// permanently. The returned bool reports whether a retry was scheduled.
func (t *Task) FailTransient(detail string, maxAttempts int, now time.Time) (bool, error) {
	if t.status != TaskStatusRunning {
		return false, fmt.Errorf("task %s: transient failure from %s: %w", t.id, t.status, shared.ErrInvalidTransition)
	}
	if t.attempts >= maxAttempts {
		return false, t.Fail(ReasonPermanentWorkFailure, detail, now)
	}
	if err := t.transition(TaskStatusFailed); err != nil {
		return false, err
	}
	t.reason, t.detail = ReasonTransientWorkFailure, detail
	t.retryScheduled = true
	return true, nil
}

// Requeue returns a task with a scheduled retry to pending.
func (t *Task) Requeue() error {
	if t.status != TaskStatusFailed || !t.retryScheduled {
		return fmt.Errorf("task %s: requeue without scheduled retry: %w", t.id, shared.ErrInvalidTransition)
	}
	if err := t.transition(TaskStatusPending); err != nil {
		return err
	}
	t.retryScheduled = false
	return nil
}

// Abandon turns a scheduled retry into a terminal failure. The status stays
// failed; only the reason, detail and sequence change.
func (t *Task) Abandon(reason FailureReason, detail string, now time.Time) error {
	if t.status != TaskStatusFailed || !t.retryScheduled {
		return fmt.Errorf("task %s: abandon without scheduled retry: %w", t.id, shared.ErrInvalidTransition)
	}
	t.reason, t.detail = reason, detail
	t.retryScheduled = false
	t.completedAt = now
	t.seq++
	return nil
}

// Snapshot copies the task's current state.
func (t *Task) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		ID:          t.id,
		OrderID:     t.orderID,
		TokenID:     t.tokenID,
		Index:       t.index,
		Product:     t.product.String(),
		Proxy:       t.proxy,
		Status:      t.status,
		Reason:      t.reason,
		Detail:      t.detail,
		Result:      t.result,
		Attempts:    t.attempts,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
		Seq:         t.seq,
		Terminal:    t.IsTerminal(),
	}
}

// TaskSnapshot is an immutable copy of a task. It is what the registry hands
// out, what the archive stores and what subscribers receive.
type TaskSnapshot struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	TokenID     string          `json:"-"`
	Index       int             `json:"index"`
	Product     string          `json:"product"`
	Proxy       string          `json:"proxy,omitempty"`
	Status      TaskStatus      `json:"status"`
	Reason      FailureReason   `json:"reason,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Seq         uint64          `json:"seq"`
	Terminal    bool            `json:"terminal"`
}

// TaskEvent is published for every transition and as the first message of a
// subscription.
//
// Abandoning a scheduled retry publishes a second FAILED event for the same
// task. That event has ReasonUpdate set: the status is unchanged and only the
// reason, detail, completion time and seq moved. Consumers tracking status
// changes can skip it; consumers tracking terminal state should key on
// Task.Terminal, which only the later event carries.
type TaskEvent struct {
	Task         TaskSnapshot `json:"task"`
	Snapshot     bool         `json:"snapshot,omitempty"`
	ReasonUpdate bool         `json:"reason_update,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NewTaskEvent wraps a snapshot as an event at now.
func NewTaskEvent(s TaskSnapshot, now time.Time) TaskEvent {
	return TaskEvent{Task: s, Timestamp: now}
}
