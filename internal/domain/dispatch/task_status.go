package dispatch

import (
	"fmt"

	"github.com/ahrav/market-scout/internal/domain/shared"
)

// TaskStatus represents the execution state of a single product task.
type TaskStatus string

const (
	// TaskStatusPending indicates a task is admitted and waiting for a worker.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusRunning indicates a worker is fetching the product.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusSucceeded indicates the fetch finished and a result is attached.
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"

	// TaskStatusFailed indicates the task stopped without a result. A failed
	// task with a scheduled retry may still move back to pending.
	TaskStatusFailed TaskStatus = "FAILED"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("unknown task status %q: %w", s, shared.ErrInvalidParameter)
	}
}

// validateTransition checks if a status transition is valid and returns an error if not.
func (s TaskStatus) validateTransition(target TaskStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("task status %s to %s: %w", s, target, shared.ErrInvalidTransition)
	}
	return nil
}

// isValidTransition enforces the task lifecycle graph.
func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		// Admission and cancellation failures happen before the task runs.
		return target == TaskStatusRunning || target == TaskStatusFailed
	case TaskStatusRunning:
		return target == TaskStatusSucceeded || target == TaskStatusFailed
	case TaskStatusFailed:
		// Only a scheduled retry; the task checks the retry flag.
		return target == TaskStatusPending
	case TaskStatusSucceeded:
		return false
	default:
		return false
	}
}

// FailureReason explains why a task ended in TaskStatusFailed.
type FailureReason string

const (
	ReasonNone                 FailureReason = ""
	ReasonQuotaDenied          FailureReason = "QuotaDenied"
	ReasonTokenRevoked         FailureReason = "TokenRevoked"
	ReasonPoolExhausted        FailureReason = "PoolExhausted"
	ReasonTransientWorkFailure FailureReason = "TransientWorkFailure"
	ReasonPermanentWorkFailure FailureReason = "PermanentWorkFailure"
	ReasonWorkFailed           FailureReason = "WorkFailed"
)

// String returns the string representation of the FailureReason.
func (r FailureReason) String() string { return string(r) }
