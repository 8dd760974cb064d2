package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/market-scout/internal/domain/shared"
)

var testProduct = shared.ProductRef{Market: shared.MarketOzon, ID: "1"}

func TestTaskStatusTransitions(t *testing.T) {
	t.Parallel()

	all := []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed}
	allowed := map[TaskStatus]map[TaskStatus]bool{
		TaskStatusPending:   {TaskStatusRunning: true, TaskStatusFailed: true},
		TaskStatusRunning:   {TaskStatusSucceeded: true, TaskStatusFailed: true},
		TaskStatusFailed:    {TaskStatusPending: true},
		TaskStatusSucceeded: {},
	}

	for _, from := range all {
		for _, to := range all {
			err := from.validateTransition(to)
			if allowed[from][to] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, shared.ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestTaskHappyPath(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	task := NewTask("t1", "o1", "rs.a", 0, testProduct, now)
	assert.Equal(t, TaskStatusPending, task.Status())
	assert.Equal(t, uint64(1), task.Seq())

	require.NoError(t, task.Start("10.0.0.1:80", now.Add(time.Second)))
	assert.Equal(t, 1, task.Attempts())
	assert.False(t, task.IsTerminal())

	result := json.RawMessage(`{"name":"x"}`)
	require.NoError(t, task.Succeed(result, now.Add(2*time.Second)))
	assert.True(t, task.IsTerminal())
	assert.Equal(t, uint64(3), task.Seq())

	snap := task.Snapshot()
	assert.Equal(t, "oz/1", snap.Product)
	assert.JSONEq(t, `{"name":"x"}`, string(snap.Result))
	assert.True(t, snap.Terminal)

	assert.ErrorIs(t, task.Fail(ReasonWorkFailed, "late", now), shared.ErrInvalidTransition)
	assert.ErrorIs(t, task.Start("p", now), shared.ErrInvalidTransition)
}

func TestTaskTransientRetryBound(t *testing.T) {
	t.Parallel()

	now := time.Now()
	task := NewTask("t1", "o1", "rs.a", 0, testProduct, now)

	for attempt := 1; attempt < 3; attempt++ {
		require.NoError(t, task.Start("p", now))
		retry, err := task.FailTransient("timeout", 3, now)
		require.NoError(t, err)
		assert.True(t, retry, "attempt %d", attempt)
		assert.False(t, task.IsTerminal())
		assert.Equal(t, ReasonTransientWorkFailure, task.Reason())
		require.NoError(t, task.Requeue())
	}

	require.NoError(t, task.Start("p", now))
	retry, err := task.FailTransient("timeout", 3, now)
	require.NoError(t, err)
	assert.False(t, retry)
	assert.True(t, task.IsTerminal())
	assert.Equal(t, ReasonPermanentWorkFailure, task.Reason())
	assert.Equal(t, 3, task.Attempts())

	assert.ErrorIs(t, task.Requeue(), shared.ErrInvalidTransition)
}

func TestTaskRequeueRequiresScheduledRetry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	task := NewTask("t1", "o1", "rs.a", 0, testProduct, now)
	require.NoError(t, task.Fail(ReasonPoolExhausted, "no healthy proxy", now))
	assert.ErrorIs(t, task.Requeue(), shared.ErrInvalidTransition)

	pending := NewTask("t2", "o1", "rs.a", 1, testProduct, now)
	_, err := pending.FailTransient("x", 3, now)
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestDeniedTask(t *testing.T) {
	t.Parallel()

	task := NewDeniedTask("t1", "o1", "rs.a", 0, testProduct, "quota exceeded", time.Now())
	assert.Equal(t, TaskStatusFailed, task.Status())
	assert.Equal(t, ReasonQuotaDenied, task.Reason())
	assert.True(t, task.IsTerminal())
	assert.ErrorIs(t, task.Requeue(), shared.ErrInvalidTransition)
}

func TestTaskAbandonScheduledRetry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	task := NewTask("t1", "o1", "rs.a", 0, testProduct, now)
	require.NoError(t, task.Start("p", now))
	retry, err := task.FailTransient("reset by peer", 3, now)
	require.NoError(t, err)
	require.True(t, retry)
	seq := task.Seq()

	require.NoError(t, task.Abandon(ReasonTokenRevoked, "token revoked", now))
	assert.True(t, task.IsTerminal())
	assert.Equal(t, ReasonTokenRevoked, task.Reason())
	assert.Equal(t, seq+1, task.Seq())
	assert.ErrorIs(t, task.Requeue(), shared.ErrInvalidTransition)
	assert.ErrorIs(t, task.Abandon(ReasonTokenRevoked, "again", now), shared.ErrInvalidTransition)
}
