package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/pkg/common/logger"
)

type mockExporterMetrics struct {
	published atomic.Int32
	errors    atomic.Int32
}

func (m *mockExporterMetrics) IncMessagePublished(context.Context, string) { m.published.Add(1) }
func (m *mockExporterMetrics) IncPublishError(context.Context, string) { m.errors.Add(1) }

func testEvent(id string, status dispatch.TaskStatus, seq uint64) dispatch.TaskEvent {
	return dispatch.NewTaskEvent(dispatch.TaskSnapshot{
		ID:      id,
		OrderID: "order-1",
		TokenID: "rs.owner",
		Product: "oz/1",
		Status:  status,
		Seq:     seq,
	}, time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC))
}

func TestExporter_PublishesTaskEvents(t *testing.T) {
	t.Parallel()

	producer := mocks.NewAsyncProducer(t, nil)
	checker := func(wantStatus dispatch.TaskStatus) mocks.ValueChecker {
		return func(val []byte) error {
			var msg message
			if err := json.Unmarshal(val, &msg); err != nil {
				return err
			}
			if msg.Type != EventTypeTaskTransition || msg.Event.Task.Status != wantStatus || msg.TokenID != "rs.owner" {
				return fmt.Errorf("unexpected message %s", val)
			}
			return nil
		}
	}
	producer.ExpectInputWithCheckerFunctionAndSucceed(checker(dispatch.TaskStatusPending))
	producer.ExpectInputWithCheckerFunctionAndSucceed(checker(dispatch.TaskStatusRunning))

	metrics := new(mockExporterMetrics)
	exp := NewExporter(producer, "task-events", logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))

	ctx := context.Background()
	exp.Publish(ctx, testEvent("t1", dispatch.TaskStatusPending, 1))
	exp.Publish(ctx, testEvent("t1", dispatch.TaskStatusRunning, 2))

	require.NoError(t, exp.Close())
	assert.Equal(t, int32(2), metrics.published.Load())
	assert.Zero(t, metrics.errors.Load())

	// Publishing after close is a no-op.
	exp.Publish(ctx, testEvent("t1", dispatch.TaskStatusSucceeded, 3))
	assert.Equal(t, int32(2), metrics.published.Load())
	require.NoError(t, exp.Close())
}

func TestExporter_DeliveryFailuresAreCounted(t *testing.T) {
	t.Parallel()

	producer := mocks.NewAsyncProducer(t, nil)
	producer.ExpectInputAndFail(errors.New("broker unavailable"))

	metrics := new(mockExporterMetrics)
	exp := NewExporter(producer, "task-events", logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))

	exp.Publish(context.Background(), testEvent("t1", dispatch.TaskStatusPending, 1))

	require.Eventually(t, func() bool { return metrics.errors.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, exp.Close())
}
