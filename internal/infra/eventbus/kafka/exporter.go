package kafka

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/market-scout/pkg/common/logger"
)

// exporterMetrics defines the interface for tracking exporter metrics.
type exporterMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
}

// EventTypeTaskTransition is the type of every exported message.
const EventTypeTaskTransition = "task.transition"

// message is the wire form of an exported task event.
type message struct {
	Type  string             `json:"type"`
	Event dispatch.TaskEvent `json:"event"`
	// TokenID is omitted from task snapshots on the public API but is useful
	// to downstream consumers.
	TokenID string `json:"token_id"`
}

// Exporter publishes task events to Kafka without blocking the caller.
// Messages are keyed by order id so an order's events stay on one partition
// in transition order.
type Exporter struct {
	producer sarama.AsyncProducer
	topic    string

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	logger  *logger.Logger
	metrics exporterMetrics
	tracer  trace.Tracer
}

// NewExporter wraps producer. The exporter owns the producer and closes it
// in Close.
func NewExporter(
	producer sarama.AsyncProducer,
	topic string,
	logger *logger.Logger,
	metrics exporterMetrics,
	tracer trace.Tracer,
) *Exporter {
	e := &Exporter{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka_task_exporter", "topic", topic),
		metrics:  metrics,
		tracer:   tracer,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drainErrors()
	}()
	return e
}

// Publish enqueues ev for delivery. When the producer's input buffer is full
// the event is dropped and counted as an error.
func (e *Exporter) Publish(ctx context.Context, ev dispatch.TaskEvent) {
	ctx, span := tracing.StartProducerSpan(ctx, e.topic, e.tracer)
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", ev.Task.ID),
		attribute.String("task_status", string(ev.Task.Status)),
	)

	payload, err := json.Marshal(message{Type: EventTypeTaskTransition, Event: ev, TokenID: ev.Task.TokenID})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		e.metrics.IncPublishError(ctx, e.topic)
		e.logger.Error(ctx, "failed to serialize task event", "task_id", ev.Task.ID, "error", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic:    e.topic,
		Key:      sarama.StringEncoder(ev.Task.OrderID),
		Value:    sarama.ByteEncoder(payload),
		Metadata: ev.Task.ID,
	}
	tracing.InjectTraceContext(ctx, msg)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.producer.Input() <- msg:
		e.metrics.IncMessagePublished(ctx, e.topic)
	default:
		span.SetStatus(codes.Error, "producer buffer full")
		e.metrics.IncPublishError(ctx, e.topic)
		e.logger.Warn(ctx, "dropping task event, producer buffer full", "task_id", ev.Task.ID, "seq", ev.Task.Seq)
	}
}

func (e *Exporter) drainErrors() {
	ctx := context.Background()
	for perr := range e.producer.Errors() {
		e.metrics.IncPublishError(ctx, e.topic)
		taskID, _ := perr.Msg.Metadata.(string)
		e.logger.Error(ctx, "failed to deliver task event", "task_id", taskID, "error", perr.Err)
	}
}

// Close flushes buffered messages and shuts the producer down.
func (e *Exporter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	err := e.producer.Close()
	e.wg.Wait()
	return err
}
