// Package kafka exports task events to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/market-scout/pkg/common/logger"
)

// Config contains the settings of the task event exporter.
type Config struct {
	Brokers  []string
	ClientID string
	Topic    string
	// ConnectTimeout bounds the retries of the initial connection.
	ConnectTimeout time.Duration
}

// NewProducerConfig returns the sarama configuration used by the exporter.
// Delivery is asynchronous; failures are reported on the errors channel.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond

	config.Version = sarama.V3_6_0_0
	return config
}

// ConnectExporter creates the async producer with exponential backoff and
// wraps it in an Exporter.
func ConnectExporter(
	ctx context.Context,
	cfg Config,
	logger *logger.Logger,
	metrics exporterMetrics,
	tracer trace.Tracer,
) (*Exporter, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Minute
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = cfg.ConnectTimeout
	expBackoff.InitialInterval = 5 * time.Second

	var producer sarama.AsyncProducer
	operation := func() error {
		var err error
		producer, err = sarama.NewAsyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
		if err != nil {
			logger.Warn(ctx, "failed to connect to kafka, will retry", "brokers", cfg.Brokers, "error", err)
			return fmt.Errorf("creating producer: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}

	return NewExporter(producer, cfg.Topic, logger, metrics, tracer), nil
}
