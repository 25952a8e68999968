package event

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig holds the streaming ingest settings.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// StartKafka consumes JSON events from a Kafka topic into the sink until
// ctx is cancelled. Malformed messages are logged and skipped.
func StartKafka(ctx context.Context, cfg KafkaConfig, sink Sink, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("kafka event ingest disabled")
		return
	}
	logger.Info("kafka event ingest enabled",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID),
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})

	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", zap.Error(err))
				continue
			}

			var env envelope
			if err := json.Unmarshal(m.Value, &env); err != nil {
				logger.Warn("kafka message is not a valid event", zap.Error(err))
				continue
			}
			e, err := env.toEvent()
			if err != nil {
				logger.Warn("kafka event rejected", zap.Error(err))
				continue
			}
			if e.Source == "" {
				e.Source = "kafka"
			}
			sink.Submit(e)
		}
	}()
}
