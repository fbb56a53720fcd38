package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"riskgate/internal/engine"
	"riskgate/internal/schema"
)

// EventSource consumes events from the inbound topic and evaluates them.
// Decisions reach downstream systems through the engine's handlers, so
// stream-fed and HTTP-fed events share one path.
type EventSource struct {
	consumer *Consumer
	logger   *slog.Logger
}

// NewEventSource wires a consumer to the engine.
func NewEventSource(cfg *Config, eng *engine.Engine, logger *slog.Logger) (*EventSource, error) {
	if logger == nil {
		logger = slog.Default()
	}

	handler := func(ctx context.Context, msg Message) error {
		var ev schema.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			// Malformed payloads are logged and acknowledged; redelivery
			// cannot fix them.
			logger.Warn("dropping malformed event",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return nil
		}

		d, err := eng.Evaluate(ctx, &ev)
		if err != nil {
			if errors.Is(err, engine.ErrEventRejected) {
				logger.Warn("dropping rejected event",
					"error", err,
					"principal_id", ev.PrincipalID,
				)
				return nil
			}
			return fmt.Errorf("evaluate event: %w", err)
		}

		logger.Debug("stream event evaluated",
			"principal_id", d.PrincipalID,
			"action", d.Action,
			"score", d.Score,
		)
		return nil
	}

	consumer, err := NewConsumer(cfg, handler, logger)
	if err != nil {
		return nil, err
	}

	return &EventSource{consumer: consumer, logger: logger}, nil
}

// Start begins consuming.
func (s *EventSource) Start() error {
	return s.consumer.StartAsync()
}

// Stop stops consuming.
func (s *EventSource) Stop() error {
	return s.consumer.Stop()
}

// Metrics returns consumer metrics.
func (s *EventSource) Metrics() Metrics {
	return s.consumer.GetMetrics()
}

// DecisionSink publishes decisions to the outbound topic, keyed by
// principal so one principal's decisions stay ordered per partition.
type DecisionSink struct {
	producer *Producer
}

// NewDecisionSink creates a decision publisher.
func NewDecisionSink(cfg *Config, logger *slog.Logger) (*DecisionSink, error) {
	producer, err := NewProducer(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &DecisionSink{producer: producer}, nil
}

// Handler returns an engine handler that publishes each decision.
func (s *DecisionSink) Handler() engine.DecisionHandler {
	return func(ctx context.Context, d *schema.Decision) error {
		return s.producer.ProduceJSON(ctx, d.PrincipalID, d)
	}
}

// Close closes the underlying producer.
func (s *DecisionSink) Close() error {
	return s.producer.Close()
}

// Metrics returns producer metrics.
func (s *DecisionSink) Metrics() Metrics {
	return s.producer.GetMetrics()
}
