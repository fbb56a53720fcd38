package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds the configurable TTL for decision history.
type RetentionConfig struct {
	DecisionsTTL time.Duration `yaml:"decisions_ttl"`
}

// DefaultRetentionConfig keeps decisions for 180 days, matching the
// table's baked-in TTL.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{DecisionsTTL: 180 * 24 * time.Hour}
}

// RetentionManager applies the retention policy to the decisions table.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{
		client: client,
		config: config,
	}
}

// ApplyTTL overrides the decisions table TTL with the configured
// retention period. Call after migrations have run.
func (r *RetentionManager) ApplyTTL(ctx context.Context) error {
	if r.config.DecisionsTTL <= 0 {
		return nil
	}

	days := int(r.config.DecisionsTTL.Hours() / 24)
	if days < 1 {
		days = 1
	}

	query := fmt.Sprintf(
		"ALTER TABLE decisions MODIFY TTL toDateTime(evaluated_at) + INTERVAL %d DAY DELETE",
		days,
	)
	if err := r.client.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to apply retention policy: %w", err)
	}

	slog.Info("applied retention policy", "table", "decisions", "ttl_days", days)
	return nil
}
