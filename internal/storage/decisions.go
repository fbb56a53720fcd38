package storage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"riskgate/internal/schema"
)

// DecisionStore reads decision history back out of ClickHouse.
type DecisionStore struct {
	client *ClickHouseClient
}

// NewDecisionStore creates a decision store.
func NewDecisionStore(client *ClickHouseClient) *DecisionStore {
	return &DecisionStore{client: client}
}

// RecentForPrincipal returns the principal's most recent decisions,
// newest first.
func (s *DecisionStore) RecentForPrincipal(ctx context.Context, principalID string, limit int) ([]*schema.Decision, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.client.Query(ctx, `
		SELECT decision_id, event_id, principal_id,
		       score, action, reasons, flags,
		       trust_before, trust_after, suspicious, evaluated_at
		FROM decisions
		WHERE principal_id = ?
		ORDER BY evaluated_at DESC
		LIMIT ?
	`, principalID, limit)
	if err != nil {
		return nil, WrapQueryError("RecentForPrincipal", "decisions", err)
	}
	defer rows.Close()

	var decisions []*schema.Decision
	for rows.Next() {
		d := &schema.Decision{}
		var (
			decisionID, eventID uuid.UUID
			score               uint8
			action              string
			reasons             string
			flags               string
		)
		if err := rows.Scan(
			&decisionID, &eventID, &d.PrincipalID,
			&score, &action, &reasons, &flags,
			&d.TrustBefore, &d.TrustAfter, &d.Suspicious, &d.EvaluatedAt,
		); err != nil {
			return nil, WrapQueryError("Scan", "decisions", err)
		}

		d.DecisionID = decisionID
		d.EventID = eventID
		d.Score = int(score)
		d.Action = schema.Action(action)
		if reasons != "" {
			d.Reasons = strings.Split(reasons, ",")
		}
		if flags != "" {
			// Unreadable flags should not fail the whole read.
			_ = json.Unmarshal([]byte(flags), &d.Flags)
		}

		decisions = append(decisions, d)
	}

	return decisions, rows.Err()
}
