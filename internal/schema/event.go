// Package schema defines the canonical event and decision types for Riskgate.
// Every event is validated against this schema before it reaches the
// decision engine.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventType distinguishes the two kinds of scored occurrences.
type EventType string

const (
	EventTransaction EventType = "transaction"
	EventLogin       EventType = "login"
)

// IsValid checks if the event type is a valid value.
func (t EventType) IsValid() bool {
	switch t {
	case EventTransaction, EventLogin:
		return true
	}
	return false
}

// Event represents one scored occurrence (a transaction or a login).
// Events are immutable once created; the engine consumes and discards them.
type Event struct {
	// Required fields
	EventID     uuid.UUID `json:"event_id" validate:"required"`
	PrincipalID string    `json:"principal_id" validate:"required,max=256"`
	EventType   EventType `json:"event_type" validate:"required,oneof=transaction login"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`

	// Optional fields
	DeviceID         string   `json:"device_id,omitempty" validate:"max=256"`
	Amount           *float64 `json:"amount,omitempty"` // nil for logins
	MerchantCategory string   `json:"merchant_category,omitempty" validate:"max=16"`
	SourceIP         string   `json:"source_ip,omitempty" validate:"omitempty,ip"`
	GeoLocation      string   `json:"geo_location,omitempty" validate:"max=16"`
	Channel          string   `json:"channel,omitempty" validate:"omitempty,oneof=web mobile api"`

	// Internal fields (set by system)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Action is the decision outcome for an event.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionStepUp Action = "STEP_UP"
	ActionBlock  Action = "BLOCK"
)

// IsValid checks if the action is a valid value.
func (a Action) IsValid() bool {
	switch a {
	case ActionAllow, ActionStepUp, ActionBlock:
		return true
	}
	return false
}

// Decision is the explainable result returned to the caller. Reasons are
// ordered by descending rule weight; a blocklist hit is always reported.
type Decision struct {
	DecisionID  uuid.UUID       `json:"decision_id"`
	EventID     uuid.UUID       `json:"event_id"`
	PrincipalID string          `json:"principal_id"`
	Score       int             `json:"score"`
	Action      Action          `json:"action"`
	Reasons     []string        `json:"reasons"`
	Flags       map[string]bool `json:"flags,omitempty"`
	TrustBefore float64         `json:"trust_before"`
	TrustAfter  float64         `json:"trust_after"`
	Suspicious  bool            `json:"suspicious"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
