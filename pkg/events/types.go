package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published.
type EventType string

const (
	// Quota events
	EventQuotaThresholdReached EventType = "quota.threshold_reached"
	EventQuotaExceeded         EventType = "quota.exceeded"

	// Rate limit events
	EventRateAnomalyDetected EventType = "ratelimit.anomaly_detected"

	// Tenant events
	EventTenantDeleted EventType = "tenant.deleted"
)

// Event represents a single event in the system.
type Event struct {
	// ID is a unique identifier for this event (for idempotency).
	ID string

	// Type is the event type.
	Type EventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// TenantID is the tenant this event belongs to.
	TenantID string

	// Payload contains event-specific data.
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload.
func NewEvent(eventType EventType, tenantID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Payload:   payload,
	}
}
