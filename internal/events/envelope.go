package events

import (
	"fmt"
	"time"
)

// Event types emitted by the engine.
const (
	EventReferenceChanged = "reference.changed"
	EventIssueCreated     = "issue.created"
	EventIssueResolved    = "issue.resolved"
	EventEpisodeLinked    = "episode.linked"
	EventEpisodeImported  = "episode.imported"
)

// Envelope is the wire shape of one notification. Delivery is at-least-once;
// consumers must tolerate duplicates keyed by EventID.
type Envelope struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// ValidateBasic checks the fields every envelope must carry before publishing.
func (e Envelope) ValidateBasic() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	return nil
}
