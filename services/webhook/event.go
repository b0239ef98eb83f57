package webhook

import (
	"encoding/json"
	"strings"

	"questline-settlement/pkg/errutil"
)

// Category is the handler family an event routes to, parsed once at
// ingestion from the type's prefix. Unknown is a reachable variant, not a
// fallthrough: unrecognized events are logged as failed and stay visible
// for triage.
type Category string

var (
	CategoryTransaction Category = "transaction"
	CategoryAdjustment  Category = "adjustment"
	CategoryParticipant Category = "participant"
	CategoryUnknown     Category = "unknown"
)

// ParseCategory maps an event type's prefix before the first dot to its
// category.
func ParseCategory(eventType string) Category {
	prefix, _, _ := strings.Cut(eventType, ".")
	switch Category(prefix) {
	case CategoryTransaction, CategoryAdjustment, CategoryParticipant:
		return Category(prefix)
	default:
		return CategoryUnknown
	}
}

// Event is the flat provider envelope. ID is the idempotency key within a
// workspace; the remaining fields are category-specific and left empty by
// categories that do not use them.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	RewardID      string `json:"rewardId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	AdjustmentID  string `json:"adjustmentId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	UserID        string `json:"userId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Status        string `json:"status,omitempty"`
}

func (e *Event) Category() Category {
	return ParseCategory(e.Type)
}

// Action is the part of the type after the category prefix, e.g.
// "completed" for "transaction.completed".
func (e *Event) Action() string {
	_, action, _ := strings.Cut(e.Type, ".")
	return action
}

// ParseEvent decodes and validates an inbound envelope. Malformed bodies
// are rejected before anything is logged.
func ParseEvent(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, errutil.ValidationFailed("malformed webhook payload", err)
	}

	if evt.ID == "" {
		return nil, errutil.ValidationFailed("webhook event id is required", nil)
	}
	if evt.Type == "" {
		return nil, errutil.ValidationFailed("webhook event type is required", nil)
	}

	return &evt, nil
}
