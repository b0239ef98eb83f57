package webhook

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// WebhookLog records one inbound provider event per (workspace, event id).
// Redeliveries of processed events never write a second row; retries of
// failed events update the same row's attempt counter.
type WebhookLog struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	WorkspaceID string         `gorm:"column:workspace_id;uniqueIndex:idx_webhook_logs_event" json:"workspaceId"`
	EventID     string         `gorm:"column:event_id;uniqueIndex:idx_webhook_logs_event" json:"eventId"`
	EventType   string         `gorm:"column:event_type" json:"eventType"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload"`
	Processed   bool           `gorm:"column:processed;index" json:"processed"`
	ProcessedAt *time.Time     `gorm:"column:processed_at" json:"processedAt,omitempty"`
	Error       *string        `gorm:"column:error" json:"error,omitempty"`
	Attempts    int            `gorm:"column:attempts" json:"attempts"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

// ProviderEndpoint is the per-workspace inbound configuration. Secret
// signs the raw body with HMAC-SHA256; an empty EventTypes list accepts
// every type.
type ProviderEndpoint struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	WorkspaceID string         `gorm:"column:workspace_id;uniqueIndex" json:"workspaceId"`
	Secret      string         `gorm:"column:secret" json:"-"`
	EventTypes  pq.StringArray `gorm:"column:event_types;type:text[]" json:"eventTypes"`
	Active      bool           `gorm:"column:active" json:"active"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

// Subscribed reports whether the endpoint wants the given event type.
func (e *ProviderEndpoint) Subscribed(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// ParticipantLink maps a workspace user to the provider's participant
// record. Maintained by participant.* events, never by the ledger.
type ParticipantLink struct {
	ID                    string    `gorm:"column:id;primaryKey" json:"id"`
	WorkspaceID           string    `gorm:"column:workspace_id;uniqueIndex:idx_participant_links_scope" json:"workspaceId"`
	ProviderParticipantID string    `gorm:"column:provider_participant_id;uniqueIndex:idx_participant_links_scope" json:"providerParticipantId"`
	UserID                string    `gorm:"column:user_id;index" json:"userId"`
	Status                string    `gorm:"column:status" json:"status"`
	SyncedAt              time.Time `gorm:"column:synced_at" json:"syncedAt"`
	CreatedAt             time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt             time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// RetryOptions scopes one retry sweep. MaxRetries bounds how many backlog
// rows a single sweep picks up, not how often an event may be retried.
type RetryOptions struct {
	WebhookLogIDs []string
	MaxRetries    int
}

type RetryResult struct {
	WebhookLogID string `json:"webhookLogId"`
	EventID      string `json:"eventId"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

type RetrySummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Results   []RetryResult `json:"results"`
}

// HealthStats summarizes webhook processing for a workspace over a
// trailing window. AvgProcessingTimeMs is sampled over the most recent
// processed events regardless of the window.
type HealthStats struct {
	Total               int64   `json:"total"`
	Processed           int64   `json:"processed"`
	Failed              int64   `json:"failed"`
	Pending             int64   `json:"pending"`
	ProcessingRate      float64 `json:"processingRate"`
	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs,omitempty"`
}
