package rediskey

import "fmt"

// Workspace keys (global convention across services)
const (
	WorkspacePrefix    = "workspace"
	WebhookEventPrefix = "webhook:event"
	RateLimitPrefix    = "ratelimit"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildWorkspaceKey returns "workspace:{workspaceID}"
func BuildWorkspaceKey(workspaceID string) string {
	return NamespaceKey(WorkspacePrefix, workspaceID)
}

// BuildWebhookEventKey returns "webhook:event:{workspaceID}:{eventID}"
func BuildWebhookEventKey(workspaceID, eventID string) string {
	return NamespaceKey(WebhookEventPrefix, fmt.Sprintf("%s:%s", workspaceID, eventID))
}

// BuildRateLimitKey returns "ratelimit:{callerKey}"
func BuildRateLimitKey(callerKey string) string {
	return NamespaceKey(RateLimitPrefix, callerKey)
}
