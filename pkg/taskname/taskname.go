package taskname

const (
	// Reward tasks
	RewardDispatch = "reward:dispatch"

	// Webhook tasks
	WebhookRetrySweep = "webhook:retry:sweep"
	WebhookArchive    = "webhook:archive"

	// Housekeeping tasks
	WebhookLogCleanup = "webhook:log:cleanup"
)
