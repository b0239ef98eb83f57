package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"questline-settlement/pkg/config"
	"questline-settlement/pkg/db/option"
	"questline-settlement/pkg/errutil"
	"questline-settlement/pkg/idempotency"
	"questline-settlement/pkg/ratelimit"
	"questline-settlement/pkg/repository"
	"questline-settlement/services/reward"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultMaxRetries   = 10
	DefaultHealthWindow = 24 * time.Hour
	latencySampleSize   = 100
)

// RewardLedger is the slice of the ledger the reconciliation pipeline
// drives. Settlement events are the only path from PENDING to ISSUED.
type RewardLedger interface {
	MarkIssued(ctx context.Context, workspaceID, id string, ref reward.ProviderRef) (*reward.RewardIssuance, error)
	MarkFailed(ctx context.Context, workspaceID, id, reason string) (*reward.RewardIssuance, error)
}

// Receipt is the acknowledgement returned to the provider. Processing
// failures are absorbed into it so delivery is never blocked by retry
// status; only rate limiting, bad signatures and malformed envelopes
// reject the request itself.
type Receipt struct {
	EventID    string `json:"eventId,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

const (
	ReceiptApplied   = "applied"
	ReceiptDuplicate = "duplicate"
	ReceiptIgnored   = "ignored"
	ReceiptFailed    = "failed"
)

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	limiter    ratelimit.Limiter
	cache      idempotency.Cache
	rewards    RewardLedger
	logs       repository.Repository[WebhookLog]
	endpoints  repository.Repository[ProviderEndpoint]
	links      repository.Repository[ParticipantLink]
	group      singleflight.Group
	maxRetries int
}

type ServiceParams struct {
	fx.In

	DB      *gorm.DB
	Node    *snowflake.Node
	Cfg     *config.Config
	Limiter ratelimit.Limiter
	Cache   idempotency.Cache
	Rewards RewardLedger
}

func NewService(p ServiceParams) *Service {
	maxRetries := p.Cfg.Webhook.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	return &Service{
		db:         p.DB,
		node:       p.Node,
		limiter:    p.Limiter,
		cache:      p.Cache,
		rewards:    p.Rewards,
		logs:       repository.ProvideStore[WebhookLog](p.DB),
		endpoints:  repository.ProvideStore[ProviderEndpoint](p.DB),
		links:      repository.ProvideStore[ParticipantLink](p.DB),
		maxRetries: maxRetries,
	}
}

// Process runs one inbound delivery through the pipeline: rate limit,
// signature, envelope parse, subscription filter, dedup, apply. The
// returned Receipt is what the caller acknowledges with; a non-nil error
// means the request itself was rejected and, for rate limiting, the
// Receipt still carries the retryAfter hint.
func (s *Service) Process(ctx context.Context, workspaceID, callerKey, signature string, body []byte) (*Receipt, error) {
	span := trace.SpanFromContext(ctx)

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("workspace_id", workspaceID),
	)

	decision, err := s.limiter.Allow(ctx, callerKey)
	if err != nil {
		// The limiter backend being down must not block settlements.
		zapLog.Warn("rate limiter unavailable, letting delivery through", zap.Error(err))
		decision = ratelimit.Decision{Allowed: true}
	}
	if !decision.Allowed {
		eventsRateLimited.Inc()
		receipt := &Receipt{Status: ReceiptFailed, RetryAfter: decision.RetryAfterSeconds()}
		return receipt, errutil.TooManyRequest("webhook rate limit exceeded", nil)
	}

	endpoint, err := s.endpoints.FindOne(ctx, &ProviderEndpoint{WorkspaceID: workspaceID})
	if err != nil {
		return nil, errutil.Internal("failed to load webhook endpoint", err)
	}
	if endpoint != nil {
		if !endpoint.Active {
			return nil, errutil.Forbidden("webhook endpoint is disabled", nil)
		}
		if endpoint.Secret != "" && !validSignature(endpoint.Secret, body, signature) {
			return nil, errutil.Unauthorized("invalid webhook signature", nil)
		}
	}

	evt, err := ParseEvent(body)
	if err != nil {
		return nil, err
	}

	eventsReceived.Inc()

	if endpoint != nil && !endpoint.Subscribed(evt.Type) {
		zapLog.Debug("event type not subscribed, ignoring", zap.String("event_type", evt.Type))
		return &Receipt{EventID: evt.ID, Status: ReceiptIgnored}, nil
	}

	// Concurrent deliveries of the same event collapse onto one apply.
	key := workspaceID + ":" + evt.ID
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.settle(ctx, zapLog, workspaceID, evt, body)
	})
	if err != nil {
		return nil, err
	}

	return v.(*Receipt), nil
}

// settle applies one deduplicated event. Apply errors are recorded on the
// log row and absorbed into the receipt; the event stays eligible for the
// retry sweep because the idempotency cache is only marked on success.
func (s *Service) settle(ctx context.Context, zapLog *zap.Logger, workspaceID string, evt *Event, body []byte) (*Receipt, error) {
	seen, err := s.cache.Seen(ctx, workspaceID, evt.ID)
	if err != nil {
		zapLog.Warn("idempotency cache unavailable, falling back to log", zap.Error(err))
		seen = false
	}

	row, err := s.logs.FindOne(ctx, &WebhookLog{WorkspaceID: workspaceID, EventID: evt.ID})
	if err != nil {
		return nil, errutil.Internal("failed to check webhook log", err)
	}

	if seen || (row != nil && row.Processed) {
		eventsDuplicate.Inc()
		zapLog.Info("duplicate webhook event dropped", zap.String("event_id", evt.ID))
		return &Receipt{EventID: evt.ID, Status: ReceiptDuplicate}, nil
	}

	if applyErr := s.route(ctx, workspaceID, evt); applyErr != nil {
		eventsFailed.Inc()
		zapLog.Warn("webhook event failed to apply",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
			zap.Error(applyErr),
		)
		s.recordFailure(ctx, workspaceID, evt, body, row, applyErr)
		return &Receipt{EventID: evt.ID, Status: ReceiptFailed, Error: applyErr.Error()}, nil
	}

	eventsProcessed.Inc()
	zapLog.Info("webhook event applied",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
	)
	s.recordSuccess(ctx, workspaceID, evt, body, row)

	return &Receipt{EventID: evt.ID, Status: ReceiptApplied}, nil
}

// route hands the event to its category handler. Unknown categories and
// actions come back as errors so they end up as recorded failures.
func (s *Service) route(ctx context.Context, workspaceID string, evt *Event) error {
	switch evt.Category() {
	case CategoryTransaction:
		return s.applyTransaction(ctx, workspaceID, evt)
	case CategoryAdjustment:
		return s.applyAdjustment(ctx, workspaceID, evt)
	case CategoryParticipant:
		return s.applyParticipant(ctx, workspaceID, evt)
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
}

func (s *Service) applyTransaction(ctx context.Context, workspaceID string, evt *Event) error {
	if evt.RewardID == "" {
		return fmt.Errorf("transaction event %s is missing rewardId", evt.ID)
	}

	switch evt.Action() {
	case "completed":
		_, err := s.rewards.MarkIssued(ctx, workspaceID, evt.RewardID, reward.ProviderRef{
			TransactionID: evt.TransactionID,
		})
		return err
	case "failed":
		reason := evt.Reason
		if reason == "" {
			reason = "provider reported transaction failure"
		}
		_, err := s.rewards.MarkFailed(ctx, workspaceID, evt.RewardID, reason)
		return err
	default:
		return fmt.Errorf("unsupported transaction event %q", evt.Type)
	}
}

func (s *Service) applyAdjustment(ctx context.Context, workspaceID string, evt *Event) error {
	if evt.RewardID == "" {
		return fmt.Errorf("adjustment event %s is missing rewardId", evt.ID)
	}

	switch evt.Action() {
	case "applied":
		_, err := s.rewards.MarkIssued(ctx, workspaceID, evt.RewardID, reward.ProviderRef{
			TransactionID: evt.TransactionID,
			AdjustmentID:  evt.AdjustmentID,
		})
		return err
	case "failed":
		reason := evt.Reason
		if reason == "" {
			reason = "provider reported adjustment failure"
		}
		_, err := s.rewards.MarkFailed(ctx, workspaceID, evt.RewardID, reason)
		return err
	default:
		return fmt.Errorf("unsupported adjustment event %q", evt.Type)
	}
}

// applyParticipant upserts the workspace's link to the provider-side
// participant. These events never touch the ledger.
func (s *Service) applyParticipant(ctx context.Context, workspaceID string, evt *Event) error {
	if evt.ParticipantID == "" {
		return fmt.Errorf("participant event %s is missing participantId", evt.ID)
	}

	status := evt.Status
	if status == "" {
		status = evt.Action()
	}

	link, err := s.links.FindOne(ctx, &ParticipantLink{
		WorkspaceID:           workspaceID,
		ProviderParticipantID: evt.ParticipantID,
	})
	if err != nil {
		return fmt.Errorf("failed to load participant link: %w", err)
	}

	now := time.Now()
	if link == nil {
		return s.links.Create(ctx, &ParticipantLink{
			ID:                    s.node.Generate().String(),
			WorkspaceID:           workspaceID,
			ProviderParticipantID: evt.ParticipantID,
			UserID:                evt.UserID,
			Status:                status,
			SyncedAt:              now,
			CreatedAt:             now,
			UpdatedAt:             now,
		})
	}

	updates := map[string]interface{}{
		"status":     status,
		"synced_at":  now,
		"updated_at": now,
	}
	if evt.UserID != "" {
		updates["user_id"] = evt.UserID
	}

	return s.links.Update(ctx, link.ID, updates)
}

// recordSuccess writes or completes the log row and marks the idempotency
// cache. Persistence trouble here is logged, never surfaced: the ledger
// mutation already happened and the delivery must still be acknowledged.
func (s *Service) recordSuccess(ctx context.Context, workspaceID string, evt *Event, body []byte, row *WebhookLog) {
	now := time.Now()

	if row == nil {
		err := s.logs.Create(ctx, &WebhookLog{
			ID:          s.node.Generate().String(),
			WorkspaceID: workspaceID,
			EventID:     evt.ID,
			EventType:   evt.Type,
			Payload:     datatypes.JSON(body),
			Processed:   true,
			ProcessedAt: &now,
			Attempts:    1,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			zap.L().Error("failed to write webhook log", zap.String("event_id", evt.ID), zap.Error(err))
		}
	} else {
		err := s.logs.Update(ctx, row.ID, map[string]interface{}{
			"processed":    true,
			"processed_at": now,
			"error":        nil,
			"attempts":     row.Attempts + 1,
			"updated_at":   now,
		})
		if err != nil {
			zap.L().Error("failed to update webhook log", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}

	if err := s.cache.Mark(ctx, workspaceID, evt.ID); err != nil {
		zap.L().Warn("failed to mark idempotency cache", zap.String("event_id", evt.ID), zap.Error(err))
	}
}

// recordFailure persists the failure so the retry sweep can find it. The
// cache is left unmarked on purpose.
func (s *Service) recordFailure(ctx context.Context, workspaceID string, evt *Event, body []byte, row *WebhookLog, applyErr error) {
	now := time.Now()
	message := applyErr.Error()

	if row == nil {
		err := s.logs.Create(ctx, &WebhookLog{
			ID:          s.node.Generate().String(),
			WorkspaceID: workspaceID,
			EventID:     evt.ID,
			EventType:   evt.Type,
			Payload:     datatypes.JSON(body),
			Processed:   false,
			Error:       &message,
			Attempts:    1,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			zap.L().Error("failed to write webhook log", zap.String("event_id", evt.ID), zap.Error(err))
		}
		return
	}

	err := s.logs.Update(ctx, row.ID, map[string]interface{}{
		"processed":  false,
		"error":      message,
		"attempts":   row.Attempts + 1,
		"updated_at": now,
	})
	if err != nil {
		zap.L().Error("failed to update webhook log", zap.String("event_id", evt.ID), zap.Error(err))
	}
}

// RetryFailedWebhooks re-applies the failed backlog oldest-first, up to
// MaxRetries rows per sweep. Every row gets a result; a sweep never stops
// at the first failure.
func (s *Service) RetryFailedWebhooks(ctx context.Context, workspaceID string, opts RetryOptions) (*RetrySummary, error) {
	span := trace.SpanFromContext(ctx)

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("workspace_id", workspaceID),
	)

	limit := opts.MaxRetries
	if limit <= 0 {
		limit = s.maxRetries
	}

	queryOpts := []option.QueryOption{
		option.ApplyOperator(option.Condition{Field: "processed", Operator: option.EQ, Value: false}),
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
		func(db *gorm.DB) *gorm.DB { return db.Limit(limit) },
	}
	if len(opts.WebhookLogIDs) > 0 {
		ids := opts.WebhookLogIDs
		queryOpts = append(queryOpts, func(db *gorm.DB) *gorm.DB {
			return db.Where("id IN ?", ids)
		})
	}

	rows, err := s.logs.Find(ctx, &WebhookLog{WorkspaceID: workspaceID}, queryOpts...)
	if err != nil {
		return nil, errutil.Internal("failed to load failed webhooks", err)
	}

	summary := &RetrySummary{
		Total:   len(rows),
		Results: make([]RetryResult, 0, len(rows)),
	}

	for _, row := range rows {
		result := RetryResult{WebhookLogID: row.ID, EventID: row.EventID}

		var evt Event
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			applyErr := fmt.Errorf("stored payload is not a valid event: %w", err)
			s.recordFailure(ctx, workspaceID, &Event{ID: row.EventID, Type: row.EventType}, row.Payload, row, applyErr)
			result.Error = applyErr.Error()
			summary.Results = append(summary.Results, result)
			continue
		}

		if applyErr := s.route(ctx, workspaceID, &evt); applyErr != nil {
			s.recordFailure(ctx, workspaceID, &evt, row.Payload, row, applyErr)
			result.Error = applyErr.Error()
			summary.Results = append(summary.Results, result)
			continue
		}

		s.recordSuccess(ctx, workspaceID, &evt, row.Payload, row)
		result.Success = true
		summary.Succeeded++
		summary.Results = append(summary.Results, result)
	}

	zapLog.Info("webhook retry sweep finished",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
	)

	return summary, nil
}

// GetHealthStats reports processing totals for a trailing window plus the
// average latency over the most recent processed events.
func (s *Service) GetHealthStats(ctx context.Context, workspaceID string, window time.Duration) (*HealthStats, error) {
	if window <= 0 {
		window = DefaultHealthWindow
	}
	cutoff := time.Now().Add(-window)

	scoped := func() *gorm.DB {
		return s.db.WithContext(ctx).
			Model(&WebhookLog{}).
			Where("workspace_id = ? AND created_at >= ?", workspaceID, cutoff)
	}

	var stats HealthStats
	if err := scoped().Count(&stats.Total).Error; err != nil {
		return nil, errutil.Internal("failed to count webhook logs", err)
	}
	if err := scoped().Where("processed = ?", true).Count(&stats.Processed).Error; err != nil {
		return nil, errutil.Internal("failed to count processed webhooks", err)
	}
	if err := scoped().Where("processed = ? AND error IS NOT NULL", false).Count(&stats.Failed).Error; err != nil {
		return nil, errutil.Internal("failed to count failed webhooks", err)
	}
	stats.Pending = stats.Total - stats.Processed - stats.Failed

	if stats.Total == 0 {
		stats.ProcessingRate = 100
	} else {
		stats.ProcessingRate = float64(stats.Processed) / float64(stats.Total) * 100
	}

	var recent []WebhookLog
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND processed = ? AND processed_at IS NOT NULL", workspaceID, true).
		Order("processed_at DESC").
		Limit(latencySampleSize).
		Find(&recent).Error
	if err != nil {
		return nil, errutil.Internal("failed to sample processed webhooks", err)
	}

	if len(recent) > 0 {
		var total time.Duration
		for _, row := range recent {
			total += row.ProcessedAt.Sub(row.CreatedAt)
		}
		stats.AvgProcessingTimeMs = float64(total.Milliseconds()) / float64(len(recent))
	}

	return &stats, nil
}

func validSignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
