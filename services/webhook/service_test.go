package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"questline-settlement/pkg/config"
	"questline-settlement/pkg/errutil"
	"questline-settlement/pkg/idempotency"
	"questline-settlement/pkg/ratelimit"
	"questline-settlement/services/reward"
	"questline-settlement/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type ledgerMock struct {
	fail   bool
	issued []string
	refs   []reward.ProviderRef
	failed []string
}

func (m *ledgerMock) MarkIssued(ctx context.Context, workspaceID, id string, ref reward.ProviderRef) (*reward.RewardIssuance, error) {
	if m.fail {
		return nil, errors.New("ledger unavailable")
	}
	m.issued = append(m.issued, id)
	m.refs = append(m.refs, ref)
	now := time.Now()
	return &reward.RewardIssuance{ID: id, WorkspaceID: workspaceID, Status: reward.StatusIssued, IssuedAt: &now}, nil
}

func (m *ledgerMock) MarkFailed(ctx context.Context, workspaceID, id, reason string) (*reward.RewardIssuance, error) {
	if m.fail {
		return nil, errors.New("ledger unavailable")
	}
	m.failed = append(m.failed, id)
	return &reward.RewardIssuance{ID: id, WorkspaceID: workspaceID, Status: reward.StatusFailed}, nil
}

func newTestService(t *testing.T, limiter ratelimit.Limiter) (*Service, *ledgerMock, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &WebhookLog{}, &ProviderEndpoint{}, &ParticipantLink{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	if limiter == nil {
		limiter = ratelimit.NewMemory(100, time.Minute)
	}

	ledger := &ledgerMock{}
	svc := NewService(ServiceParams{
		DB:      db,
		Node:    node,
		Cfg:     &config.Config{},
		Limiter: limiter,
		Cache:   idempotency.NewMemory(time.Hour),
		Rewards: ledger,
	})

	return svc, ledger, db
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestProcessAppliesTransactionCompleted(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	body := []byte(`{"id":"evt_1","type":"transaction.completed","rewardId":"rwd_1","transactionId":"txn_1"}`)
	receipt, err := svc.Process(ctx, "ws_1", "ws_1", "", body)
	require.NoError(t, err)
	require.Equal(t, ReceiptApplied, receipt.Status)
	require.Equal(t, "evt_1", receipt.EventID)

	require.Equal(t, []string{"rwd_1"}, ledger.issued)
	require.Equal(t, "txn_1", ledger.refs[0].TransactionID)

	var row WebhookLog
	require.NoError(t, db.First(&row, "workspace_id = ? AND event_id = ?", "ws_1", "evt_1").Error)
	require.True(t, row.Processed)
	require.NotNil(t, row.ProcessedAt)
	require.Nil(t, row.Error)
	require.Equal(t, 1, row.Attempts)
}

func TestProcessIsIdempotent(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	body := []byte(`{"id":"evt_1","type":"transaction.completed","rewardId":"rwd_1"}`)

	first, err := svc.Process(ctx, "ws_1", "ws_1", "", body)
	require.NoError(t, err)
	require.Equal(t, ReceiptApplied, first.Status)

	second, err := svc.Process(ctx, "ws_1", "ws_1", "", body)
	require.NoError(t, err)
	require.Equal(t, ReceiptDuplicate, second.Status)

	require.Len(t, ledger.issued, 1)

	var count int64
	require.NoError(t, db.Model(&WebhookLog{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestProcessDedupSurvivesCacheLoss(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	body := []byte(`{"id":"evt_1","type":"transaction.completed","rewardId":"rwd_1"}`)
	_, err := svc.Process(ctx, "ws_1", "ws_1", "", body)
	require.NoError(t, err)

	// A restarted instance has an empty cache; the durable log still wins.
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fresh := NewService(ServiceParams{
		DB:      db,
		Node:    node,
		Cfg:     &config.Config{},
		Limiter: ratelimit.NewMemory(100, time.Minute),
		Cache:   idempotency.NewMemory(time.Hour),
		Rewards: ledger,
	})

	receipt, err := fresh.Process(ctx, "ws_1", "ws_1", "", body)
	require.NoError(t, err)
	require.Equal(t, ReceiptDuplicate, receipt.Status)
	require.Len(t, ledger.issued, 1)
}

func TestProcessScopesDedupByWorkspace(t *testing.T) {
	svc, ledger, _ := newTestService(t, nil)
	ctx := context.Background()

	body := []byte(`{"id":"evt_1","type":"transaction.completed","rewardId":"rwd_1"}`)

	_, err := svc.Process(ctx, "ws_1", "ws_1", "", body)
	require.NoError(t, err)

	receipt, err := svc.Process(ctx, "ws_2", "ws_2", "", body)
	require.NoError(t, err)
	require.Equal(t, ReceiptApplied, receipt.Status)
	require.Len(t, ledger.issued, 2)
}

func TestProcessRejectsOverRateLimit(t *testing.T) {
	svc, _, db := newTestService(t, ratelimit.NewMemory(3, time.Second))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		body := []byte(fmt.Sprintf(`{"id":"evt_%d","type":"transaction.completed","rewardId":"rwd_1"}`, i))
		_, err := svc.Process(ctx, "ws_1", "ws_1", "", body)
		require.NoError(t, err)
	}

	receipt, err := svc.Process(ctx, "ws_1", "ws_1", "", []byte(`{"id":"evt_4","type":"transaction.completed","rewardId":"rwd_1"}`))
	require.Error(t, err)

	var be *errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusTooManyRequests, be.Code)
	require.Positive(t, receipt.RetryAfter)

	// The rejected delivery is never logged.
	var count int64
	require.NoError(t, db.Model(&WebhookLog{}).Count(&count).Error)
	require.Equal(t, int64(3), count)
}

func TestProcessRecordsUnknownEventType(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	receipt, err := svc.Process(ctx, "ws_1", "ws_1", "", []byte(`{"id":"evt_1","type":"promotion.applied"}`))
	require.NoError(t, err)
	require.Equal(t, ReceiptFailed, receipt.Status)
	require.Contains(t, receipt.Error, "unknown event type")

	require.Empty(t, ledger.issued)
	require.Empty(t, ledger.failed)

	var row WebhookLog
	require.NoError(t, db.First(&row, "event_id = ?", "evt_1").Error)
	require.False(t, row.Processed)
	require.NotNil(t, row.Error)
}

func TestProcessFailureStaysRetryable(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	ledger.fail = true
	body := []byte(`{"id":"evt_1","type":"transaction.completed","rewardId":"rwd_1"}`)

	receipt, err := svc.Process(ctx, "ws_1", "ws_1", "", body)
	require.NoError(t, err)
	require.Equal(t, ReceiptFailed, receipt.Status)

	var row WebhookLog
	require.NoError(t, db.First(&row, "event_id = ?", "evt_1").Error)
	require.False(t, row.Processed)
	require.Equal(t, 1, row.Attempts)

	// Redelivery retries instead of dropping as a duplicate.
	ledger.fail = false
	receipt, err = svc.Process(ctx, "ws_1", "ws_1", "", body)
	require.NoError(t, err)
	require.Equal(t, ReceiptApplied, receipt.Status)
	require.Equal(t, []string{"rwd_1"}, ledger.issued)

	// Same row, now complete.
	var count int64
	require.NoError(t, db.Model(&WebhookLog{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
	require.NoError(t, db.First(&row, "event_id = ?", "evt_1").Error)
	require.True(t, row.Processed)
	require.Equal(t, 2, row.Attempts)
}

func TestProcessVerifiesSignature(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, db.Create(&ProviderEndpoint{
		ID:          "ep_1",
		WorkspaceID: "ws_1",
		Secret:      "shhh",
		Active:      true,
	}).Error)

	body := []byte(`{"id":"evt_1","type":"transaction.completed","rewardId":"rwd_1"}`)

	_, err := svc.Process(ctx, "ws_1", "ws_1", "bogus", body)
	require.Error(t, err)

	var be *errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusUnauthorized, be.Code)
	require.Empty(t, ledger.issued)

	receipt, err := svc.Process(ctx, "ws_1", "ws_1", sign("shhh", body), body)
	require.NoError(t, err)
	require.Equal(t, ReceiptApplied, receipt.Status)
}

func TestProcessHonorsSubscriptions(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, db.Create(&ProviderEndpoint{
		ID:          "ep_1",
		WorkspaceID: "ws_1",
		EventTypes:  []string{"transaction.completed"},
		Active:      true,
	}).Error)

	receipt, err := svc.Process(ctx, "ws_1", "ws_1", "", []byte(`{"id":"evt_1","type":"adjustment.applied","rewardId":"rwd_1"}`))
	require.NoError(t, err)
	require.Equal(t, ReceiptIgnored, receipt.Status)
	require.Empty(t, ledger.issued)

	var count int64
	require.NoError(t, db.Model(&WebhookLog{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestProcessUpsertsParticipantLink(t *testing.T) {
	svc, _, db := newTestService(t, nil)
	ctx := context.Background()

	receipt, err := svc.Process(ctx, "ws_1", "ws_1", "",
		[]byte(`{"id":"evt_1","type":"participant.enrolled","participantId":"pp_1","userId":"user_1"}`))
	require.NoError(t, err)
	require.Equal(t, ReceiptApplied, receipt.Status)

	var link ParticipantLink
	require.NoError(t, db.First(&link, "provider_participant_id = ?", "pp_1").Error)
	require.Equal(t, "user_1", link.UserID)
	require.Equal(t, "enrolled", link.Status)

	_, err = svc.Process(ctx, "ws_1", "ws_1", "",
		[]byte(`{"id":"evt_2","type":"participant.updated","participantId":"pp_1","status":"suspended"}`))
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&ParticipantLink{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
	require.NoError(t, db.First(&link, "provider_participant_id = ?", "pp_1").Error)
	require.Equal(t, "suspended", link.Status)
}

func TestRetryFailedWebhooksConverges(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	ledger.fail = true
	for i := 0; i < 3; i++ {
		body := []byte(fmt.Sprintf(`{"id":"evt_%d","type":"transaction.completed","rewardId":"rwd_%d"}`, i, i))
		receipt, err := svc.Process(ctx, "ws_1", "ws_1", "", body)
		require.NoError(t, err)
		require.Equal(t, ReceiptFailed, receipt.Status)
	}

	ledger.fail = false
	summary, err := svc.RetryFailedWebhooks(ctx, "ws_1", RetryOptions{MaxRetries: 10})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 3, summary.Succeeded)
	require.Len(t, ledger.issued, 3)

	var failed int64
	require.NoError(t, db.Model(&WebhookLog{}).Where("processed = ?", false).Count(&failed).Error)
	require.Zero(t, failed)

	// A second sweep finds nothing left.
	summary, err = svc.RetryFailedWebhooks(ctx, "ws_1", RetryOptions{})
	require.NoError(t, err)
	require.Zero(t, summary.Total)
}

func TestRetryFailedWebhooksBoundsAndScopes(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	ledger.fail = true
	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		body := []byte(fmt.Sprintf(`{"id":"evt_%d","type":"transaction.completed","rewardId":"rwd_%d"}`, i, i))
		_, err := svc.Process(ctx, "ws_1", "ws_1", "", body)
		require.NoError(t, err)

		var row WebhookLog
		require.NoError(t, db.First(&row, "event_id = ?", fmt.Sprintf("evt_%d", i)).Error)
		ids = append(ids, row.ID)
	}
	ledger.fail = false

	// MaxRetries bounds one sweep, oldest rows first.
	summary, err := svc.RetryFailedWebhooks(ctx, "ws_1", RetryOptions{MaxRetries: 2})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 2, summary.Succeeded)

	// Explicit ids scope the rest.
	summary, err = svc.RetryFailedWebhooks(ctx, "ws_1", RetryOptions{WebhookLogIDs: ids[3:]})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Total)
	require.True(t, summary.Results[0].Success)
}

func TestRetryFailedWebhooksReportsPartialSuccess(t *testing.T) {
	svc, ledger, _ := newTestService(t, nil)
	ctx := context.Background()

	ledger.fail = true
	_, err := svc.Process(ctx, "ws_1", "ws_1", "", []byte(`{"id":"evt_1","type":"transaction.completed","rewardId":"rwd_1"}`))
	require.NoError(t, err)
	_, err = svc.Process(ctx, "ws_1", "ws_1", "", []byte(`{"id":"evt_2","type":"promotion.applied"}`))
	require.NoError(t, err)
	ledger.fail = false

	summary, err := svc.RetryFailedWebhooks(ctx, "ws_1", RetryOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 1, summary.Succeeded)

	for _, result := range summary.Results {
		if result.EventID == "evt_1" {
			require.True(t, result.Success)
		} else {
			require.False(t, result.Success)
			require.Contains(t, result.Error, "unknown event type")
		}
	}
}

func TestGetHealthStats(t *testing.T) {
	svc, ledger, db := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Process(ctx, "ws_1", "ws_1", "", []byte(`{"id":"evt_1","type":"transaction.completed","rewardId":"rwd_1"}`))
	require.NoError(t, err)
	_, err = svc.Process(ctx, "ws_1", "ws_1", "", []byte(`{"id":"evt_2","type":"transaction.completed","rewardId":"rwd_2"}`))
	require.NoError(t, err)

	ledger.fail = true
	_, err = svc.Process(ctx, "ws_1", "ws_1", "", []byte(`{"id":"evt_3","type":"transaction.completed","rewardId":"rwd_3"}`))
	require.NoError(t, err)

	stats, err := svc.GetHealthStats(ctx, "ws_1", 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Total)
	require.Equal(t, int64(2), stats.Processed)
	require.Equal(t, int64(1), stats.Failed)
	require.Zero(t, stats.Pending)
	require.InDelta(t, 66.6, stats.ProcessingRate, 1.0)
	require.GreaterOrEqual(t, stats.AvgProcessingTimeMs, 0.0)

	// Another workspace's traffic never bleeds in.
	stats, err = svc.GetHealthStats(ctx, "ws_2", 0)
	require.NoError(t, err)
	require.Zero(t, stats.Total)
	require.Equal(t, float64(100), stats.ProcessingRate)

	// Old rows fall out of the window.
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, db.Model(&WebhookLog{}).
		Where("event_id = ?", "evt_1").
		Update("created_at", old).Error)

	stats, err = svc.GetHealthStats(ctx, "ws_1", DefaultHealthWindow)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Total)
}
