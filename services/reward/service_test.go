package reward

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"questline-settlement/pkg/errutil"
	"questline-settlement/pkg/taskname"
	"questline-settlement/services/budget"
	"questline-settlement/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct{}

func (seqStub) NextIssuanceCode(ctx context.Context, workspaceID string) (string, error) {
	return "RWD-TEST", nil
}

func (seqStub) NextChallengeCode(ctx context.Context, workspaceID string) (string, error) {
	return "CHL-TEST", nil
}

func (seqStub) NextSubmissionCode(ctx context.Context, workspaceID string) (string, error) {
	return "SUB-TEST", nil
}

type enqueuerStub struct {
	tasks []*asynq.Task
	err   error
}

func (e *enqueuerStub) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.tasks = append(e.tasks, t)
	return &asynq.TaskInfo{}, nil
}

func newTestService(t *testing.T) (*Service, *enqueuerStub, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &RewardIssuance{}, &budget.BudgetAllocation{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	enq := &enqueuerStub{}
	svc := NewService(ServiceParams{
		DB:    db,
		Asynq: enq,
		Node:  node,
		Seq:   seqStub{},
		Guard: budget.NewGuard(),
	})

	return svc, enq, db
}

func TestCreatePendingIssuance(t *testing.T) {
	svc, enq, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1",
		UserID:      "user_1",
		Kind:        KindPoints,
		AmountMinor: 50,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, "RWD-TEST", first.Code)
	require.Nil(t, first.IssuedAt)
	require.Equal(t, "GENESIS", first.PreviousHash)
	require.NotEmpty(t, first.Hash)

	second, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1",
		UserID:      "user_2",
		Kind:        KindPoints,
		AmountMinor: 25,
	})
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.PreviousHash)

	require.Len(t, enq.tasks, 2)
	require.Equal(t, taskname.RewardDispatch, enq.tasks[0].Type())

	var payload DispatchPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, first.ID, payload.IssuanceID)
	require.Equal(t, "ws_1", payload.WorkspaceID)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"missing user", CreateParams{WorkspaceID: "ws_1", Kind: KindPoints, AmountMinor: 10}},
		{"unknown kind", CreateParams{WorkspaceID: "ws_1", UserID: "u", Kind: Kind("stars"), AmountMinor: 10}},
		{"points without amount", CreateParams{WorkspaceID: "ws_1", UserID: "u", Kind: KindPoints}},
		{"monetary bad currency", CreateParams{WorkspaceID: "ws_1", UserID: "u", Kind: KindMonetary, AmountMinor: 100, Currency: "dollar"}},
		{"sku without sku", CreateParams{WorkspaceID: "ws_1", UserID: "u", Kind: KindSKU}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.params)
			require.Error(t, err)

			var be *errutil.BaseError
			require.ErrorAs(t, err, &be)
			require.Equal(t, errutil.StatusValidationFailed, be.Code)
		})
	}
}

func TestCreateBudgetExceeded(t *testing.T) {
	svc, enq, db := newTestService(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&budget.BudgetAllocation{
		ID:             "alloc_1",
		WorkspaceID:    "ws_1",
		AllocatedTotal: 100,
	}).Error)

	_, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1",
		UserID:      "user_1",
		Kind:        KindPoints,
		AmountMinor: 150,
	})
	require.Error(t, err)

	var be *errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusUnprocessableEntity, be.Code)

	var count int64
	require.NoError(t, db.Model(&RewardIssuance{}).Count(&count).Error)
	require.Zero(t, count)
	require.Empty(t, enq.tasks)
}

func TestMarkIssued(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	iss, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1", UserID: "user_1", Kind: KindPoints, AmountMinor: 50,
	})
	require.NoError(t, err)

	issued, err := svc.MarkIssued(ctx, "ws_1", iss.ID, ProviderRef{TransactionID: "txn_123"})
	require.NoError(t, err)
	require.Equal(t, StatusIssued, issued.Status)
	require.NotNil(t, issued.IssuedAt)
	require.Equal(t, "txn_123", issued.ProviderTransactionID)
	require.Nil(t, issued.ProviderError)
}

func TestTerminalStatusRejectsTransitions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	iss, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1", UserID: "user_1", Kind: KindPoints, AmountMinor: 50,
	})
	require.NoError(t, err)

	_, err = svc.MarkIssued(ctx, "ws_1", iss.ID, ProviderRef{TransactionID: "txn_1"})
	require.NoError(t, err)

	for name, fn := range map[string]func() error{
		"mark issued again": func() error {
			_, err := svc.MarkIssued(ctx, "ws_1", iss.ID, ProviderRef{TransactionID: "txn_2"})
			return err
		},
		"mark failed after issued": func() error {
			_, err := svc.MarkFailed(ctx, "ws_1", iss.ID, "late failure")
			return err
		},
		"cancel after issued": func() error {
			_, err := svc.Cancel(ctx, "ws_1", iss.ID)
			return err
		},
	} {
		t.Run(name, func(t *testing.T) {
			err := fn()
			require.Error(t, err)

			var be *errutil.BaseError
			require.ErrorAs(t, err, &be)
			require.Equal(t, errutil.StatusConflict, be.Code)
		})
	}
}

func TestFailedIssuanceSettlesLate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	iss, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1", UserID: "user_1", Kind: KindPoints, AmountMinor: 50,
	})
	require.NoError(t, err)

	failed, err := svc.MarkFailed(ctx, "ws_1", iss.ID, "provider timeout")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.ProviderError)
	require.Equal(t, "provider timeout", *failed.ProviderError)

	// Repeated failure keeps only the latest message.
	failed, err = svc.MarkFailed(ctx, "ws_1", iss.ID, "provider unreachable")
	require.NoError(t, err)
	require.Equal(t, "provider unreachable", *failed.ProviderError)

	issued, err := svc.MarkIssued(ctx, "ws_1", iss.ID, ProviderRef{TransactionID: "txn_late"})
	require.NoError(t, err)
	require.Equal(t, StatusIssued, issued.Status)
	require.Nil(t, issued.ProviderError)
}

func TestCancelReleasesPointsBudget(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&budget.BudgetAllocation{
		ID:             "alloc_1",
		WorkspaceID:    "ws_1",
		AllocatedTotal: 100,
	}).Error)

	iss, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1", UserID: "user_1", Kind: KindPoints, AmountMinor: 60,
	})
	require.NoError(t, err)

	var alloc budget.BudgetAllocation
	require.NoError(t, db.First(&alloc, "id = ?", "alloc_1").Error)
	require.Equal(t, int64(60), alloc.Issued)

	cancelled, err := svc.Cancel(ctx, "ws_1", iss.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	require.NoError(t, db.First(&alloc, "id = ?", "alloc_1").Error)
	require.Zero(t, alloc.Issued)
}

func TestRetryIssuances(t *testing.T) {
	svc, enq, _ := newTestService(t)
	ctx := context.Background()

	pending, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1", UserID: "user_1", Kind: KindPoints, AmountMinor: 10,
	})
	require.NoError(t, err)

	failed, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1", UserID: "user_2", Kind: KindPoints, AmountMinor: 10,
	})
	require.NoError(t, err)
	_, err = svc.MarkFailed(ctx, "ws_1", failed.ID, "provider timeout")
	require.NoError(t, err)

	enq.tasks = nil

	summary, err := svc.RetryIssuances(ctx, "ws_1", []string{pending.ID, failed.ID, "missing"})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 1, summary.Succeeded)

	require.False(t, summary.Results[0].Success)
	require.Contains(t, summary.Results[0].Error, "not retryable")
	require.True(t, summary.Results[1].Success)
	require.False(t, summary.Results[2].Success)
	require.Contains(t, summary.Results[2].Error, "not found")

	require.Len(t, enq.tasks, 1)
}

func TestPurgeSettled(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	settled, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1", UserID: "user_1", Kind: KindPoints, AmountMinor: 10,
	})
	require.NoError(t, err)
	_, err = svc.MarkIssued(ctx, "ws_1", settled.ID, ProviderRef{TransactionID: "txn_1"})
	require.NoError(t, err)

	fresh, err := svc.Create(ctx, CreateParams{
		WorkspaceID: "ws_1", UserID: "user_2", Kind: KindPoints, AmountMinor: 10,
	})
	require.NoError(t, err)

	old := time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, db.Model(&RewardIssuance{}).
		Where("id = ?", settled.ID).
		Update("created_at", old).Error)

	purged, err := svc.PurgeSettled(ctx, "ws_1", time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	var remaining []RewardIssuance
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, fresh.ID, remaining[0].ID)
}
