package provider

import (
	"context"
	"errors"
	"testing"

	"questline-settlement/services/budget"
	"questline-settlement/services/reward"
	"questline-settlement/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

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

type enqueuerStub struct{}

func (enqueuerStub) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{}, nil
}

type clientStub struct {
	calls int
	ack   *IssueAck
	err   error
}

func (c *clientStub) Issue(ctx context.Context, req IssueRequest) (*IssueAck, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.ack, nil
}

func newDispatcher(t *testing.T, client Client) (*Dispatcher, *reward.Service) {
	t.Helper()

	db := testutil.NewTestDB(t, &reward.RewardIssuance{}, &budget.BudgetAllocation{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	rewards := reward.NewService(reward.ServiceParams{
		DB:    db,
		Asynq: enqueuerStub{},
		Node:  node,
		Seq:   seqStub{},
		Guard: budget.NewGuard(),
	})

	return NewDispatcher(DispatcherParams{Client: client, Rewards: rewards}), rewards
}

func dispatchTask(t *testing.T, workspaceID, issuanceID string) *asynq.Task {
	t.Helper()

	task, err := reward.NewDispatchTask(workspaceID, issuanceID)
	require.NoError(t, err)
	return task
}

func TestHandleDispatchRecordsAck(t *testing.T) {
	client := &clientStub{ack: &IssueAck{TransactionID: "txn_42"}}
	d, rewards := newDispatcher(t, client)
	ctx := context.Background()

	iss, err := rewards.Create(ctx, reward.CreateParams{
		WorkspaceID: "ws_1", UserID: "user_1", Kind: reward.KindPoints, AmountMinor: 50,
	})
	require.NoError(t, err)

	require.NoError(t, d.HandleDispatchTask(ctx, dispatchTask(t, "ws_1", iss.ID)))
	require.Equal(t, 1, client.calls)

	got, err := rewards.Get(ctx, "ws_1", iss.ID)
	require.NoError(t, err)
	require.Equal(t, "txn_42", got.ProviderTransactionID)
	// Settlement still arrives by webhook; dispatch acceptance is not it.
	require.Equal(t, reward.StatusPending, got.Status)
}

func TestHandleDispatchSkipsSettled(t *testing.T) {
	client := &clientStub{ack: &IssueAck{TransactionID: "txn_42"}}
	d, rewards := newDispatcher(t, client)
	ctx := context.Background()

	iss, err := rewards.Create(ctx, reward.CreateParams{
		WorkspaceID: "ws_1", UserID: "user_1", Kind: reward.KindPoints, AmountMinor: 50,
	})
	require.NoError(t, err)
	_, err = rewards.MarkIssued(ctx, "ws_1", iss.ID, reward.ProviderRef{TransactionID: "txn_1"})
	require.NoError(t, err)

	require.NoError(t, d.HandleDispatchTask(ctx, dispatchTask(t, "ws_1", iss.ID)))
	require.Zero(t, client.calls)
}

func TestHandleDispatchExhaustedMarksFailed(t *testing.T) {
	client := &clientStub{err: errors.New("provider down")}
	d, rewards := newDispatcher(t, client)
	ctx := context.Background()

	iss, err := rewards.Create(ctx, reward.CreateParams{
		WorkspaceID: "ws_1", UserID: "user_1", Kind: reward.KindPoints, AmountMinor: 50,
	})
	require.NoError(t, err)

	// Outside an asynq server there is no retry budget left, so the
	// handler takes the exhausted path straight away.
	require.NoError(t, d.HandleDispatchTask(ctx, dispatchTask(t, "ws_1", iss.ID)))

	got, err := rewards.Get(ctx, "ws_1", iss.ID)
	require.NoError(t, err)
	require.Equal(t, reward.StatusFailed, got.Status)
	require.NotNil(t, got.ProviderError)
	require.Contains(t, *got.ProviderError, "provider down")
}

func TestHandleDispatchInvalidPayload(t *testing.T) {
	d, _ := newDispatcher(t, &clientStub{})

	bad := asynq.NewTask("reward:dispatch", []byte("{"))
	err := d.HandleDispatchTask(context.Background(), bad)
	require.Error(t, err)
}
