package challenge

import (
	"context"
	"testing"

	"questline-settlement/pkg/errutil"
	"questline-settlement/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Challenge{}, &Activity{}, &Enrollment{}, &ChallengeAssignment{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node, Seq: seqStub{}})
}

func TestCreateChallenge(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, CreateChallengeParams{
		WorkspaceID: "ws_1",
		Title:       "Q3 Onboarding Sprint",
	})
	require.NoError(t, err)
	require.NotEmpty(t, ch.ID)
	require.Equal(t, "CHL-TEST", ch.Code)
	require.Equal(t, "q3-onboarding-sprint", ch.Slug)
	require.Equal(t, Active, ch.Status)
}

func TestCreateActivityRewardRuleValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, CreateChallengeParams{WorkspaceID: "ws_1", Title: "Sprint"})
	require.NoError(t, err)

	cases := []struct {
		name   string
		params CreateActivityParams
	}{
		{
			name: "unknown kind",
			params: CreateActivityParams{
				WorkspaceID: "ws_1", ChallengeID: ch.ID, Title: "a",
				RewardKind: RewardKind("cashback"),
			},
		},
		{
			name: "points without amount",
			params: CreateActivityParams{
				WorkspaceID: "ws_1", ChallengeID: ch.ID, Title: "a",
				RewardKind: RewardPoints,
			},
		},
		{
			name: "monetary with bad currency",
			params: CreateActivityParams{
				WorkspaceID: "ws_1", ChallengeID: ch.ID, Title: "a",
				RewardKind: RewardMonetary, RewardAmountMinor: 1000, RewardCurrency: "usdollar",
			},
		},
		{
			name: "sku without sku",
			params: CreateActivityParams{
				WorkspaceID: "ws_1", ChallengeID: ch.ID, Title: "a",
				RewardKind: RewardSKU,
			},
		},
		{
			name: "invalid eligibility expression",
			params: CreateActivityParams{
				WorkspaceID: "ws_1", ChallengeID: ch.ID, Title: "a",
				RewardKind: RewardPoints, RewardAmountMinor: 50,
				EligibilityExpr: "points >>> 10",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateActivity(ctx, tc.params)
			require.Error(t, err)

			var be *errutil.BaseError
			require.ErrorAs(t, err, &be)
			require.Equal(t, errutil.StatusValidationFailed, be.Code)
		})
	}
}

func TestCreateActivityWithValidRule(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ch, err := svc.CreateChallenge(ctx, CreateChallengeParams{WorkspaceID: "ws_1", Title: "Sprint"})
	require.NoError(t, err)

	act, err := svc.CreateActivity(ctx, CreateActivityParams{
		WorkspaceID:       "ws_1",
		ChallengeID:       ch.ID,
		Title:             "Complete profile",
		RewardKind:        RewardPoints,
		RewardAmountMinor: 50,
		EligibilityExpr:   "points >= 10",
	})
	require.NoError(t, err)
	require.Equal(t, RewardPoints, act.RewardKind)
	require.Equal(t, int64(50), act.RewardAmountMinor)
}

func TestEnrollDuplicate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, "ws_1", "chl_1", "user_1")
	require.NoError(t, err)

	_, err = svc.Enroll(ctx, "ws_1", "chl_1", "user_1")
	require.Error(t, err)

	var be *errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusConflict, be.Code)

	// Same user may enroll in another challenge.
	_, err = svc.Enroll(ctx, "ws_1", "chl_2", "user_1")
	require.NoError(t, err)
}

func TestIsManagerAssigned(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ok, err := svc.IsManagerAssigned(ctx, "ws_1", "chl_1", "mgr_1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.AssignManager(ctx, "ws_1", "chl_1", "mgr_1")
	require.NoError(t, err)

	ok, err = svc.IsManagerAssigned(ctx, "ws_1", "chl_1", "mgr_1")
	require.NoError(t, err)
	require.True(t, ok)

	// Assignment does not leak across workspaces.
	ok, err = svc.IsManagerAssigned(ctx, "ws_2", "chl_1", "mgr_1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateEligibility(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	act := &Activity{EligibilityExpr: "points >= 100"}

	ok, err := svc.EvaluateEligibility(ctx, act, EligibilityAttrs("ws_1", "user_1", "chl_1", "act_1", 150))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.EvaluateEligibility(ctx, act, EligibilityAttrs("ws_1", "user_1", "chl_1", "act_1", 50))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.EvaluateEligibility(ctx, &Activity{}, nil)
	require.NoError(t, err)
	require.True(t, ok)
}
