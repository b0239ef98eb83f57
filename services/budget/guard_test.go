package budget

import (
	"context"
	"testing"
	"time"

	"questline-settlement/pkg/errutil"
	"questline-settlement/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func seedAllocation(t *testing.T, db *gorm.DB, id, workspaceID string, challengeID *string, total, issued int64) {
	t.Helper()

	require.NoError(t, db.Create(&BudgetAllocation{
		ID:             id,
		WorkspaceID:    workspaceID,
		ChallengeID:    challengeID,
		AllocatedTotal: total,
		Issued:         issued,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}).Error)
}

func allocation(t *testing.T, db *gorm.DB, id string) BudgetAllocation {
	t.Helper()

	var out BudgetAllocation
	require.NoError(t, db.First(&out, "id = ?", id).Error)
	return out
}

func TestAuthorizeWithinBudget(t *testing.T) {
	db := testutil.NewTestDB(t, &BudgetAllocation{})
	guard := NewGuard()
	ctx := context.Background()

	seedAllocation(t, db, "alloc_1", "ws_1", nil, 100, 0)

	require.NoError(t, guard.Authorize(ctx, db, "ws_1", nil, 60))
	require.Equal(t, int64(60), allocation(t, db, "alloc_1").Issued)

	require.NoError(t, guard.Authorize(ctx, db, "ws_1", nil, 40))
	require.Equal(t, int64(100), allocation(t, db, "alloc_1").Issued)
}

func TestAuthorizeExceedsBudget(t *testing.T) {
	db := testutil.NewTestDB(t, &BudgetAllocation{})
	guard := NewGuard()
	ctx := context.Background()

	seedAllocation(t, db, "alloc_1", "ws_1", nil, 100, 90)

	err := guard.Authorize(ctx, db, "ws_1", nil, 20)
	require.Error(t, err)

	var be *errutil.BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, errutil.StatusUnprocessableEntity, be.Code)

	// A failed reservation leaves the counter untouched.
	require.Equal(t, int64(90), allocation(t, db, "alloc_1").Issued)
}

func TestAuthorizeUnmeteredWorkspace(t *testing.T) {
	db := testutil.NewTestDB(t, &BudgetAllocation{})
	guard := NewGuard()

	require.NoError(t, guard.Authorize(context.Background(), db, "ws_none", nil, 1_000_000))
}

func TestAuthorizePrefersChallengeAllocation(t *testing.T) {
	db := testutil.NewTestDB(t, &BudgetAllocation{})
	guard := NewGuard()
	ctx := context.Background()

	chl := "chl_1"
	seedAllocation(t, db, "alloc_ws", "ws_1", nil, 1000, 0)
	seedAllocation(t, db, "alloc_chl", "ws_1", &chl, 100, 0)

	require.NoError(t, guard.Authorize(ctx, db, "ws_1", &chl, 80))
	require.Equal(t, int64(80), allocation(t, db, "alloc_chl").Issued)
	require.Equal(t, int64(0), allocation(t, db, "alloc_ws").Issued)

	// Challenge allocation exhausted; no silent fallback to the
	// workspace pool.
	err := guard.Authorize(ctx, db, "ws_1", &chl, 80)
	require.Error(t, err)
	require.Equal(t, int64(0), allocation(t, db, "alloc_ws").Issued)
}

func TestAuthorizeFallsBackWhenChallengeUnmetered(t *testing.T) {
	db := testutil.NewTestDB(t, &BudgetAllocation{})
	guard := NewGuard()
	ctx := context.Background()

	chl := "chl_1"
	seedAllocation(t, db, "alloc_ws", "ws_1", nil, 100, 0)

	require.NoError(t, guard.Authorize(ctx, db, "ws_1", &chl, 70))
	require.Equal(t, int64(70), allocation(t, db, "alloc_ws").Issued)
}

func TestReleaseReturnsBudget(t *testing.T) {
	db := testutil.NewTestDB(t, &BudgetAllocation{})
	guard := NewGuard()
	ctx := context.Background()

	chl := "chl_1"
	seedAllocation(t, db, "alloc_chl", "ws_1", &chl, 100, 0)

	require.NoError(t, guard.Authorize(ctx, db, "ws_1", &chl, 100))
	require.NoError(t, guard.Release(ctx, db, "ws_1", &chl, 100))
	require.Equal(t, int64(0), allocation(t, db, "alloc_chl").Issued)

	// Releasing into an unmetered workspace is a no-op.
	require.NoError(t, guard.Release(ctx, db, "ws_none", nil, 50))
}
