package budget

import (
	"context"

	"questline-settlement/pkg/errutil"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Guard authorizes point issuance against configured allocations. Authorize
// runs inside the caller's transaction so the reservation commits or rolls
// back together with the issuance row.
type Guard interface {
	// Authorize reserves amount against the challenge allocation when one
	// exists, otherwise against the workspace-wide allocation. A workspace
	// with no allocations is unmetered and always authorized.
	Authorize(ctx context.Context, tx *gorm.DB, workspaceID string, challengeID *string, amount int64) error

	// Release returns amount to the allocation it was reserved from. Used
	// when a pending issuance is cancelled.
	Release(ctx context.Context, tx *gorm.DB, workspaceID string, challengeID *string, amount int64) error
}

type gormGuard struct{}

func NewGuard() Guard {
	return &gormGuard{}
}

func (g *gormGuard) Authorize(ctx context.Context, tx *gorm.DB, workspaceID string, challengeID *string, amount int64) error {
	if amount <= 0 {
		return errutil.ValidationFailed("amount must be positive", nil)
	}

	if challengeID != nil {
		ok, exists, err := reserve(ctx, tx, workspaceID, amount,
			"challenge_id = ?", *challengeID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if exists {
			return errutil.UnprocessableEntity("challenge reward budget exceeded", nil)
		}
		// No challenge allocation, fall through to workspace-wide.
	}

	ok, exists, err := reserve(ctx, tx, workspaceID, amount,
		"challenge_id IS NULL")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if exists {
		return errutil.UnprocessableEntity("workspace reward budget exceeded", nil)
	}

	return nil
}

// reserve attempts a guarded increment of issued. Returns whether the
// reservation succeeded and whether a matching allocation row exists at all.
func reserve(ctx context.Context, tx *gorm.DB, workspaceID string, amount int64, scope string, args ...interface{}) (bool, bool, error) {
	res := tx.WithContext(ctx).Model(&BudgetAllocation{}).
		Where("workspace_id = ?", workspaceID).
		Where(scope, args...).
		Where("allocated_total - issued >= ?", amount).
		Update("issued", gorm.Expr("issued + ?", amount))
	if res.Error != nil {
		return false, false, errutil.Internal("failed to reserve budget", res.Error)
	}

	if res.RowsAffected > 0 {
		return true, true, nil
	}

	var count int64
	if err := tx.WithContext(ctx).Model(&BudgetAllocation{}).
		Where("workspace_id = ?", workspaceID).
		Where(scope, args...).
		Count(&count).Error; err != nil {
		return false, false, errutil.Internal("failed to check budget allocation", err)
	}

	return false, count > 0, nil
}

func (g *gormGuard) Release(ctx context.Context, tx *gorm.DB, workspaceID string, challengeID *string, amount int64) error {
	if amount <= 0 {
		return nil
	}

	// Mirror Authorize: the challenge allocation first, then the
	// workspace-wide one the reservation may have fallen through to.
	if challengeID != nil {
		ok, err := restore(ctx, tx, workspaceID, amount, "challenge_id = ?", *challengeID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	ok, err := restore(ctx, tx, workspaceID, amount, "challenge_id IS NULL")
	if err != nil {
		return err
	}

	if !ok {
		// Nothing reserved here (unmetered workspace or already drained).
		zap.L().Debug("budget release matched no allocation",
			zap.String("workspace_id", workspaceID),
			zap.Int64("amount", amount),
		)
	}

	return nil
}

func restore(ctx context.Context, tx *gorm.DB, workspaceID string, amount int64, scope string, args ...interface{}) (bool, error) {
	res := tx.WithContext(ctx).Model(&BudgetAllocation{}).
		Where("workspace_id = ?", workspaceID).
		Where(scope, args...).
		Where("issued >= ?", amount).
		Update("issued", gorm.Expr("issued - ?", amount))
	if res.Error != nil {
		return false, errutil.Internal("failed to release budget", res.Error)
	}

	return res.RowsAffected > 0, nil
}
