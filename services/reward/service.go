package reward

import (
	"context"
	"fmt"
	"time"

	"questline-settlement/pkg/db/option"
	"questline-settlement/pkg/db/pagination"
	"questline-settlement/pkg/errutil"
	"questline-settlement/pkg/repository"
	"questline-settlement/pkg/sequence"
	"questline-settlement/pkg/task"
	"questline-settlement/services/budget"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db        *gorm.DB
	asynq     task.Enqueuer
	node      *snowflake.Node
	seq       sequence.Generator
	guard     budget.Guard
	issuances repository.Repository[RewardIssuance]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Asynq task.Enqueuer
	Node  *snowflake.Node
	Seq   sequence.Generator
	Guard budget.Guard
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		asynq:     p.Asynq,
		node:      p.Node,
		seq:       p.Seq,
		guard:     p.Guard,
		issuances: repository.ProvideStore[RewardIssuance](p.DB),
	}
}

// Create inserts a PENDING issuance and enqueues its settlement dispatch.
// The dispatch is best-effort: the ledger row commits regardless of whether
// the provider is reachable.
func (s *Service) Create(ctx context.Context, params CreateParams) (*RewardIssuance, error) {
	span := trace.SpanFromContext(ctx)

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	var issuance *RewardIssuance
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)

		var err error
		issuance, err = s.CreateWithTx(ctx, tx, params)
		return err
	}); err != nil {
		zapLog.Error("failed to create reward issuance", zap.Error(err))
		return nil, err
	}

	s.Dispatch(ctx, issuance)

	return issuance, nil
}

// CreateWithTx inserts the issuance inside the caller's transaction. The
// submission state machine uses this to commit the status flip and the
// ledger entry atomically. The caller owns dispatching after commit.
func (s *Service) CreateWithTx(ctx context.Context, tx *gorm.DB, params CreateParams) (*RewardIssuance, error) {
	if err := validateCreate(params); err != nil {
		return nil, err
	}

	code, err := s.seq.NextIssuanceCode(ctx, params.WorkspaceID)
	if err != nil {
		return nil, errutil.Internal("failed to generate issuance code", err)
	}

	if params.Kind == KindPoints {
		if err := s.guard.Authorize(ctx, tx, params.WorkspaceID, params.ChallengeID, params.AmountMinor); err != nil {
			return nil, err
		}
	}

	lastEntry, err := s.getLastIssuance(tx, ctx, params.WorkspaceID)
	if err != nil {
		return nil, errutil.Internal("failed to read last issuance", err)
	}

	previousHash := "GENESIS"
	if lastEntry != nil {
		previousHash = lastEntry.Hash
	}

	now := time.Now()
	entry := NewIssuance(s.node.Generate().String(), code, params)
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.PreviousHash = previousHash
	entry.Hash = entry.GenerateHash()

	if err := s.issuances.WithTrx(tx).Create(ctx, entry); err != nil {
		return nil, errutil.Internal("failed to create reward issuance", err)
	}

	return entry, nil
}

func validateCreate(params CreateParams) error {
	if params.WorkspaceID == "" || params.UserID == "" {
		return errutil.ValidationFailed("workspace_id and user_id are required", nil)
	}

	switch params.Kind {
	case KindPoints:
		if params.AmountMinor <= 0 {
			return errutil.ValidationFailed("amount_minor must be positive for points issuance", nil)
		}
	case KindMonetary:
		if params.AmountMinor <= 0 {
			return errutil.ValidationFailed("amount_minor must be positive for monetary issuance", nil)
		}
		if len(params.Currency) != 3 {
			return errutil.ValidationFailed("currency must be a 3-letter ISO code", nil)
		}
	case KindSKU:
		if params.SKU == "" {
			return errutil.ValidationFailed("sku is required for sku issuance", nil)
		}
	default:
		return errutil.ValidationFailed(fmt.Sprintf("unsupported reward kind %q", params.Kind), nil)
	}

	return nil
}

func (s *Service) getLastIssuance(tx *gorm.DB, ctx context.Context, workspaceID string) (*RewardIssuance, error) {
	return s.issuances.WithTrx(tx).FindOne(ctx, &RewardIssuance{
		WorkspaceID: workspaceID,
	}, option.WithSortBy(
		option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow: map[string]bool{
				"created_at": true,
			},
		},
	), option.WithLockingUpdate())
}

// Dispatch enqueues the settlement request for a pending issuance. Failures
// are logged and absorbed; the retry sweep or an operator retry picks the
// issuance up later.
func (s *Service) Dispatch(ctx context.Context, issuance *RewardIssuance) {
	t, err := NewDispatchTask(issuance.WorkspaceID, issuance.ID)
	if err != nil {
		zap.L().Warn("failed to build reward dispatch task",
			zap.String("issuance_id", issuance.ID),
			zap.Error(err),
		)
		return
	}

	if _, err := s.asynq.Enqueue(ctx, t); err != nil {
		zap.L().Warn("failed to enqueue reward dispatch",
			zap.String("issuance_id", issuance.ID),
			zap.String("workspace_id", issuance.WorkspaceID),
			zap.Error(err),
		)
	}
}

// MarkIssued settles an issuance. Allowed from PENDING and FAILED; a late
// provider success after an earlier failure still lands.
func (s *Service) MarkIssued(ctx context.Context, workspaceID, id string, ref ProviderRef) (*RewardIssuance, error) {
	var out *RewardIssuance

	err := s.db.Transaction(func(tx *gorm.DB) error {
		repo := s.issuances.WithTrx(tx)

		current, err := repo.FindOne(ctx, &RewardIssuance{ID: id, WorkspaceID: workspaceID}, option.WithLockingUpdate())
		if err != nil {
			return errutil.Internal("failed to load reward issuance", err)
		}
		if current == nil {
			return errutil.NotFound("reward issuance not found", nil)
		}
		if !current.Status.CanTransitionTo(StatusIssued) {
			return errutil.Conflict(fmt.Sprintf("cannot transition issuance from %s to %s", current.Status, StatusIssued), nil)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":         StatusIssued,
			"issued_at":      now,
			"provider_error": nil,
			"updated_at":     now,
		}
		if ref.TransactionID != "" {
			updates["provider_transaction_id"] = ref.TransactionID
		}
		if ref.AdjustmentID != "" {
			updates["provider_adjustment_id"] = ref.AdjustmentID
		}

		if err := repo.Update(ctx, current.ID, updates); err != nil {
			return errutil.Internal("failed to update reward issuance", err)
		}

		current.Status = StatusIssued
		current.IssuedAt = &now
		current.ProviderError = nil
		if ref.TransactionID != "" {
			current.ProviderTransactionID = ref.TransactionID
		}
		if ref.AdjustmentID != "" {
			current.ProviderAdjustmentID = ref.AdjustmentID
		}
		current.UpdatedAt = now
		out = current

		return nil
	})

	return out, err
}

// MarkFailed records a settlement failure. Only the latest error message is
// kept; repeated failures overwrite it.
func (s *Service) MarkFailed(ctx context.Context, workspaceID, id, reason string) (*RewardIssuance, error) {
	var out *RewardIssuance

	err := s.db.Transaction(func(tx *gorm.DB) error {
		repo := s.issuances.WithTrx(tx)

		current, err := repo.FindOne(ctx, &RewardIssuance{ID: id, WorkspaceID: workspaceID}, option.WithLockingUpdate())
		if err != nil {
			return errutil.Internal("failed to load reward issuance", err)
		}
		if current == nil {
			return errutil.NotFound("reward issuance not found", nil)
		}
		if !current.Status.CanTransitionTo(StatusFailed) {
			return errutil.Conflict(fmt.Sprintf("cannot transition issuance from %s to %s", current.Status, StatusFailed), nil)
		}

		now := time.Now()
		if err := repo.Update(ctx, current.ID, map[string]interface{}{
			"status":         StatusFailed,
			"provider_error": reason,
			"updated_at":     now,
		}); err != nil {
			return errutil.Internal("failed to update reward issuance", err)
		}

		current.Status = StatusFailed
		current.ProviderError = &reason
		current.UpdatedAt = now
		out = current

		return nil
	})

	return out, err
}

// Cancel is an administrative reversal of any non-terminal issuance. Points
// reservations go back to the budget allocation in the same transaction.
func (s *Service) Cancel(ctx context.Context, workspaceID, id string) (*RewardIssuance, error) {
	var out *RewardIssuance

	err := s.db.Transaction(func(tx *gorm.DB) error {
		repo := s.issuances.WithTrx(tx)

		current, err := repo.FindOne(ctx, &RewardIssuance{ID: id, WorkspaceID: workspaceID}, option.WithLockingUpdate())
		if err != nil {
			return errutil.Internal("failed to load reward issuance", err)
		}
		if current == nil {
			return errutil.NotFound("reward issuance not found", nil)
		}
		if !current.Status.CanTransitionTo(StatusCancelled) {
			return errutil.Conflict(fmt.Sprintf("cannot cancel issuance in status %s", current.Status), nil)
		}

		if current.Kind == KindPoints {
			if err := s.guard.Release(ctx, tx, workspaceID, current.ChallengeID, current.AmountMinor); err != nil {
				return err
			}
		}

		now := time.Now()
		if err := repo.Update(ctx, current.ID, map[string]interface{}{
			"status":     StatusCancelled,
			"updated_at": now,
		}); err != nil {
			return errutil.Internal("failed to update reward issuance", err)
		}

		current.Status = StatusCancelled
		current.UpdatedAt = now
		out = current

		return nil
	})

	return out, err
}

// RecordProviderAck stores the provider's transaction reference once the
// dispatch is accepted. Status is untouched; settlement arrives by webhook.
func (s *Service) RecordProviderAck(ctx context.Context, workspaceID, id, providerTransactionID string) error {
	if providerTransactionID == "" {
		return nil
	}

	current, err := s.issuances.FindOne(ctx, &RewardIssuance{ID: id, WorkspaceID: workspaceID})
	if err != nil {
		return errutil.Internal("failed to load reward issuance", err)
	}
	if current == nil {
		return errutil.NotFound("reward issuance not found", nil)
	}
	if current.Status.Terminal() {
		return nil
	}

	return s.issuances.Update(ctx, current.ID, map[string]interface{}{
		"provider_transaction_id": providerTransactionID,
		"updated_at":              time.Now(),
	})
}

// RetryIssuances re-enqueues dispatch for FAILED issuances. The ledger row
// stays FAILED until the provider settles it through a webhook; FAILED to
// ISSUED is a legal transition for exactly this path.
func (s *Service) RetryIssuances(ctx context.Context, workspaceID string, ids []string) (*RetrySummary, error) {
	if len(ids) == 0 {
		return nil, errutil.ValidationFailed("reward ids are required", nil)
	}

	summary := &RetrySummary{Total: len(ids), Results: make([]RetryResult, 0, len(ids))}
	for _, id := range ids {
		result := RetryResult{ID: id}

		current, err := s.issuances.FindOne(ctx, &RewardIssuance{ID: id, WorkspaceID: workspaceID})
		switch {
		case err != nil:
			result.Error = "failed to load issuance"
		case current == nil:
			result.Error = "issuance not found"
		case current.Status != StatusFailed:
			result.Error = fmt.Sprintf("issuance in status %s is not retryable", current.Status)
		default:
			t, err := NewDispatchTask(workspaceID, id)
			if err == nil {
				_, err = s.asynq.Enqueue(ctx, t)
			}
			if err != nil {
				result.Error = "failed to enqueue dispatch"
			} else {
				result.Success = true
				summary.Succeeded++
			}
		}

		summary.Results = append(summary.Results, result)
	}

	return summary, nil
}

func (s *Service) Get(ctx context.Context, workspaceID, id string) (*RewardIssuance, error) {
	current, err := s.issuances.FindOne(ctx, &RewardIssuance{ID: id, WorkspaceID: workspaceID})
	if err != nil {
		return nil, errutil.Internal("failed to get reward issuance", err)
	}
	if current == nil {
		return nil, errutil.NotFound("reward issuance not found", nil)
	}

	return current, nil
}

func (s *Service) List(ctx context.Context, workspaceID string, params ListParams) ([]*RewardIssuance, error) {
	query := &RewardIssuance{
		WorkspaceID: workspaceID,
		Status:      params.Status,
		UserID:      params.UserID,
	}

	opts := []option.QueryOption{
		option.ApplyPagination(pagination.Pagination{Limit: params.Limit}),
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow: map[string]bool{
				"created_at": true,
			},
		}),
	}

	return s.issuances.Find(ctx, query, opts...)
}

// PurgeSettled removes old, successfully settled, error-free entries. It is
// operator-triggered housekeeping, never automatic.
func (s *Service) PurgeSettled(ctx context.Context, workspaceID string, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("workspace_id = ? AND status = ? AND provider_error IS NULL AND created_at < ?",
			workspaceID, StatusIssued, olderThan).
		Delete(&RewardIssuance{})
	if res.Error != nil {
		return 0, errutil.Internal("failed to purge settled issuances", res.Error)
	}

	return res.RowsAffected, nil
}
