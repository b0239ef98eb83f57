package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"questline-settlement/pkg/db/option"
	"questline-settlement/pkg/db/pagination"
	"questline-settlement/pkg/errutil"
	"questline-settlement/pkg/middleware"
	"questline-settlement/pkg/repository"
	"questline-settlement/pkg/sequence"
	"questline-settlement/services/challenge"
	"questline-settlement/services/reward"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AssignmentChecker gates manager review on challenge assignment.
type AssignmentChecker interface {
	IsManagerAssigned(ctx context.Context, workspaceID, challengeID, managerID string) (bool, error)
}

// ActivityDirectory resolves activities and their reward rules.
type ActivityDirectory interface {
	GetActivity(ctx context.Context, workspaceID, id string) (*challenge.Activity, error)
	EvaluateEligibility(ctx context.Context, act *challenge.Activity, attrs map[string]interface{}) (bool, error)
}

// RewardLedger creates issuance entries inside the review transaction and
// dispatches them after commit.
type RewardLedger interface {
	CreateWithTx(ctx context.Context, tx *gorm.DB, params reward.CreateParams) (*reward.RewardIssuance, error)
	Dispatch(ctx context.Context, issuance *reward.RewardIssuance)
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	seq         sequence.Generator
	submissions repository.Repository[Submission]
	assignments AssignmentChecker
	activities  ActivityDirectory
	rewards     RewardLedger
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Seq         sequence.Generator
	Assignments AssignmentChecker
	Activities  ActivityDirectory
	Rewards     RewardLedger
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		seq:         p.Seq,
		submissions: repository.ProvideStore[Submission](p.DB),
		assignments: p.Assignments,
		activities:  p.Activities,
		rewards:     p.Rewards,
	}
}

func (s *Service) Create(ctx context.Context, params CreateParams) (*Submission, error) {
	if params.WorkspaceID == "" || params.UserID == "" || params.ChallengeID == "" || params.ActivityID == "" {
		return nil, errutil.ValidationFailed("workspace_id, user_id, challenge_id and activity_id are required", nil)
	}

	act, err := s.activities.GetActivity(ctx, params.WorkspaceID, params.ActivityID)
	if err != nil {
		return nil, err
	}

	if act.ChallengeID != params.ChallengeID {
		return nil, errutil.ValidationFailed("activity does not belong to the challenge", nil)
	}

	code, err := s.seq.NextSubmissionCode(ctx, params.WorkspaceID)
	if err != nil {
		return nil, errutil.Internal("failed to generate submission code", err)
	}

	now := time.Now()
	sub := &Submission{
		ID:           s.node.Generate().String(),
		Code:         code,
		WorkspaceID:  params.WorkspaceID,
		UserID:       params.UserID,
		ChallengeID:  params.ChallengeID,
		ActivityID:   params.ActivityID,
		EnrollmentID: params.EnrollmentID,
		Content:      params.Content,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.submissions.Create(ctx, sub); err != nil {
		zap.L().Error("failed to create submission", zap.Error(err))
		return nil, errutil.Internal("failed to create submission", err)
	}

	return sub, nil
}

// ManagerReview moves a PENDING submission to MANAGER_APPROVED or
// NEEDS_REVISION. Only a manager assigned to the submission's challenge may
// act.
func (s *Service) ManagerReview(ctx context.Context, workspaceID, id string, actor middleware.Actor, params ManagerReviewParams) (*Submission, error) {
	span := trace.SpanFromContext(ctx)

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("submission_id", id),
	)

	var next Status
	switch params.Action {
	case ActionApprove:
		next = StatusManagerApproved
	case ActionReject:
		next = StatusNeedsRevision
	default:
		return nil, errutil.ValidationFailed(fmt.Sprintf("invalid action %q", params.Action), nil)
	}

	if actor.ID == "" {
		return nil, errutil.Forbidden("manager identity is required", nil)
	}

	sub, err := s.submissions.FindOne(ctx, &Submission{ID: id, WorkspaceID: workspaceID})
	if err != nil {
		return nil, errutil.Internal("failed to load submission", err)
	}
	if sub == nil {
		return nil, errutil.NotFound("submission not found", nil)
	}

	assigned, err := s.assignments.IsManagerAssigned(ctx, workspaceID, sub.ChallengeID, actor.ID)
	if err != nil {
		return nil, err
	}
	if !assigned {
		return nil, errutil.Forbidden("manager is not assigned to this challenge", nil)
	}

	var out *Submission
	err = s.db.Transaction(func(tx *gorm.DB) error {
		repo := s.submissions.WithTrx(tx)

		current, err := repo.FindOne(ctx, &Submission{ID: id, WorkspaceID: workspaceID}, option.WithLockingUpdate())
		if err != nil {
			return errutil.Internal("failed to load submission", err)
		}
		if current == nil {
			return errutil.NotFound("submission not found", nil)
		}
		if !current.Status.ManagerReviewable() {
			return errutil.Conflict("submission already reviewed", nil)
		}

		now := time.Now()
		if err := repo.Update(ctx, current.ID, map[string]interface{}{
			"status":              next,
			"manager_notes":       params.Notes,
			"manager_reviewer_id": actor.ID,
			"updated_at":          now,
		}); err != nil {
			return errutil.Internal("failed to update submission", err)
		}

		current.Status = next
		current.ManagerNotes = params.Notes
		current.ManagerReviewerID = actor.ID
		current.UpdatedAt = now
		out = current

		return nil
	})
	if err != nil {
		return nil, err
	}

	zapLog.Info("submission manager-reviewed",
		zap.String("action", params.Action),
		zap.String("status", string(out.Status)),
	)

	return out, nil
}

// FinalReview settles a submission. On APPROVED with a reward attached, the
// ledger entry is created in the same transaction as the status flip, so a
// submission can never yield two issuances: any re-review hits the terminal
// status guard first.
func (s *Service) FinalReview(ctx context.Context, workspaceID, id string, actor middleware.Actor, params FinalReviewParams) (*Submission, *reward.RewardIssuance, error) {
	span := trace.SpanFromContext(ctx)

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("submission_id", id),
	)

	next := Status(params.Status)
	if next != StatusApproved && next != StatusRejected {
		return nil, nil, errutil.ValidationFailed(fmt.Sprintf("invalid status %q", params.Status), nil)
	}

	if actor.Role != middleware.RoleAdmin {
		return nil, nil, errutil.Forbidden("admin role is required for final review", nil)
	}

	// Resolve the reward before the transaction opens: the activity lookup
	// and eligibility evaluation run on their own connection and must not
	// run while this goroutine holds one. The reward rule derives only from
	// immutable submission fields, so a concurrent reviewer cannot change
	// the outcome; the row-locked status re-check below is what keeps
	// issuance at-most-once.
	pre, err := s.submissions.FindOne(ctx, &Submission{ID: id, WorkspaceID: workspaceID})
	if err != nil {
		return nil, nil, errutil.Internal("failed to load submission", err)
	}
	if pre == nil {
		return nil, nil, errutil.NotFound("submission not found", nil)
	}
	if !pre.Status.FinalReviewable() {
		return nil, nil, errutil.Conflict("submission already reviewed", nil)
	}

	var rewardParams *reward.CreateParams
	if next == StatusApproved && !pre.RewardIssued {
		rewardParams, err = s.resolveReward(ctx, pre, params)
		if err != nil {
			return nil, nil, err
		}
	}

	var (
		out      *Submission
		issuance *reward.RewardIssuance
	)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)
		repo := s.submissions.WithTrx(tx)

		current, err := repo.FindOne(ctx, &Submission{ID: id, WorkspaceID: workspaceID}, option.WithLockingUpdate())
		if err != nil {
			return errutil.Internal("failed to load submission", err)
		}
		if current == nil {
			return errutil.NotFound("submission not found", nil)
		}
		if !current.Status.FinalReviewable() {
			return errutil.Conflict("submission already reviewed", nil)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":       next,
			"review_notes": params.ReviewNotes,
			"reviewer_id":  actor.ID,
			"reviewed_at":  now,
			"updated_at":   now,
		}

		if next == StatusApproved && !current.RewardIssued && rewardParams != nil {
			issuance, err = s.rewards.CreateWithTx(ctx, tx, *rewardParams)
			if err != nil {
				return err
			}

			updates["reward_issuance_id"] = issuance.ID
			updates["reward_issued"] = true
			if issuance.Kind == reward.KindPoints {
				updates["points_awarded"] = issuance.AmountMinor
			}
		}

		if err := repo.Update(ctx, current.ID, updates); err != nil {
			return errutil.Internal("failed to update submission", err)
		}

		current.Status = next
		current.ReviewNotes = params.ReviewNotes
		current.ReviewerID = actor.ID
		current.ReviewedAt = &now
		current.UpdatedAt = now
		if issuance != nil {
			current.RewardIssuanceID = &issuance.ID
			current.RewardIssued = true
			if issuance.Kind == reward.KindPoints {
				awarded := issuance.AmountMinor
				current.PointsAwarded = &awarded
			}
		}
		out = current

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if issuance != nil {
		s.rewards.Dispatch(ctx, issuance)
	}

	zapLog.Info("submission finalized",
		zap.String("status", string(out.Status)),
		zap.Bool("reward_issued", out.RewardIssued),
	)

	return out, issuance, nil
}

// resolveReward picks what an approval pays out: an explicit reward override
// first, then explicit points, then the activity's reward rule gated by its
// eligibility expression. Nil means approval without a reward.
func (s *Service) resolveReward(ctx context.Context, sub *Submission, params FinalReviewParams) (*reward.CreateParams, error) {
	challengeID := sub.ChallengeID
	activityID := sub.ActivityID

	base := reward.CreateParams{
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		ChallengeID: &challengeID,
		ActivityID:  &activityID,
	}

	if params.Reward != nil {
		base.Kind = reward.Kind(params.Reward.Kind)
		base.AmountMinor = params.Reward.AmountMinor
		base.Currency = params.Reward.Currency
		base.SKU = params.Reward.SKU
		return &base, nil
	}

	if params.PointsAwarded != nil {
		if *params.PointsAwarded <= 0 {
			return nil, errutil.ValidationFailed("pointsAwarded must be positive", nil)
		}
		base.Kind = reward.KindPoints
		base.AmountMinor = *params.PointsAwarded
		return &base, nil
	}

	act, err := s.activities.GetActivity(ctx, sub.WorkspaceID, sub.ActivityID)
	if err != nil {
		var be *errutil.BaseError
		if errors.As(err, &be) && be.Code == errutil.StatusNotFound {
			// The activity is gone; approve without a reward.
			return nil, nil
		}
		return nil, err
	}

	if act.RewardKind == "" {
		return nil, nil
	}

	attrs := challenge.EligibilityAttrs(sub.WorkspaceID, sub.UserID, sub.ChallengeID, sub.ActivityID, act.RewardAmountMinor)
	eligible, err := s.activities.EvaluateEligibility(ctx, act, attrs)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, nil
	}

	base.Kind = reward.Kind(act.RewardKind)
	base.AmountMinor = act.RewardAmountMinor
	base.Currency = act.RewardCurrency
	base.SKU = act.RewardSKU
	return &base, nil
}

func (s *Service) Get(ctx context.Context, workspaceID, id string) (*Submission, error) {
	sub, err := s.submissions.FindOne(ctx, &Submission{ID: id, WorkspaceID: workspaceID})
	if err != nil {
		return nil, errutil.Internal("failed to get submission", err)
	}
	if sub == nil {
		return nil, errutil.NotFound("submission not found", nil)
	}

	return sub, nil
}

func (s *Service) List(ctx context.Context, workspaceID string, params ListParams) ([]*Submission, error) {
	query := &Submission{
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

	return s.submissions.Find(ctx, query, opts...)
}
