package challenge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"questline-settlement/pkg/celengine"
	"questline-settlement/pkg/errutil"
	"questline-settlement/pkg/repository"
	"questline-settlement/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	seq         sequence.Generator
	challenges  repository.Repository[Challenge]
	activities  repository.Repository[Activity]
	enrollments repository.Repository[Enrollment]
	assignments repository.Repository[ChallengeAssignment]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Seq  sequence.Generator
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		seq:         p.Seq,
		challenges:  repository.ProvideStore[Challenge](p.DB),
		activities:  repository.ProvideStore[Activity](p.DB),
		enrollments: repository.ProvideStore[Enrollment](p.DB),
		assignments: repository.ProvideStore[ChallengeAssignment](p.DB),
	}
}

func (s *Service) CreateChallenge(ctx context.Context, params CreateChallengeParams) (*Challenge, error) {
	span := trace.SpanFromContext(ctx)

	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	if params.WorkspaceID == "" {
		return nil, errutil.ValidationFailed("workspace_id is required", nil)
	}

	if params.Title == "" {
		return nil, errutil.ValidationFailed("title is required", nil)
	}

	code, err := s.seq.NextChallengeCode(ctx, params.WorkspaceID)
	if err != nil {
		zapLog.Error("failed to generate challenge code", zap.Error(err))
		return nil, errutil.Internal("failed to generate challenge code", err)
	}

	now := time.Now()
	ch := &Challenge{
		ID:          s.node.Generate().String(),
		WorkspaceID: params.WorkspaceID,
		Code:        code,
		Title:       params.Title,
		Slug:        slug.Make(params.Title),
		Description: params.Description,
		Status:      Active,
		StartsAt:    params.StartsAt,
		EndsAt:      params.EndsAt,
		Metadata:    params.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.challenges.Create(ctx, ch); err != nil {
		zapLog.Error("failed to create challenge", zap.Error(err))
		return nil, errutil.Internal("failed to create challenge", err)
	}

	return ch, nil
}

func (s *Service) GetChallenge(ctx context.Context, workspaceID, id string) (*Challenge, error) {
	ch, err := s.challenges.FindOne(ctx, &Challenge{ID: id, WorkspaceID: workspaceID})
	if err != nil {
		return nil, errutil.Internal("failed to get challenge", err)
	}

	if ch == nil {
		return nil, errutil.NotFound("challenge not found", nil)
	}

	return ch, nil
}

func (s *Service) CreateActivity(ctx context.Context, params CreateActivityParams) (*Activity, error) {
	if params.WorkspaceID == "" || params.ChallengeID == "" {
		return nil, errutil.ValidationFailed("workspace_id and challenge_id are required", nil)
	}

	if params.Title == "" {
		return nil, errutil.ValidationFailed("title is required", nil)
	}

	if params.RewardKind != "" {
		if err := validateRewardRule(params); err != nil {
			return nil, err
		}
	}

	if _, err := s.GetChallenge(ctx, params.WorkspaceID, params.ChallengeID); err != nil {
		return nil, err
	}

	now := time.Now()
	act := &Activity{
		ID:                s.node.Generate().String(),
		WorkspaceID:       params.WorkspaceID,
		ChallengeID:       params.ChallengeID,
		Title:             params.Title,
		RewardKind:        params.RewardKind,
		RewardAmountMinor: params.RewardAmountMinor,
		RewardCurrency:    strings.ToUpper(params.RewardCurrency),
		RewardSKU:         params.RewardSKU,
		EligibilityExpr:   params.EligibilityExpr,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.activities.Create(ctx, act); err != nil {
		zap.L().Error("failed to create activity", zap.Error(err))
		return nil, errutil.Internal("failed to create activity", err)
	}

	return act, nil
}

func validateRewardRule(params CreateActivityParams) error {
	switch params.RewardKind {
	case RewardPoints:
		if params.RewardAmountMinor <= 0 {
			return errutil.ValidationFailed("reward_amount_minor must be positive for points rewards", nil)
		}
	case RewardMonetary:
		if params.RewardAmountMinor <= 0 {
			return errutil.ValidationFailed("reward_amount_minor must be positive for monetary rewards", nil)
		}
		if len(params.RewardCurrency) != 3 {
			return errutil.ValidationFailed("reward_currency must be a 3-letter ISO code", nil)
		}
	case RewardSKU:
		if params.RewardSKU == "" {
			return errutil.ValidationFailed("reward_sku is required for sku rewards", nil)
		}
	default:
		return errutil.ValidationFailed(fmt.Sprintf("unsupported reward kind %q", params.RewardKind), nil)
	}

	if params.EligibilityExpr != "" {
		env, err := celengine.GetOrBuildEnv(EligibilityAttrs(params.WorkspaceID, "", "", "", 0))
		if err != nil {
			return errutil.Internal("failed to build eligibility environment", err)
		}
		if err := celengine.ValidateExpression(env, params.EligibilityExpr); err != nil {
			return errutil.ValidationFailed("invalid eligibility expression", err)
		}
	}

	return nil
}

func (s *Service) GetActivity(ctx context.Context, workspaceID, id string) (*Activity, error) {
	act, err := s.activities.FindOne(ctx, &Activity{ID: id, WorkspaceID: workspaceID})
	if err != nil {
		return nil, errutil.Internal("failed to get activity", err)
	}

	if act == nil {
		return nil, errutil.NotFound("activity not found", nil)
	}

	return act, nil
}

func (s *Service) Enroll(ctx context.Context, workspaceID, challengeID, userID string) (*Enrollment, error) {
	if workspaceID == "" || challengeID == "" || userID == "" {
		return nil, errutil.ValidationFailed("workspace_id, challenge_id and user_id are required", nil)
	}

	exist, err := s.enrollments.FindOne(ctx, &Enrollment{
		WorkspaceID: workspaceID,
		ChallengeID: challengeID,
		UserID:      userID,
	})
	if err != nil {
		return nil, errutil.Internal("failed to check enrollment", err)
	}

	if exist != nil {
		return nil, errutil.Conflict("user already enrolled", nil)
	}

	enr := &Enrollment{
		ID:          s.node.Generate().String(),
		WorkspaceID: workspaceID,
		ChallengeID: challengeID,
		UserID:      userID,
		CreatedAt:   time.Now(),
	}

	if err := s.enrollments.Create(ctx, enr); err != nil {
		return nil, errutil.Internal("failed to create enrollment", err)
	}

	return enr, nil
}

func (s *Service) AssignManager(ctx context.Context, workspaceID, challengeID, managerID string) (*ChallengeAssignment, error) {
	if workspaceID == "" || challengeID == "" || managerID == "" {
		return nil, errutil.ValidationFailed("workspace_id, challenge_id and manager_id are required", nil)
	}

	exist, err := s.assignments.FindOne(ctx, &ChallengeAssignment{
		WorkspaceID: workspaceID,
		ChallengeID: challengeID,
		ManagerID:   managerID,
	})
	if err != nil {
		return nil, errutil.Internal("failed to check assignment", err)
	}

	if exist != nil {
		return nil, errutil.Conflict("manager already assigned", nil)
	}

	asg := &ChallengeAssignment{
		ID:          s.node.Generate().String(),
		WorkspaceID: workspaceID,
		ChallengeID: challengeID,
		ManagerID:   managerID,
		CreatedAt:   time.Now(),
	}

	if err := s.assignments.Create(ctx, asg); err != nil {
		return nil, errutil.Internal("failed to create assignment", err)
	}

	return asg, nil
}

// IsManagerAssigned reports whether the manager holds an assignment for the
// challenge. Submissions use this to gate manager review.
func (s *Service) IsManagerAssigned(ctx context.Context, workspaceID, challengeID, managerID string) (bool, error) {
	asg, err := s.assignments.FindOne(ctx, &ChallengeAssignment{
		WorkspaceID: workspaceID,
		ChallengeID: challengeID,
		ManagerID:   managerID,
	})
	if err != nil {
		return false, errutil.Internal("failed to check assignment", err)
	}

	return asg != nil, nil
}

// EvaluateEligibility runs the activity's CEL eligibility expression against
// the submission context. An empty expression is always eligible.
func (s *Service) EvaluateEligibility(ctx context.Context, act *Activity, attrs map[string]interface{}) (bool, error) {
	if act.EligibilityExpr == "" {
		return true, nil
	}

	env, err := celengine.GetOrBuildEnv(attrs)
	if err != nil {
		return false, errutil.Internal("failed to build eligibility environment", err)
	}

	ok, err := celengine.Evaluate(env, act.EligibilityExpr, attrs)
	if err != nil {
		return false, errutil.UnprocessableEntity("failed to evaluate eligibility expression", err)
	}

	return ok, nil
}

// EligibilityAttrs is the canonical variable set eligibility expressions may
// reference. Validation and evaluation must use the same shape so they share
// one CEL environment.
func EligibilityAttrs(workspaceID, userID, challengeID, activityID string, points int64) map[string]interface{} {
	return map[string]interface{}{
		"points":       points,
		"user_id":      userID,
		"challenge_id": challengeID,
		"activity_id":  activityID,
		"workspace_id": workspaceID,
	}
}
