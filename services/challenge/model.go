package challenge

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

var (
	Draft    Status = "draft"
	Active   Status = "active"
	Archived Status = "archived"
)

func (s Status) String() string {
	switch s {
	case Draft, Active, Archived:
		return string(s)
	default:
		return ""
	}
}

type RewardKind string

var (
	RewardPoints   RewardKind = "points"
	RewardSKU      RewardKind = "sku"
	RewardMonetary RewardKind = "monetary"
)

func (k RewardKind) String() string {
	switch k {
	case RewardPoints, RewardSKU, RewardMonetary:
		return string(k)
	default:
		return ""
	}
}

type Challenge struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	WorkspaceID string         `gorm:"column:workspace_id;index" json:"workspaceId"`
	Code        string         `gorm:"column:code" json:"code"`
	Title       string         `gorm:"column:title" json:"title"`
	Slug        string         `gorm:"column:slug" json:"slug"`
	Description string         `gorm:"column:description" json:"description,omitempty"`
	Status      Status         `gorm:"column:status" json:"status"`
	StartsAt    *time.Time     `gorm:"column:starts_at" json:"startsAt,omitempty"`
	EndsAt      *time.Time     `gorm:"column:ends_at" json:"endsAt,omitempty"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

// Activity is a unit of work inside a challenge. Its reward rule describes
// what an approved submission earns; EligibilityExpr is an optional CEL
// expression gated on the submission context.
type Activity struct {
	ID                string     `gorm:"column:id;primaryKey" json:"id"`
	WorkspaceID       string     `gorm:"column:workspace_id;index" json:"workspaceId"`
	ChallengeID       string     `gorm:"column:challenge_id;index" json:"challengeId"`
	Title             string     `gorm:"column:title" json:"title"`
	RewardKind        RewardKind `gorm:"column:reward_kind" json:"rewardKind,omitempty"`
	RewardAmountMinor int64      `gorm:"column:reward_amount_minor" json:"rewardAmountMinor,omitempty"`
	RewardCurrency    string     `gorm:"column:reward_currency" json:"rewardCurrency,omitempty"`
	RewardSKU         string     `gorm:"column:reward_sku" json:"rewardSku,omitempty"`
	EligibilityExpr   string     `gorm:"column:eligibility_expr" json:"eligibilityExpr,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt         time.Time  `gorm:"column:updated_at" json:"updatedAt"`
}

type Enrollment struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	WorkspaceID string    `gorm:"column:workspace_id;uniqueIndex:idx_enrollments_scope" json:"workspaceId"`
	ChallengeID string    `gorm:"column:challenge_id;uniqueIndex:idx_enrollments_scope" json:"challengeId"`
	UserID      string    `gorm:"column:user_id;uniqueIndex:idx_enrollments_scope" json:"userId"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"createdAt"`
}

// ChallengeAssignment binds a manager to a challenge. Manager review is only
// accepted from an assigned manager.
type ChallengeAssignment struct {
	ID          string    `gorm:"column:id;primaryKey" json:"id"`
	WorkspaceID string    `gorm:"column:workspace_id;uniqueIndex:idx_assignments_scope" json:"workspaceId"`
	ChallengeID string    `gorm:"column:challenge_id;uniqueIndex:idx_assignments_scope" json:"challengeId"`
	ManagerID   string    `gorm:"column:manager_id;uniqueIndex:idx_assignments_scope" json:"managerId"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"createdAt"`
}

type CreateChallengeParams struct {
	WorkspaceID string
	Title       string
	Description string
	StartsAt    *time.Time
	EndsAt      *time.Time
	Metadata    datatypes.JSON
}

type CreateActivityParams struct {
	WorkspaceID       string
	ChallengeID       string
	Title             string
	RewardKind        RewardKind
	RewardAmountMinor int64
	RewardCurrency    string
	RewardSKU         string
	EligibilityExpr   string
}
