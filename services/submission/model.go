package submission

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

var (
	StatusPending         Status = "PENDING"
	StatusManagerApproved Status = "MANAGER_APPROVED"
	StatusNeedsRevision   Status = "NEEDS_REVISION"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
)

func (s Status) String() string {
	switch s {
	case StatusPending, StatusManagerApproved, StatusNeedsRevision, StatusApproved, StatusRejected:
		return string(s)
	default:
		return ""
	}
}

// Terminal statuses accept no further review; this guard is what makes
// reward creation at-most-once per submission.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s Status) ManagerReviewable() bool {
	return s == StatusPending
}

func (s Status) FinalReviewable() bool {
	return s == StatusPending || s == StatusManagerApproved
}

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

type Submission struct {
	ID                string         `gorm:"column:id;primaryKey" json:"id"`
	Code              string         `gorm:"column:code" json:"code"`
	WorkspaceID       string         `gorm:"column:workspace_id;index" json:"workspaceId"`
	UserID            string         `gorm:"column:user_id;index" json:"userId"`
	ChallengeID       string         `gorm:"column:challenge_id;index" json:"challengeId"`
	ActivityID        string         `gorm:"column:activity_id" json:"activityId"`
	EnrollmentID      string         `gorm:"column:enrollment_id" json:"enrollmentId,omitempty"`
	Content           datatypes.JSON `gorm:"column:content" json:"content,omitempty"`
	Status            Status         `gorm:"column:status;index" json:"status"`
	ManagerNotes      string         `gorm:"column:manager_notes" json:"managerNotes,omitempty"`
	ManagerReviewerID string         `gorm:"column:manager_reviewer_id" json:"managerReviewerId,omitempty"`
	ReviewNotes       string         `gorm:"column:review_notes" json:"reviewNotes,omitempty"`
	ReviewerID        string         `gorm:"column:reviewer_id" json:"reviewerId,omitempty"`
	ReviewedAt        *time.Time     `gorm:"column:reviewed_at" json:"reviewedAt,omitempty"`
	PointsAwarded     *int64         `gorm:"column:points_awarded" json:"pointsAwarded,omitempty"`
	RewardIssuanceID  *string        `gorm:"column:reward_issuance_id" json:"rewardIssuanceId,omitempty"`
	RewardIssued      bool           `gorm:"column:reward_issued" json:"rewardIssued"`
	CreatedAt         time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt         time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

type CreateParams struct {
	WorkspaceID  string
	UserID       string
	ChallengeID  string
	ActivityID   string
	EnrollmentID string
	Content      datatypes.JSON
}

type ManagerReviewParams struct {
	Action string
	Notes  string
}

// RewardOverride lets the reviewer attach an explicit reward instead of the
// activity's rule.
type RewardOverride struct {
	Kind        string `json:"kind"`
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
	SKU         string `json:"sku"`
}

type FinalReviewParams struct {
	Status        string
	ReviewNotes   string
	PointsAwarded *int64
	Reward        *RewardOverride
}

type ListParams struct {
	Status Status
	UserID string
	Limit  int
}
