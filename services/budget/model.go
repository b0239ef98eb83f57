package budget

import (
	"time"
)

// BudgetAllocation caps how many points a workspace (or a single challenge
// within it) may issue. ChallengeID nil means the allocation is
// workspace-wide. Issued only moves through guarded updates.
type BudgetAllocation struct {
	ID             string    `gorm:"column:id;primaryKey" json:"id"`
	WorkspaceID    string    `gorm:"column:workspace_id;index" json:"workspaceId"`
	ChallengeID    *string   `gorm:"column:challenge_id" json:"challengeId,omitempty"`
	AllocatedTotal int64     `gorm:"column:allocated_total" json:"allocatedTotal"`
	Issued         int64     `gorm:"column:issued" json:"issued"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updatedAt"`
}
