package workspace

import (
	"time"
)

type Status string

var (
	Active    Status = "active"
	Suspended Status = "suspended"
	Archived  Status = "archived"
)

func (s Status) String() string {
	switch s {
	case Active, Suspended, Archived:
		return string(s)
	default:
		return ""
	}
}

// Workspace is the tenant boundary. Identity and membership live in the
// upstream auth layer; this record only anchors foreign keys and scoping.
type Workspace struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	Name      string    `gorm:"column:name" json:"name"`
	Slug      string    `gorm:"column:slug;uniqueIndex" json:"slug"`
	Status    Status    `gorm:"column:status" json:"status"`
	CreatedAt time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

type CreateWorkspaceParams struct {
	Name string
	Slug string
}
