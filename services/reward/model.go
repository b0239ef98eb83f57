package reward

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Kind string

var (
	KindPoints   Kind = "points"
	KindSKU      Kind = "sku"
	KindMonetary Kind = "monetary"
)

func (k Kind) String() string {
	switch k {
	case KindPoints, KindSKU, KindMonetary:
		return string(k)
	default:
		return ""
	}
}

type Status string

var (
	StatusPending   Status = "PENDING"
	StatusIssued    Status = "ISSUED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) String() string {
	switch s {
	case StatusPending, StatusIssued, StatusFailed, StatusCancelled:
		return string(s)
	default:
		return ""
	}
}

// Terminal statuses accept no further transitions. FAILED is not terminal:
// a late provider success or a retry may still settle it.
func (s Status) Terminal() bool {
	return s == StatusIssued || s == StatusCancelled
}

func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending, StatusFailed:
		return next == StatusIssued || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// RewardIssuance is one ledger entry. Amount is integer minor units (cents
// for monetary, whole points for points); there is no floating point in the
// ledger. Amount, kind and ownership are immutable after creation; only
// status, provider references and the error message move.
type RewardIssuance struct {
	ID                    string         `gorm:"column:id;primaryKey" json:"id"`
	Code                  string         `gorm:"column:code" json:"code"`
	WorkspaceID           string         `gorm:"column:workspace_id;index" json:"workspaceId"`
	UserID                string         `gorm:"column:user_id;index" json:"userId"`
	ChallengeID           *string        `gorm:"column:challenge_id" json:"challengeId,omitempty"`
	ActivityID            *string        `gorm:"column:activity_id" json:"activityId,omitempty"`
	Kind                  Kind           `gorm:"column:kind" json:"kind"`
	AmountMinor           int64          `gorm:"column:amount_minor" json:"amountMinor"`
	Currency              string         `gorm:"column:currency" json:"currency,omitempty"`
	SKU                   string         `gorm:"column:sku" json:"sku,omitempty"`
	Status                Status         `gorm:"column:status;index" json:"status"`
	ProviderTransactionID string         `gorm:"column:provider_transaction_id" json:"providerTransactionId,omitempty"`
	ProviderAdjustmentID  string         `gorm:"column:provider_adjustment_id" json:"providerAdjustmentId,omitempty"`
	ProviderError         *string        `gorm:"column:provider_error" json:"providerError,omitempty"`
	IssuedAt              *time.Time     `gorm:"column:issued_at" json:"issuedAt,omitempty"`
	PreviousHash          string         `gorm:"column:previous_hash" json:"-"`
	Hash                  string         `gorm:"column:hash" json:"-"`
	Metadata              datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt             time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt             time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

type CreateParams struct {
	WorkspaceID string
	UserID      string
	ChallengeID *string
	ActivityID  *string
	Kind        Kind
	AmountMinor int64
	Currency    string
	SKU         string
	Metadata    datatypes.JSON
}

func NewIssuance(id, code string, p CreateParams) *RewardIssuance {
	return &RewardIssuance{
		ID:          id,
		Code:        code,
		WorkspaceID: p.WorkspaceID,
		UserID:      p.UserID,
		ChallengeID: p.ChallengeID,
		ActivityID:  p.ActivityID,
		Kind:        p.Kind,
		AmountMinor: p.AmountMinor,
		Currency:    strings.ToUpper(p.Currency),
		SKU:         p.SKU,
		Status:      StatusPending,
		Metadata:    p.Metadata,
	}
}

// HashFields covers only fields that never change after creation, so status
// transitions do not invalidate the chain.
func (m *RewardIssuance) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"workspace_id":  m.WorkspaceID,
		"user_id":       m.UserID,
		"kind":          string(m.Kind),
		"amount_minor":  fmt.Sprintf("%d", m.AmountMinor),
		"currency":      m.Currency,
		"sku":           m.SKU,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *RewardIssuance) GenerateHash() string {
	fields := m.HashFields()
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}

// ProviderRef carries the provider-side identifiers a settlement event
// attaches to an issuance.
type ProviderRef struct {
	TransactionID string
	AdjustmentID  string
}

type ListParams struct {
	Status Status
	UserID string
	Limit  int
}

type RetryResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type RetrySummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Results   []RetryResult `json:"results"`
}
