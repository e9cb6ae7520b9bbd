package domain

import "time"

// ApprovalSource records who proposed a pending approval.
type ApprovalSource string

const (
	ApprovalSourceDecisionEngine ApprovalSource = "decision_engine"
	ApprovalSourceManual         ApprovalSource = "manual"
)

// PendingApproval is a decision waiting for an operator.
type PendingApproval struct {
	ID          int64          `json:"id"`
	Description string         `json:"description"`
	AmountUSD   float64        `json:"amount_usd"`
	Decision    Decision       `json:"decision"`
	Source      ApprovalSource `json:"source"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	RemindedAt  *time.Time     `json:"reminded_at,omitempty"`
	// Replayable is false when re-executing the stored decision would be
	// unsafe, e.g. a price-sensitive order rehydrated after a restart.
	Replayable bool `json:"replayable"`
}

// Expired reports whether the approval is past its deadline at now.
func (a PendingApproval) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// ReminderDue reports whether the half-life reminder should fire at now.
func (a PendingApproval) ReminderDue(now time.Time) bool {
	if a.RemindedAt != nil {
		return false
	}
	half := a.CreatedAt.Add(a.ExpiresAt.Sub(a.CreatedAt) / 2)
	return !now.Before(half)
}
