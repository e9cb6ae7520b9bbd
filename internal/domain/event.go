package domain

// Notification event names. Operators filter on these in [notify].events.
const (
	EventDecisionExecuted = "decision_executed"
	EventDecisionFailed   = "decision_failed"
	EventApprovalCreated  = "approval_created"
	EventApprovalReminder = "approval_reminder"
	EventApprovalExpired  = "approval_expired"
	EventApprovalApproved = "approval_approved"
	EventApprovalRejected = "approval_rejected"
	EventApprovalWarning  = "approval_not_replayable"
	EventPauseEntered     = "pause_entered"
	EventPauseExited      = "pause_exited"
	EventReconcile        = "reconcile"
	EventOrderFilled      = "order_filled"
	EventOrderRejected    = "order_rejected"
	EventCycleDegraded    = "cycle_degraded"
	EventDigest           = "daily_digest"
	EventDustCleanup      = "dust_cleanup"
)
