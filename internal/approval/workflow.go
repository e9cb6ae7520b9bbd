// Package approval holds APPROVAL-tier decisions until an operator approves
// or rejects them, reminds once at half-life and expires them at their
// deadline. Pending approvals live in the agent-state blob and are persisted
// on every change.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/agentstate"
	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/metrics"
)

const seqCounter = "approval_seq"

var (
	errDuplicate = errors.New("duplicate approval")
	errNoChange  = errors.New("no change")
)

// Executor runs a single decision against its venue.
type Executor interface {
	Execute(ctx context.Context, d domain.Decision) domain.ExecutionResult
}

// Recorder writes an execution result into the ledger.
type Recorder interface {
	Record(ctx context.Context, d domain.Decision, res domain.ExecutionResult) (domain.ExecutionResult, error)
}

// PauseState reports whether the emergency pause is active.
type PauseState interface {
	Paused() bool
}

// Workflow is the approval state machine.
type Workflow struct {
	state    *agentstate.Store
	exec     Executor
	rec      Recorder
	notifier domain.Notifier
	ttl      time.Duration
	pause    PauseState
	lock     domain.LockManager
	lockTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option customizes a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithPause makes Approve refuse to execute while the pause is active.
func WithPause(p PauseState) Option {
	return func(w *Workflow) { w.pause = p }
}

// WithCycleLock runs approval replays under the decision-cycle lock so they
// never overlap a scheduled cycle.
func WithCycleLock(lock domain.LockManager, ttl time.Duration) Option {
	return func(w *Workflow) {
		w.lock = lock
		w.lockTTL = ttl
	}
}

// New creates a Workflow. ttl is the lifetime of each approval.
func New(
	state *agentstate.Store,
	exec Executor,
	rec Recorder,
	notifier domain.Notifier,
	ttl time.Duration,
	logger *slog.Logger,
	opts ...Option,
) *Workflow {
	w := &Workflow{
		state:    state,
		exec:     exec,
		rec:      rec,
		notifier: notifier,
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "approval")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Create queues d for approval. When an approval for the same decision type
// is already pending, nothing is stored and the existing approval is returned
// with created=false.
func (w *Workflow) Create(
	ctx context.Context,
	description string,
	amountUSD float64,
	d domain.Decision,
	source domain.ApprovalSource,
) (domain.PendingApproval, bool, error) {
	now := w.now()
	var out domain.PendingApproval

	st, err := w.state.Update(ctx, func(st *domain.AgentState) error {
		for _, a := range st.PendingApprovals {
			if a.Decision.Type == d.Type && !a.Expired(now) {
				out = a
				return errDuplicate
			}
		}
		out = domain.PendingApproval{
			ID:          agentstate.NextID(st, seqCounter),
			Description: description,
			AmountUSD:   amountUSD,
			Decision:    d,
			Source:      source,
			CreatedAt:   now,
			ExpiresAt:   now.Add(w.ttl),
			Replayable:  true,
		}
		st.PendingApprovals = append(st.PendingApprovals, out)
		return nil
	})
	if errors.Is(err, errDuplicate) {
		metrics.ApprovalEvents.WithLabelValues("deduplicated").Inc()
		w.logger.DebugContext(ctx, "approval already pending",
			slog.Int64("approval_id", out.ID),
			slog.String("type", string(d.Type)),
		)
		return out, false, nil
	}
	if err != nil {
		return domain.PendingApproval{}, false, fmt.Errorf("approval: create: %w", err)
	}
	metrics.ApprovalEvents.WithLabelValues("created").Inc()
	metrics.PendingApprovals.Set(float64(len(st.PendingApprovals)))

	w.logger.InfoContext(ctx, "approval created",
		slog.Int64("approval_id", out.ID),
		slog.String("type", string(d.Type)),
		slog.Float64("amount_usd", amountUSD),
		slog.Time("expires_at", out.ExpiresAt),
	)
	w.notify(ctx, domain.EventApprovalCreated,
		fmt.Sprintf("Approval #%d required", out.ID),
		fmt.Sprintf("%s\nAmount: $%.2f\nType: %s\nExpires in %s", description, amountUSD, d.Type, w.ttl.Round(time.Minute)),
	)
	return out, true, nil
}

// Sweep reminds approvals past their half-life and drops expired ones.
func (w *Workflow) Sweep(ctx context.Context) error {
	now := w.now()
	var reminded, expired []domain.PendingApproval

	st, err := w.state.Update(ctx, func(st *domain.AgentState) error {
		kept := make([]domain.PendingApproval, 0, len(st.PendingApprovals))
		for _, a := range st.PendingApprovals {
			switch {
			case a.Expired(now):
				expired = append(expired, a)
				continue
			case a.ReminderDue(now):
				at := now
				a.RemindedAt = &at
				reminded = append(reminded, a)
			}
			kept = append(kept, a)
		}
		if len(reminded) == 0 && len(expired) == 0 {
			return errNoChange
		}
		st.PendingApprovals = kept
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("approval: sweep: %w", err)
	}
	metrics.PendingApprovals.Set(float64(len(st.PendingApprovals)))

	for _, a := range expired {
		metrics.ApprovalEvents.WithLabelValues("expired").Inc()
		w.logger.InfoContext(ctx, "approval expired", slog.Int64("approval_id", a.ID))
		w.notify(ctx, domain.EventApprovalExpired,
			fmt.Sprintf("Approval #%d expired", a.ID),
			fmt.Sprintf("%s ($%.2f) was not approved in time", a.Description, a.AmountUSD),
		)
	}
	for _, a := range reminded {
		metrics.ApprovalEvents.WithLabelValues("reminded").Inc()
		w.notify(ctx, domain.EventApprovalReminder,
			fmt.Sprintf("Reminder: approval #%d pending", a.ID),
			fmt.Sprintf("%s ($%.2f) expires in %s", a.Description, a.AmountUSD, a.ExpiresAt.Sub(now).Round(time.Minute)),
		)
	}
	return nil
}

// take removes approval id from the pending set and persists the result.
func (w *Workflow) take(ctx context.Context, id int64) (domain.PendingApproval, error) {
	var taken domain.PendingApproval
	st, err := w.state.Update(ctx, func(st *domain.AgentState) error {
		for i, a := range st.PendingApprovals {
			if a.ID == id {
				taken = a
				st.PendingApprovals = append(st.PendingApprovals[:i], st.PendingApprovals[i+1:]...)
				return nil
			}
		}
		return domain.ErrNotFound
	})
	if err != nil {
		return domain.PendingApproval{}, err
	}
	metrics.PendingApprovals.Set(float64(len(st.PendingApprovals)))
	return taken, nil
}

// Approve removes approval id, then executes its decision as AUTO tier and
// records the outcome in the ledger. Approvals restored after a restart for
// price-sensitive decisions are not executed; ErrNotReplayable is returned
// instead. While the agent is paused, or a decision cycle holds the lock,
// Approve fails with ErrPaused or ErrLockHeld and the approval stays pending.
func (w *Workflow) Approve(ctx context.Context, id int64) (domain.ExecutionResult, error) {
	if w.paused() {
		return domain.ExecutionResult{}, fmt.Errorf("approval: approve %d: %w", id, domain.ErrPaused)
	}
	if w.lock != nil {
		unlock, err := w.lock.Acquire(ctx, domain.DecisionCycleLockKey, w.lockTTL)
		if err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("approval: approve %d: %w", id, err)
		}
		defer unlock()
		// A pause may have landed while the lock was held elsewhere.
		if w.paused() {
			return domain.ExecutionResult{}, fmt.Errorf("approval: approve %d: %w", id, domain.ErrPaused)
		}
	}

	now := w.now()
	a, err := w.take(ctx, id)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("approval: approve %d: %w", id, err)
	}
	if a.Expired(now) {
		metrics.ApprovalEvents.WithLabelValues("expired").Inc()
		w.notify(ctx, domain.EventApprovalExpired,
			fmt.Sprintf("Approval #%d expired", a.ID),
			fmt.Sprintf("%s expired before it was approved", a.Description),
		)
		return domain.ExecutionResult{}, fmt.Errorf("approval: approve %d: expired: %w", id, domain.ErrNotFound)
	}

	d := a.Decision
	d.Tier = domain.TierAuto

	if !a.Replayable {
		w.logger.WarnContext(ctx, "approval is not replayable",
			slog.Int64("approval_id", a.ID),
			slog.String("type", string(d.Type)),
		)
		w.notify(ctx, domain.EventApprovalWarning,
			fmt.Sprintf("Approval #%d NOT executed", a.ID),
			fmt.Sprintf("%s was queued before a restart and depends on market prices. Re-evaluate and re-submit instead.", a.Description),
		)
		return domain.ExecutionResult{
			DecisionID:   d.ID,
			DecisionType: d.Type,
			Tier:         d.Tier,
			Outcome:      domain.OutcomeNotReplayable,
			ApprovalID:   a.ID,
			Error:        domain.ErrNotReplayable.Error(),
		}, fmt.Errorf("approval: approve %d: %w", id, domain.ErrNotReplayable)
	}

	res := w.exec.Execute(ctx, d)
	res.ApprovalID = a.ID
	res, err = w.rec.Record(ctx, d, res)
	metrics.ApprovalEvents.WithLabelValues("approved").Inc()
	if err != nil {
		w.notify(ctx, domain.EventDecisionFailed,
			fmt.Sprintf("Approval #%d executed, ledger write failed", a.ID),
			fmt.Sprintf("%s\nOutcome: %s\nError: %v", a.Description, res.Outcome, err),
		)
		return res, fmt.Errorf("approval: approve %d: %w", id, err)
	}

	w.logger.InfoContext(ctx, "approval executed",
		slog.Int64("approval_id", a.ID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("tx_id", res.TxID),
	)
	msg := fmt.Sprintf("%s\nOutcome: %s", a.Description, res.Outcome)
	if res.Error != "" {
		msg += "\nError: " + res.Error
	}
	w.notify(ctx, domain.EventApprovalApproved, fmt.Sprintf("Approval #%d approved", a.ID), msg)
	return res, nil
}

func (w *Workflow) paused() bool {
	return w.pause != nil && w.pause.Paused()
}

// Reject removes approval id without executing it.
func (w *Workflow) Reject(ctx context.Context, id int64, reason string) error {
	a, err := w.take(ctx, id)
	if err != nil {
		return fmt.Errorf("approval: reject %d: %w", id, err)
	}
	metrics.ApprovalEvents.WithLabelValues("rejected").Inc()
	w.logger.InfoContext(ctx, "approval rejected",
		slog.Int64("approval_id", a.ID),
		slog.String("reason", reason),
	)
	msg := a.Description
	if reason != "" {
		msg += "\nReason: " + reason
	}
	w.notify(ctx, domain.EventApprovalRejected, fmt.Sprintf("Approval #%d rejected", a.ID), msg)
	return nil
}

// Pending returns the approvals that have not expired yet.
func (w *Workflow) Pending() []domain.PendingApproval {
	now := w.now()
	st := w.state.Snapshot()
	out := make([]domain.PendingApproval, 0, len(st.PendingApprovals))
	for _, a := range st.PendingApprovals {
		if !a.Expired(now) {
			out = append(out, a)
		}
	}
	return out
}

// Rehydrate prepares approvals restored from the agent-state blob. Expired
// ones are dropped. Price-sensitive decisions are marked non-replayable. It
// returns the approvals that survived.
func (w *Workflow) Rehydrate(ctx context.Context) ([]domain.PendingApproval, error) {
	now := w.now()
	var survivors, dropped []domain.PendingApproval

	_, err := w.state.Update(ctx, func(st *domain.AgentState) error {
		kept := make([]domain.PendingApproval, 0, len(st.PendingApprovals))
		for _, a := range st.PendingApprovals {
			if a.Expired(now) {
				dropped = append(dropped, a)
				continue
			}
			if spec, ok := a.Decision.Type.Spec(); !ok || spec.PriceSensitive {
				a.Replayable = false
			}
			kept = append(kept, a)
		}
		st.PendingApprovals = kept
		survivors = kept
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("approval: rehydrate: %w", err)
	}
	metrics.PendingApprovals.Set(float64(len(survivors)))

	if len(survivors) == 0 && len(dropped) == 0 {
		return nil, nil
	}
	var b strings.Builder
	for _, a := range survivors {
		mode := "replayable"
		if !a.Replayable {
			mode = "not replayable"
		}
		fmt.Fprintf(&b, "#%d %s ($%.2f), %s left, %s\n",
			a.ID, a.Decision.Type, a.AmountUSD, a.ExpiresAt.Sub(now).Round(time.Minute), mode)
	}
	for _, a := range dropped {
		fmt.Fprintf(&b, "#%d %s expired during downtime\n", a.ID, a.Decision.Type)
	}
	w.logger.InfoContext(ctx, "approvals rehydrated",
		slog.Int("restored", len(survivors)),
		slog.Int("dropped", len(dropped)),
	)
	w.notify(ctx, domain.EventReconcile,
		fmt.Sprintf("Restored %d pending approval(s)", len(survivors)),
		strings.TrimSpace(b.String()),
	)
	return survivors, nil
}

// Run sweeps on every tick until ctx is cancelled.
func (w *Workflow) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.ErrorContext(ctx, "approval sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Workflow) notify(ctx context.Context, event, title, msg string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Notify(ctx, event, title, msg); err != nil {
		w.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
