// Package scheduler runs the decision cycle: at most one at a time, under a
// lock and a hard timeout, routing each decision to the executor or the
// approval queue and writing an audit record.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/metrics"
)

const (
	// SkippedTraceID marks a cycle rejected because another one held the lock.
	SkippedTraceID = "skipped"
	// PausedTraceID marks a cycle not run because of an emergency pause.
	PausedTraceID = "paused"

	// writeTimeout is the budget, shared by every write of a cycle, for
	// ledger and audit writes that run past the cycle deadline.
	writeTimeout = 30 * time.Second
	// lockGrace must cover writeTimeout so the lease outlives the last write.
	lockGrace = writeTimeout + 30*time.Second
)

// Ledger is the scheduler's view of the ledger.
type Ledger interface {
	PortfolioState(ctx context.Context) (domain.PortfolioState, error)
	Record(ctx context.Context, d domain.Decision, res domain.ExecutionResult) (domain.ExecutionResult, error)
	RefreshDailySnapshot(ctx context.Context) (domain.DailySnapshot, error)
}

// Executor runs AUTO-tier decisions.
type Executor interface {
	Execute(ctx context.Context, d domain.Decision) domain.ExecutionResult
}

// Approvals queues APPROVAL-tier decisions.
type Approvals interface {
	Create(ctx context.Context, description string, amountUSD float64, d domain.Decision, source domain.ApprovalSource) (domain.PendingApproval, bool, error)
	Pending() []domain.PendingApproval
}

// Cooldowns tracks when each decision type may run again.
type Cooldowns interface {
	CooldownUntil(t domain.DecisionType) (time.Time, bool)
	SetCooldown(ctx context.Context, t domain.DecisionType, until time.Time) error
}

// PauseState reports whether the emergency pause is active.
type PauseState interface {
	Paused() bool
}

// Reporter publishes cycle and execution reports to peer agents.
type Reporter interface {
	ReportCycle(ctx context.Context, rec domain.CycleRecord) error
	ReportExecution(ctx context.Context, res domain.ExecutionResult) error
}

// Config controls cycle timing.
type Config struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	Cooldown     time.Duration
	DryRun       bool
}

// Deps groups the scheduler's collaborators. Reporter, Notifier and Pause
// may be nil.
type Deps struct {
	Lock      domain.LockManager
	Ledger    Ledger
	Producer  domain.DecisionProducer
	Intel     domain.IntelSource
	Executor  Executor
	Approvals Approvals
	Cooldowns Cooldowns
	Pause     PauseState
	Audit     domain.CycleStore
	Reporter  Reporter
	Notifier  domain.Notifier
}

// Scheduler owns the decision-cycle timer.
type Scheduler struct {
	deps    Deps
	cfg     Config
	trigger chan struct{}
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Scheduler.
func New(deps Deps, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 5 * time.Minute
	}
	return &Scheduler{
		deps:    deps,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// Run executes a cycle immediately and then on every interval tick or
// Trigger call, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Bool("dry_run", s.cfg.DryRun),
	)
	defer s.logger.Info("scheduler stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case <-s.trigger:
			s.tick(ctx)
		}
	}
}

// Trigger asks Run to start a cycle now. Extra triggers while one is queued
// are dropped.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunCycle(ctx); err != nil {
		s.logger.ErrorContext(ctx, "decision cycle failed", slog.String("error", err.Error()))
	}
}

// RunCycle runs one decision cycle. When another cycle holds the lock it
// returns a record with TraceID "skipped" and does nothing else.
func (s *Scheduler) RunCycle(ctx context.Context) (domain.CycleRecord, error) {
	unlock, err := s.deps.Lock.Acquire(ctx, domain.DecisionCycleLockKey, s.cfg.CycleTimeout+lockGrace)
	if errors.Is(err, domain.ErrLockHeld) {
		metrics.RecordCycle("skipped", 0)
		s.logger.InfoContext(ctx, "decision cycle already running, skipped")
		return domain.CycleRecord{TraceID: SkippedTraceID}, nil
	}
	if err != nil {
		metrics.RecordCycle("failed", 0)
		return domain.CycleRecord{}, fmt.Errorf("scheduler: acquire lock: %w", err)
	}
	defer unlock()

	if s.deps.Pause != nil && s.deps.Pause.Paused() {
		metrics.RecordCycle("paused", 0)
		s.logger.InfoContext(ctx, "agent paused, cycle not run")
		return domain.CycleRecord{TraceID: PausedTraceID}, nil
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()
	deadline, _ := cycleCtx.Deadline()
	writeCtx, cancelWrites := context.WithDeadline(context.WithoutCancel(ctx), deadline.Add(writeTimeout))
	defer cancelWrites()

	rec := domain.CycleRecord{
		TraceID:   uuid.NewString(),
		StartedAt: s.now(),
		DryRun:    s.cfg.DryRun,
	}
	c := &cycle{ctx: cycleCtx, writeCtx: writeCtx, log: s.logger.With(slog.String("trace_id", rec.TraceID))}
	s.decide(c, &rec)
	s.finish(c, &rec)
	return rec, nil
}

// cycle carries the two contexts of a running cycle. ctx ends at the cycle
// deadline. writeCtx is detached from ctx so a late venue answer is still
// booked, and ends writeTimeout after the same deadline.
type cycle struct {
	ctx      context.Context
	writeCtx context.Context
	log      *slog.Logger
}

// decide fills rec with state, intel, decisions and results.
func (s *Scheduler) decide(c *cycle, rec *domain.CycleRecord) {
	ctx, log := c.ctx, c.log
	state, err := s.deps.Ledger.PortfolioState(ctx)
	if err != nil {
		s.degrade(c.writeCtx, rec, fmt.Errorf("portfolio state: %w", err), log)
		return
	}
	if s.deps.Approvals != nil {
		state.PendingApprovals = len(s.deps.Approvals.Pending())
	}
	rec.State = state

	if s.deps.Intel != nil {
		intel, err := s.deps.Intel.Latest(ctx)
		if err != nil {
			log.WarnContext(ctx, "intel unavailable, deciding without it", slog.String("error", err.Error()))
		} else {
			rec.Intel = intel
		}
	}

	decisions, err := s.deps.Producer.Produce(ctx, state, rec.Intel)
	if err != nil {
		s.degrade(c.writeCtx, rec, fmt.Errorf("decision producer: %w", err), log)
		return
	}
	rec.Decisions = decisions

	for i := range decisions {
		d := decisions[i]
		if d.ID == "" {
			d.ID = uuid.NewString()
			rec.Decisions[i].ID = d.ID
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = rec.StartedAt
		}
		res := s.route(c, d)
		rec.Results = append(rec.Results, res)
		metrics.DecisionsTotal.WithLabelValues(string(d.Type), string(d.Tier), string(res.Outcome)).Inc()
	}
}

// degrade marks the cycle as degraded. No decision of this cycle runs.
func (s *Scheduler) degrade(ctx context.Context, rec *domain.CycleRecord, err error, log *slog.Logger) {
	rec.Degraded = true
	rec.Error = err.Error()
	log.ErrorContext(ctx, "decision cycle degraded", slog.String("error", err.Error()))
	s.notify(ctx, domain.EventCycleDegraded, "Decision cycle degraded", err.Error())
}

// route sends one decision to its destination and returns the outcome. The
// pause flag is read again for every decision, so a pause raised while the
// producer ran stops the rest of the cycle.
func (s *Scheduler) route(c *cycle, d domain.Decision) domain.ExecutionResult {
	ctx := c.ctx
	res := domain.ExecutionResult{DecisionID: d.ID, DecisionType: d.Type, Tier: d.Tier}
	log := c.log.With(
		slog.String("decision_id", d.ID),
		slog.String("type", string(d.Type)),
		slog.String("tier", string(d.Tier)),
	)

	if d.Type == domain.DecisionSkip {
		res.Outcome = domain.OutcomeSkipped
		return res
	}
	if until, ok := s.deps.Cooldowns.CooldownUntil(d.Type); ok && s.now().Before(until) {
		log.DebugContext(ctx, "decision type cooling down", slog.Time("until", until))
		res.Outcome = domain.OutcomeCooldown
		return res
	}
	if s.deps.Pause != nil && s.deps.Pause.Paused() {
		log.InfoContext(ctx, "agent paused, decision not routed")
		res.Outcome = domain.OutcomeSkipped
		res.Error = "agent paused"
		return res
	}

	if d.Tier != domain.TierAuto {
		return s.queue(ctx, d, res, log)
	}
	if s.cfg.DryRun {
		log.InfoContext(ctx, "dry run, decision recorded only",
			slog.Float64("impact_usd", d.EstimatedImpactUSD),
		)
		res.Outcome = domain.OutcomeDryRun
		return res
	}
	return s.execute(c, d, log)
}

// queue hands an APPROVAL-tier decision to the approval workflow. Unknown
// tiers are treated as APPROVAL.
func (s *Scheduler) queue(ctx context.Context, d domain.Decision, res domain.ExecutionResult, log *slog.Logger) domain.ExecutionResult {
	desc := d.Reasoning
	if desc == "" {
		desc = string(d.Type)
	}
	a, created, err := s.deps.Approvals.Create(ctx, desc, d.EstimatedImpactUSD, d, domain.ApprovalSourceDecisionEngine)
	if err != nil {
		log.ErrorContext(ctx, "approval create failed", slog.String("error", err.Error()))
		res.Outcome = domain.OutcomeFailed
		res.Error = err.Error()
		return res
	}
	res.Outcome = domain.OutcomePendingApproval
	res.ApprovalID = a.ID
	if !created {
		log.DebugContext(ctx, "decision already awaiting approval", slog.Int64("approval_id", a.ID))
	}
	return res
}

// execute runs an AUTO-tier decision and records it under the cycle's
// write context.
func (s *Scheduler) execute(c *cycle, d domain.Decision, log *slog.Logger) domain.ExecutionResult {
	ctx, writeCtx := c.ctx, c.writeCtx
	res := s.deps.Executor.Execute(ctx, d)

	if res.Attempted() {
		recorded, err := s.deps.Ledger.Record(writeCtx, d, res)
		if err != nil {
			log.ErrorContext(ctx, "ledger write failed", slog.String("error", err.Error()))
			s.notify(writeCtx, domain.EventDecisionFailed,
				"Ledger write failed",
				fmt.Sprintf("%s executed with outcome %s but was not recorded: %v", d.Type, res.Outcome, err))
		} else {
			res = recorded
		}
	}

	if res.Attempted() && res.Outcome != domain.OutcomeFailed && s.cfg.Cooldown > 0 {
		if err := s.deps.Cooldowns.SetCooldown(writeCtx, d.Type, s.now().Add(s.cfg.Cooldown)); err != nil {
			log.WarnContext(ctx, "cooldown not persisted", slog.String("error", err.Error()))
		}
	}

	if s.deps.Reporter != nil {
		if err := s.deps.Reporter.ReportExecution(writeCtx, res); err != nil {
			log.WarnContext(ctx, "execution report failed", slog.String("error", err.Error()))
		}
	}

	switch {
	case res.Outcome == domain.OutcomeFailed:
		s.notify(writeCtx, domain.EventDecisionFailed,
			fmt.Sprintf("%s failed", d.Type),
			fmt.Sprintf("%s\nError: %s", d.Reasoning, res.Error))
	case res.Attempted():
		s.notify(writeCtx, domain.EventDecisionExecuted,
			fmt.Sprintf("%s %s", d.Type, res.Outcome),
			fmt.Sprintf("%s\nVenue: %s\nImpact: $%.2f", d.Reasoning, res.Venue, d.EstimatedImpactUSD))
	}
	return res
}

// finish refreshes the snapshot, writes the audit record and reports.
// Failures here are logged only.
func (s *Scheduler) finish(c *cycle, rec *domain.CycleRecord) {
	ctx, log := c.writeCtx, c.log

	if !rec.Degraded {
		if _, err := s.deps.Ledger.RefreshDailySnapshot(ctx); err != nil {
			log.WarnContext(ctx, "snapshot refresh failed", slog.String("error", err.Error()))
		}
	}

	rec.FinishedAt = s.now()
	rec.Report = Summarize(*rec)

	if s.deps.Audit != nil {
		if err := s.deps.Audit.Append(ctx, *rec); err != nil {
			log.WarnContext(ctx, "cycle audit write failed", slog.String("error", err.Error()))
		}
	}
	if s.deps.Reporter != nil {
		if err := s.deps.Reporter.ReportCycle(ctx, *rec); err != nil {
			log.WarnContext(ctx, "cycle report failed", slog.String("error", err.Error()))
		}
	}

	result := "completed"
	if rec.Degraded {
		result = "degraded"
	}
	metrics.RecordCycle(result, rec.FinishedAt.Sub(rec.StartedAt))
	metrics.PortfolioValue.Set(rec.State.TotalValueUSD)

	log.InfoContext(ctx, "decision cycle finished",
		slog.Int("decisions", len(rec.Decisions)),
		slog.Bool("degraded", rec.Degraded),
		slog.Duration("took", rec.FinishedAt.Sub(rec.StartedAt)),
	)
}

func (s *Scheduler) notify(ctx context.Context, event, title, msg string) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, event, title, msg); err != nil {
		s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}
