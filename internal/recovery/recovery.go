// Package recovery runs once at startup, before any timer starts. It
// restores in-memory state from persistence and repairs drift between the
// ledger and the venues. Each step is isolated: a failure is logged and the
// remaining steps still run.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/metrics"
	"github.com/alanyoungcy/cfoagent/internal/orders"
)

// Step names, in run order.
const (
	StepApprovals = "approvals"
	StepPause     = "pause"
	StepOrders    = "pending_orders"
	StepGhosts    = "ghost_positions"
	StepExposure  = "exposure"
)

// Approvals restores the pending approval set.
type Approvals interface {
	Rehydrate(ctx context.Context) ([]domain.PendingApproval, error)
}

// Pause restores an emergency pause.
type Pause interface {
	Rehydrate(ctx context.Context) (bool, error)
}

// Ledger is what reconciliation reads and repairs.
type Ledger interface {
	orders.PendingOrderSource
	GetOpenPositions(ctx context.Context, strategy domain.Strategy) ([]domain.Position, error)
	GetPositionByExternalID(ctx context.Context, strategy domain.Strategy, externalID string) (domain.Position, error)
	ReopenPosition(ctx context.Context, id string, price, valueUSD float64) error
	SettleRedemption(ctx context.Context, pos domain.Position, venue string, res domain.RedeemResult) (domain.Position, error)
}

// Venues lists the venues to reconcile against.
type Venues interface {
	Enabled() []domain.Venue
}

// ExposureWatcher announces on-chain holdings to the security agent.
type ExposureWatcher interface {
	Watch(ctx context.Context, w domain.ExposureWatch) error
}

// StepResult is the outcome of one recovery step.
type StepResult struct {
	Step    string   `json:"step"`
	Actions []string `json:"actions,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Report is the outcome of a full recovery run.
type Report struct {
	Steps []StepResult `json:"steps"`
}

// Failed reports whether any step failed.
func (r Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Error != "" {
			return true
		}
	}
	return false
}

// Deps groups recovery collaborators. Watcher and Notifier may be nil.
type Deps struct {
	Approvals Approvals
	Pause     Pause
	Tracker   *orders.Tracker
	Ledger    Ledger
	Venues    Venues
	Watcher   ExposureWatcher
	Notifier  domain.Notifier
	// DustUSD is the value below which an unredeemable venue holding is
	// not worth reopening.
	DustUSD float64
}

// Recovery runs the startup steps.
type Recovery struct {
	deps        Deps
	callTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Recovery.
func New(deps Deps, callTimeout time.Duration, logger *slog.Logger) *Recovery {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Recovery{
		deps:        deps,
		callTimeout: callTimeout,
		logger:      logger.With(slog.String("component", "recovery")),
	}
}

// Run executes every step in order and notifies a summary.
func (r *Recovery) Run(ctx context.Context) Report {
	steps := []struct {
		name string
		fn   func(context.Context) ([]string, error)
	}{
		{StepApprovals, r.rehydrateApprovals},
		{StepPause, r.rehydratePause},
		{StepOrders, r.rehydrateOrders},
		{StepGhosts, r.reconcileGhosts},
		{StepExposure, r.registerExposure},
	}

	var report Report
	for _, s := range steps {
		res := StepResult{Step: s.name}
		actions, err := r.runStep(ctx, s.name, s.fn)
		res.Actions = actions
		if err != nil {
			res.Error = err.Error()
			r.logger.ErrorContext(ctx, "recovery step failed",
				slog.String("step", s.name),
				slog.String("error", err.Error()),
			)
		} else {
			r.logger.InfoContext(ctx, "recovery step done",
				slog.String("step", s.name),
				slog.Int("actions", len(actions)),
			)
		}
		metrics.RecordReconcile(s.name, err)
		report.Steps = append(report.Steps, res)
	}
	r.summarize(ctx, report)
	return report
}

// runStep converts a panic inside a step into an error so later steps run.
func (r *Recovery) runStep(ctx context.Context, name string, fn func(context.Context) ([]string, error)) (actions []string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recovery: %s panicked: %v", name, p)
		}
	}()
	return fn(ctx)
}

func (r *Recovery) rehydrateApprovals(ctx context.Context) ([]string, error) {
	if r.deps.Approvals == nil {
		return nil, nil
	}
	survivors, err := r.deps.Approvals.Rehydrate(ctx)
	if err != nil {
		return nil, err
	}
	actions := make([]string, 0, len(survivors))
	for _, a := range survivors {
		actions = append(actions, fmt.Sprintf("approval #%d %s restored", a.ID, a.Decision.Type))
	}
	return actions, nil
}

func (r *Recovery) rehydratePause(ctx context.Context) ([]string, error) {
	if r.deps.Pause == nil {
		return nil, nil
	}
	paused, err := r.deps.Pause.Rehydrate(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return []string{"emergency pause restored"}, nil
	}
	return nil, nil
}

func (r *Recovery) rehydrateOrders(ctx context.Context) ([]string, error) {
	if r.deps.Tracker == nil {
		return nil, nil
	}
	if _, err := r.deps.Tracker.Rehydrate(ctx, r.deps.Ledger); err != nil {
		return nil, err
	}
	var actions []string
	for _, o := range r.deps.Tracker.List() {
		actions = append(actions, fmt.Sprintf("tracking order %s for %s", o.OrderID, o.PositionID))
	}
	return actions, nil
}

// reconcileGhosts finds holdings the venue still reports for positions the
// ledger has closed. Settled ones are redeemed and closed with the
// settlement amount; the rest are reopened so monitoring resumes. Exit
// orders still mirrored on a reopened position are tracked again, since the
// pending-order step only saw open positions.
func (r *Recovery) reconcileGhosts(ctx context.Context) ([]string, error) {
	var actions []string
	var errs []error
	reopened := make(map[string]bool)

	for _, v := range r.deps.Venues.Enabled() {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		held, err := v.FetchPositions(callCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: fetch positions: %w", v.Name(), err))
			continue
		}
		for _, vp := range held {
			if vp.SizeUnits <= 0 && vp.ValueUSD <= 0 {
				continue
			}
			if !vp.Redeemable && vp.ValueUSD < r.deps.DustUSD {
				continue
			}
			action, err := r.reconcileOne(ctx, v, vp, reopened)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", v.Name(), vp.ExternalID, err))
				continue
			}
			if action != "" {
				actions = append(actions, action)
			}
		}
	}
	if len(reopened) > 0 {
		tracked, err := r.trackReopened(ctx, reopened)
		actions = append(actions, tracked...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return actions, errors.Join(errs...)
}

// trackReopened hands the tracker the pending exit orders of positions that
// were just reopened.
func (r *Recovery) trackReopened(ctx context.Context, reopened map[string]bool) ([]string, error) {
	if r.deps.Tracker == nil {
		return nil, nil
	}
	pending, err := r.deps.Ledger.PendingOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending orders: %w", err)
	}
	var actions []string
	for _, o := range pending {
		if !reopened[o.PositionID] {
			continue
		}
		if _, ok := r.deps.Tracker.Get(o.OrderID); ok {
			continue
		}
		r.deps.Tracker.Track(o)
		actions = append(actions, fmt.Sprintf("tracking order %s for reopened %s", o.OrderID, o.PositionID))
	}
	return actions, nil
}

func (r *Recovery) reconcileOne(ctx context.Context, v domain.Venue, vp domain.VenuePosition, reopened map[string]bool) (string, error) {
	pos, err := r.deps.Ledger.GetPositionByExternalID(ctx, vp.Strategy, vp.ExternalID)
	if errors.Is(err, domain.ErrNotFound) {
		r.logger.WarnContext(ctx, "venue holding unknown to ledger",
			slog.String("venue", v.Name()),
			slog.String("external_id", vp.ExternalID),
			slog.Float64("value_usd", vp.ValueUSD),
		)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !pos.Status.Terminal() {
		return "", nil
	}

	if vp.Resolved && vp.Redeemable {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		res, err := v.RedeemPosition(callCtx, vp)
		cancel()
		if err != nil {
			return "", fmt.Errorf("redeem: %w", err)
		}
		closed, err := r.deps.Ledger.SettleRedemption(ctx, pos, v.Name(), res)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("ghost %s redeemed for $%.2f (realized $%.2f)", pos.ID, res.ProceedsUSD, closed.RealizedPnLUSD), nil
	}

	if err := r.deps.Ledger.ReopenPosition(ctx, pos.ID, vp.Price, vp.ValueUSD); err != nil {
		return "", err
	}
	reopened[pos.ID] = true
	return fmt.Sprintf("ghost %s reopened at $%.2f", pos.ID, vp.ValueUSD), nil
}

// registerExposure re-announces every open on-chain holding. Watch requests
// are idempotent on the receiving side.
func (r *Recovery) registerExposure(ctx context.Context) ([]string, error) {
	if r.deps.Watcher == nil {
		return nil, nil
	}
	open, err := r.deps.Ledger.GetOpenPositions(ctx, "")
	if err != nil {
		return nil, err
	}
	var actions []string
	var errs []error
	for _, p := range open {
		if !p.Strategy.HoldsAsset() {
			continue
		}
		w := domain.ExposureWatch{
			PositionID: p.ID,
			Strategy:   p.Strategy,
			Asset:      p.Asset,
			Chain:      p.Chain,
			ValueUSD:   p.CurrentValueUSD,
		}
		if err := r.deps.Watcher.Watch(ctx, w); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.ID, err))
			continue
		}
		actions = append(actions, fmt.Sprintf("watching %s %s on %s", p.Asset, p.ID, p.Chain))
	}
	return actions, errors.Join(errs...)
}

func (r *Recovery) summarize(ctx context.Context, report Report) {
	if r.deps.Notifier == nil {
		return
	}
	var b strings.Builder
	for _, s := range report.Steps {
		switch {
		case s.Error != "":
			fmt.Fprintf(&b, "%s: FAILED (%s)\n", s.Step, s.Error)
		case len(s.Actions) == 0:
			fmt.Fprintf(&b, "%s: nothing to do\n", s.Step)
		default:
			fmt.Fprintf(&b, "%s:\n", s.Step)
			for _, a := range s.Actions {
				fmt.Fprintf(&b, "  - %s\n", a)
			}
		}
	}
	title := "Startup reconciliation complete"
	if report.Failed() {
		title = "Startup reconciliation finished with errors"
	}
	if err := r.deps.Notifier.Notify(ctx, domain.EventReconcile, title, strings.TrimSpace(b.String())); err != nil {
		r.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}
