// Package pause implements the emergency stop: exit everything, hold the
// agent paused for a cooldown, then resume on a timer that survives restarts.
package pause

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/agentstate"
	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/metrics"
)

// Venues lists the venues an emergency exit sweeps.
type Venues interface {
	Enabled() []domain.Venue
}

// Ledger is what the controller books exits through.
type Ledger interface {
	GetPositionByExternalID(ctx context.Context, strategy domain.Strategy, externalID string) (domain.Position, error)
	SettleExitOrder(ctx context.Context, order domain.PendingOrder, rep domain.OrderStatusReport) (domain.Position, error)
	TrackExitOrder(ctx context.Context, order domain.PendingOrder) error
}

// ExitReport summarizes an emergency exit.
type ExitReport struct {
	Venues      int       `json:"venues"`
	Exited      int       `json:"exited"`
	Resting     int       `json:"resting"`
	Failed      int       `json:"failed"`
	Errors      []string  `json:"errors,omitempty"`
	PausedUntil time.Time `json:"paused_until"`
}

// Controller owns the RUNNING / PAUSED state.
type Controller struct {
	state       *agentstate.Store
	venues      Venues
	ledger      Ledger
	notifier    domain.Notifier
	cooldown    time.Duration
	callTimeout time.Duration
	dustUSD     float64
	now         func() time.Time
	logger      *slog.Logger

	mu     sync.Mutex
	paused bool
	until  time.Time
	reason string
	timer  *time.Timer
	gen    uint64
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithDust skips holdings worth less than usd during an emergency exit.
func WithDust(usd float64) Option {
	return func(c *Controller) { c.dustUSD = usd }
}

// WithCallTimeout bounds each venue call during an emergency exit.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Controller) { c.callTimeout = d }
}

// New creates a Controller. cooldown is how long an emergency pause lasts.
func New(
	state *agentstate.Store,
	venues Venues,
	ledger Ledger,
	notifier domain.Notifier,
	cooldown time.Duration,
	logger *slog.Logger,
	opts ...Option,
) *Controller {
	c := &Controller{
		state:       state,
		venues:      venues,
		ledger:      ledger,
		notifier:    notifier,
		cooldown:    cooldown,
		callTimeout: 30 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With(slog.String("component", "pause")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Paused reports whether decision cycles are suspended.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Until returns the auto-resume deadline, zero when running.
func (c *Controller) Until() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.until
}

// Reason returns why the agent is paused.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Pause suspends decision cycles for the cooldown without touching open
// positions.
func (c *Controller) Pause(ctx context.Context, reason string) (time.Time, error) {
	c.enter(reason)
	until, err := c.persist(ctx, reason)
	if err != nil {
		return time.Time{}, err
	}
	c.notify(ctx, domain.EventPauseEntered, "Agent paused",
		fmt.Sprintf("Reason: %s\nAuto-resume at %s", reason, until.Format(time.RFC3339)))
	return until, nil
}

// EmergencyExit pauses immediately, then asks every enabled venue to exit
// every holding. Per-venue failures are collected and do not stop the
// sweep. The pause deadline is persisted and a resume timer armed.
func (c *Controller) EmergencyExit(ctx context.Context, reason string) (ExitReport, error) {
	c.enter(reason)
	c.logger.WarnContext(ctx, "emergency exit started", slog.String("reason", reason))

	report, exitErr := c.exitAll(ctx)

	until, err := c.persist(ctx, reason)
	if err != nil {
		return report, errors.Join(exitErr, err)
	}
	report.PausedUntil = until

	var b strings.Builder
	fmt.Fprintf(&b, "Reason: %s\nVenues: %d, exited: %d, resting: %d, failed: %d\nAuto-resume at %s",
		reason, report.Venues, report.Exited, report.Resting, report.Failed, until.Format(time.RFC3339))
	for _, e := range report.Errors {
		b.WriteString("\n- " + e)
	}
	c.notify(ctx, domain.EventPauseEntered, "EMERGENCY EXIT", b.String())
	return report, exitErr
}

func (c *Controller) enter(reason string) {
	c.mu.Lock()
	c.paused = true
	c.reason = reason
	c.mu.Unlock()
	metrics.SetPaused(true)
}

// persist writes the deadline and arms the resume timer.
func (c *Controller) persist(ctx context.Context, reason string) (time.Time, error) {
	until := c.now().Add(c.cooldown)
	_, err := c.state.Update(ctx, func(st *domain.AgentState) error {
		st.EmergencyPausedUntil = &until
		st.PauseReason = reason
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("pause: persist: %w", err)
	}
	c.arm(until, c.cooldown)
	return until, nil
}

func (c *Controller) exitAll(ctx context.Context) (ExitReport, error) {
	venues := c.venues.Enabled()
	report := ExitReport{Venues: len(venues)}
	var errs []error

	for _, v := range venues {
		fetchCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		held, err := v.FetchPositions(fetchCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: fetch positions: %w", v.Name(), err))
			report.Failed++
			continue
		}
		for _, vp := range held {
			if vp.SizeUnits <= 0 || vp.ValueUSD < c.dustUSD {
				continue
			}
			if err := c.exitOne(ctx, v, vp, &report); err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", v.Name(), vp.ExternalID, err))
				report.Failed++
			}
		}
	}
	for _, err := range errs {
		report.Errors = append(report.Errors, err.Error())
	}
	return report, errors.Join(errs...)
}

func (c *Controller) exitOne(ctx context.Context, v domain.Venue, vp domain.VenuePosition, report *ExitReport) error {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	ack, err := v.ExitPosition(callCtx, vp, 1)
	cancel()
	if err != nil {
		return err
	}

	pos, err := c.ledger.GetPositionByExternalID(ctx, vp.Strategy, vp.ExternalID)
	if err != nil {
		// Held at the venue but unknown to the ledger; ghost reconciliation
		// covers it on the next start.
		c.logger.WarnContext(ctx, "exited holding not in ledger",
			slog.String("venue", v.Name()),
			slog.String("external_id", vp.ExternalID),
		)
		report.Exited++
		return nil
	}
	order := domain.PendingOrder{
		OrderID:      ack.OrderID,
		PositionID:   pos.ID,
		CostBasisUSD: pos.CostBasisUSD,
		Description:  pos.Description,
		Venue:        v.Name(),
		PlacedAt:     c.now(),
	}
	switch ack.Status {
	case domain.OrderStatusMatched:
		_, err = c.ledger.SettleExitOrder(ctx, order, domain.OrderStatusReport{
			OrderID:      ack.OrderID,
			Status:       ack.Status,
			FilledAmount: ack.FilledAmount,
			FilledPrice:  ack.FilledPrice,
			ProceedsUSD:  ack.ProceedsUSD,
			TxHash:       ack.TxHash,
		})
		report.Exited++
	case domain.OrderStatusLive:
		err = c.ledger.TrackExitOrder(ctx, order)
		report.Resting++
	default:
		return fmt.Errorf("exit order %s: %s", ack.Status, ack.Message)
	}
	return err
}

// arm schedules the auto-resume. A newer arm or a manual resume
// invalidates older timers.
func (c *Controller) arm(until time.Time, after time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.until = until
	c.timer = time.AfterFunc(after, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.resume(ctx, gen, "cooldown elapsed"); err != nil {
			c.logger.ErrorContext(ctx, "auto-resume failed", slog.String("error", err.Error()))
		}
	})
}

// Resume clears the pause now, regardless of remaining cooldown.
func (c *Controller) Resume(ctx context.Context, reason string) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.resume(ctx, gen, reason)
}

func (c *Controller) resume(ctx context.Context, gen uint64, reason string) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	wasPaused := c.paused
	c.mu.Unlock()

	_, err := c.state.Update(ctx, func(st *domain.AgentState) error {
		st.EmergencyPausedUntil = nil
		st.PauseReason = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("pause: resume: %w", err)
	}

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.paused = false
	c.until = time.Time{}
	c.reason = ""
	c.mu.Unlock()
	metrics.SetPaused(false)

	if wasPaused {
		c.logger.InfoContext(ctx, "agent resumed", slog.String("reason", reason))
		c.notify(ctx, domain.EventPauseExited, "Agent resumed", "Reason: "+reason)
	}
	return nil
}

// Rehydrate restores a pause persisted before a restart. A deadline in the
// future re-enters PAUSED with a timer for the remainder; a deadline that
// passed during downtime is cleared. It reports whether the agent is paused.
func (c *Controller) Rehydrate(ctx context.Context) (bool, error) {
	st := c.state.Snapshot()
	if st.EmergencyPausedUntil == nil {
		return false, nil
	}
	until := *st.EmergencyPausedUntil
	now := c.now()

	if !until.After(now) {
		_, err := c.state.Update(ctx, func(st *domain.AgentState) error {
			st.EmergencyPausedUntil = nil
			st.PauseReason = ""
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("pause: rehydrate: %w", err)
		}
		c.notify(ctx, domain.EventPauseExited, "Agent resumed",
			"Emergency pause expired while the agent was down")
		return false, nil
	}

	c.enter(st.PauseReason)
	remaining := until.Sub(now)
	c.arm(until, remaining)
	c.logger.InfoContext(ctx, "emergency pause restored",
		slog.Time("until", until),
		slog.Duration("remaining", remaining),
	)
	c.notify(ctx, domain.EventReconcile, "Emergency pause restored",
		fmt.Sprintf("Reason: %s\nAuto-resume in %s", st.PauseReason, remaining.Round(time.Minute)))
	return true, nil
}

// Stop cancels the resume timer without changing persisted state.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) notify(ctx context.Context, event, title, msg string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, event, title, msg); err != nil {
		c.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
	}
}
