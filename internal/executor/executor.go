package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// VenueResolver picks the adapter for a decision.
type VenueResolver interface {
	Resolve(name string, strategy domain.Strategy) (domain.Venue, error)
}

// PositionReader loads the ledger position an exit refers to.
type PositionReader interface {
	GetPosition(ctx context.Context, id string) (domain.Position, error)
}

// Config bounds every venue interaction.
type Config struct {
	CallTimeout    time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	DryRun         bool
}

func (c *Config) withDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
}

// plan is one prepared venue call.
type plan struct {
	venue domain.Venue
	call  func(ctx context.Context) (domain.OrderAck, error)
}

// planner turns a decision into a plan. It performs no venue calls.
type planner func(ctx context.Context, d domain.Decision, spec domain.DecisionSpec) (plan, error)

// Executor runs one decision at a time against the venue its type maps to.
// Replaying a persisted decision is a table lookup on its type.
type Executor struct {
	venues    VenueResolver
	positions PositionReader
	cfg       Config
	dedup     *Dedup
	dispatch  map[domain.DecisionType]planner
	logger    *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(venues VenueResolver, positions PositionReader, cfg Config, logger *slog.Logger) *Executor {
	cfg.withDefaults()
	e := &Executor{
		venues:    venues,
		positions: positions,
		cfg:       cfg,
		dedup:     NewDedup(24 * time.Hour),
		logger:    logger.With(slog.String("component", "executor")),
	}
	e.dispatch = map[domain.DecisionType]planner{
		domain.DecisionOpenHedge:  e.planPlace,
		domain.DecisionStake:      e.planPlace,
		domain.DecisionBorrow:     e.planPlace,
		domain.DecisionLPOpen:     e.planPlace,
		domain.DecisionMarketBuy:  e.planPlace,
		domain.DecisionSwap:       e.planPlace,
		domain.DecisionBridge:     e.planPlace,
		domain.DecisionCloseHedge: e.planExit,
		domain.DecisionUnstake:    e.planExit,
		domain.DecisionRepay:      e.planExit,
		domain.DecisionLPClose:    e.planExit,
		domain.DecisionMarketExit: e.planExit,
	}
	return e
}

// Supports reports whether t has a handler.
func (e *Executor) Supports(t domain.DecisionType) bool {
	_, ok := e.dispatch[t]
	return ok
}

// Execute runs d and reports what happened. It never returns an error: the
// outcome, including unknown outcomes after a timeout, is in the result.
func (e *Executor) Execute(ctx context.Context, d domain.Decision) domain.ExecutionResult {
	res := domain.ExecutionResult{
		DecisionID:   d.ID,
		DecisionType: d.Type,
		Tier:         d.Tier,
	}
	log := e.logger.With(
		slog.String("decision_id", d.ID),
		slog.String("type", string(d.Type)),
		slog.String("tier", string(d.Tier)),
	)

	if d.Type == domain.DecisionSkip {
		res.Outcome = domain.OutcomeSkipped
		return res
	}
	spec, ok := d.Type.Spec()
	prepare, known := e.dispatch[d.Type]
	if !ok || !known {
		return fail(res, fmt.Errorf("executor: %s: %w", d.Type, domain.ErrUnknownDecision))
	}
	if e.cfg.DryRun {
		log.InfoContext(ctx, "dry run, decision not executed")
		res.Outcome = domain.OutcomeDryRun
		return res
	}

	// 1. Prepare the call. Nothing has reached a venue yet.
	p, err := prepare(ctx, d, spec)
	if err != nil {
		log.WarnContext(ctx, "decision cannot be planned", slog.String("error", err.Error()))
		return fail(res, err)
	}
	res.Venue = p.venue.Name()

	// 2. Deduplication.
	if !e.dedup.Claim(d.ID) {
		log.WarnContext(ctx, "decision already executed, skipping")
		res.Outcome = domain.OutcomeSkipped
		res.Error = "duplicate decision id"
		return res
	}

	// 3. Call with retries on transient errors.
	ack, attempts, err := e.callWithRetry(ctx, p, log)
	res.Attempts = attempts
	if err != nil {
		if isTimeout(ctx, err) {
			log.WarnContext(ctx, "venue call timed out, outcome unknown", slog.Int("attempts", attempts))
			res.Outcome = domain.OutcomeUnknown
			res.Error = err.Error()
			return res
		}
		log.ErrorContext(ctx, "venue call failed",
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		// The venue rejected the call, so the same decision may be retried.
		e.dedup.Release(d.ID)
		return fail(res, err)
	}
	applyAck(&res, ack)

	// 4. Confirm resting orders.
	if ack.Status == domain.OrderStatusLive && e.cfg.ConfirmTimeout > 0 && ack.OrderID != "" {
		if rep, ok := e.confirm(ctx, p.venue, ack.OrderID, log); ok {
			applyReport(&res, rep)
		}
	}

	switch res.OrderStatus {
	case domain.OrderStatusMatched:
		res.Outcome = domain.OutcomeExecuted
	case domain.OrderStatusLive:
		res.Outcome = domain.OutcomeOrderPlaced
	default:
		res.Outcome = domain.OutcomeFailed
		if res.Error == "" {
			res.Error = fmt.Sprintf("order %s", res.OrderStatus)
		}
	}

	log.InfoContext(ctx, "decision executed",
		slog.String("venue", res.Venue),
		slog.String("outcome", string(res.Outcome)),
		slog.String("order_id", res.OrderID),
		slog.String("status", string(res.OrderStatus)),
		slog.Int("attempts", res.Attempts),
	)
	return res
}

// callWithRetry retries transient failures with exponential backoff. A
// timeout is never retried since the first call may have gone through.
func (e *Executor) callWithRetry(ctx context.Context, p plan, log *slog.Logger) (domain.OrderAck, int, error) {
	backoff := e.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		ack, err := p.call(callCtx)
		timedOut := callCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			return ack, attempt, nil
		}
		if timedOut || isTimeout(ctx, err) {
			return domain.OrderAck{}, attempt, fmt.Errorf("executor: %s: %w", p.venue.Name(), context.DeadlineExceeded)
		}
		lastErr = err
		if !retryable(err) || attempt == e.cfg.MaxAttempts {
			return domain.OrderAck{}, attempt, err
		}

		log.WarnContext(ctx, "transient venue error, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return domain.OrderAck{}, attempt, fmt.Errorf("executor: retry aborted: %w", lastErr)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return domain.OrderAck{}, e.cfg.MaxAttempts, lastErr
}

// confirm polls a resting order until it reaches a final status or the
// confirmation window closes.
func (e *Executor) confirm(ctx context.Context, v domain.Venue, orderID string, log *slog.Logger) (domain.OrderStatusReport, bool) {
	confirmCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	var last domain.OrderStatusReport
	seen := false
	for {
		select {
		case <-confirmCtx.Done():
			log.InfoContext(ctx, "order still resting after confirmation window",
				slog.String("order_id", orderID),
			)
			return last, seen
		case <-ticker.C:
			callCtx, cancelCall := context.WithTimeout(confirmCtx, e.cfg.CallTimeout)
			rep, err := v.GetOrderStatus(callCtx, orderID)
			cancelCall()
			if err != nil {
				log.DebugContext(ctx, "order status poll failed",
					slog.String("order_id", orderID),
					slog.String("error", err.Error()),
				)
				continue
			}
			last, seen = rep, true
			if rep.Status.Final() {
				return rep, true
			}
		}
	}
}

// planPlace handles decisions that place a fresh order: opens, swaps and
// bridges.
func (e *Executor) planPlace(_ context.Context, d domain.Decision, spec domain.DecisionSpec) (plan, error) {
	var p domain.OpenParams
	if err := d.DecodeParams(&p); err != nil {
		return plan{}, fmt.Errorf("executor: %w", err)
	}
	if p.Amount <= 0 {
		return plan{}, fmt.Errorf("executor: %s: %w: amount must be positive", d.ID, domain.ErrInvalidParams)
	}
	strategy := spec.Strategy
	if p.Strategy.Valid() {
		strategy = p.Strategy
	}
	v, err := e.venues.Resolve(p.Venue, strategy)
	if err != nil {
		return plan{}, err
	}
	req := domain.OrderRequest{
		ClientID:   d.ID,
		Action:     spec.Action,
		Asset:      p.Asset,
		Chain:      p.Chain,
		TokenIn:    p.TokenIn,
		TokenOut:   p.TokenOut,
		Side:       p.Side,
		Amount:     p.Amount,
		Price:      p.Price,
		ExternalID: p.ExternalID,
	}
	return plan{
		venue: v,
		call: func(ctx context.Context) (domain.OrderAck, error) {
			return v.PlaceOrder(ctx, req)
		},
	}, nil
}

// planExit handles decisions that unwind a ledger position.
func (e *Executor) planExit(ctx context.Context, d domain.Decision, spec domain.DecisionSpec) (plan, error) {
	var p domain.ExitParams
	if err := d.DecodeParams(&p); err != nil {
		return plan{}, fmt.Errorf("executor: %w", err)
	}
	pos, err := e.positions.GetPosition(ctx, p.PositionID)
	if err != nil {
		return plan{}, fmt.Errorf("executor: exit %s: %w", p.PositionID, err)
	}
	if pos.Status.Terminal() {
		return plan{}, fmt.Errorf("executor: exit %s: %w", pos.ID, domain.ErrAlreadyClosed)
	}
	if pos.ExternalID == "" {
		return plan{}, fmt.Errorf("executor: exit %s: %w: position has no external id", pos.ID, domain.ErrInvalidParams)
	}
	fraction := p.Fraction
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	name := p.Venue
	if name == "" {
		if s, ok := pos.Metadata["venue"].(string); ok {
			name = s
		}
	}
	v, err := e.venues.Resolve(name, pos.Strategy)
	if err != nil {
		return plan{}, err
	}
	vp := domain.VenuePosition{
		Venue:      v.Name(),
		Strategy:   pos.Strategy,
		ExternalID: pos.ExternalID,
		Asset:      pos.Asset,
		Chain:      pos.Chain,
		SizeUnits:  pos.SizeUnits,
		Price:      pos.CurrentPrice,
		ValueUSD:   pos.CurrentValueUSD,
	}
	if p.Price > 0 {
		vp.Price = p.Price
	}
	return plan{
		venue: v,
		call: func(ctx context.Context) (domain.OrderAck, error) {
			return v.ExitPosition(ctx, vp, fraction)
		},
	}, nil
}

// Run periodically garbage-collects the dedup map until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.dedup.Sweep()
		}
	}
}

func fail(res domain.ExecutionResult, err error) domain.ExecutionResult {
	res.Outcome = domain.OutcomeFailed
	res.Error = err.Error()
	return res
}

func applyAck(res *domain.ExecutionResult, ack domain.OrderAck) {
	res.OrderID = ack.OrderID
	res.OrderStatus = ack.Status
	res.TxHash = ack.TxHash
	res.ExternalID = ack.ExternalID
	res.FilledAmount = ack.FilledAmount
	res.FilledPrice = ack.FilledPrice
	res.ProceedsUSD = ack.ProceedsUSD
	res.FeeUSD = ack.FeeUSD
	if ack.Status == domain.OrderStatusRejected && ack.Message != "" {
		res.Error = ack.Message
	}
}

func applyReport(res *domain.ExecutionResult, rep domain.OrderStatusReport) {
	res.OrderStatus = rep.Status
	if rep.TxHash != "" {
		res.TxHash = rep.TxHash
	}
	if rep.FilledAmount > 0 {
		res.FilledAmount = rep.FilledAmount
	}
	if rep.FilledPrice > 0 {
		res.FilledPrice = rep.FilledPrice
	}
	if rep.ProceedsUSD > 0 {
		res.ProceedsUSD = rep.ProceedsUSD
	}
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrRateLimited)
}

// isTimeout reports whether the call may have reached the venue without an
// answer coming back.
func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}
