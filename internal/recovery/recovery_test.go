package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/agentstate"
	"github.com/alanyoungcy/cfoagent/internal/approval"
	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/ledger"
	"github.com/alanyoungcy/cfoagent/internal/orders"
	"github.com/alanyoungcy/cfoagent/internal/pause"
	"github.com/alanyoungcy/cfoagent/internal/store/memory"
	"github.com/alanyoungcy/cfoagent/internal/venue"
	"github.com/alanyoungcy/cfoagent/internal/venue/paper"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubExecutor struct {
	mu    sync.Mutex
	calls int
}

func (s *stubExecutor) Execute(_ context.Context, d domain.Decision) domain.ExecutionResult {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return domain.ExecutionResult{
		DecisionID:   d.ID,
		DecisionType: d.Type,
		Tier:         d.Tier,
		Outcome:      domain.OutcomeExecuted,
		Venue:        "lido",
		OrderStatus:  domain.OrderStatusMatched,
		FilledAmount: 2,
		Attempts:     1,
	}
}

type watchRecorder struct {
	mu      sync.Mutex
	watched []domain.ExposureWatch
}

func (w *watchRecorder) Watch(_ context.Context, ew domain.ExposureWatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, ew)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	titles []string
}

func (e *eventLog) Notify(_ context.Context, event, title, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if event == domain.EventReconcile {
		e.titles = append(e.titles, title)
	}
	return nil
}

// persisted is everything that survives a process restart.
type persisted struct {
	state     *memory.AgentStateStore
	positions *memory.PositionStore
	txs       *memory.TransactionStore
	snaps     *memory.SnapshotStore
	pm        *paper.Venue
	lido      *paper.Venue
}

func newPersisted() *persisted {
	return &persisted{
		state:     memory.NewAgentStateStore(),
		positions: memory.NewPositionStore(),
		txs:       memory.NewTransactionStore(),
		snaps:     memory.NewSnapshotStore(),
		pm:        paper.New("pm", domain.StrategyPredictionMarket),
		lido:      paper.New("lido", domain.StrategyLiquidStaking, paper.WithMarks(map[string]float64{"ETH": 100})),
	}
}

// process is one boot of the agent over persisted storage.
type process struct {
	state     *agentstate.Store
	ledger    *ledger.Ledger
	registry  *venue.Registry
	tracker   *orders.Tracker
	exec      *stubExecutor
	approvals *approval.Workflow
	pause     *pause.Controller
	watcher   *watchRecorder
	events    *eventLog
}

func boot(t *testing.T, p *persisted, cooldown time.Duration) *process {
	t.Helper()
	ctx := context.Background()
	pr := &process{
		tracker: orders.NewTracker(),
		exec:    &stubExecutor{},
		watcher: &watchRecorder{},
		events:  &eventLog{},
	}
	pr.state = agentstate.New(p.state, "cfo", discard())
	_, err := pr.state.Load(ctx)
	require.NoError(t, err)
	pr.ledger = ledger.New(p.positions, p.txs, p.snaps, discard())
	pr.ledger.SetOrderWatcher(pr.tracker)

	pr.registry = venue.NewRegistry(discard())
	require.NoError(t, pr.registry.Register(p.pm, venue.Config{
		Name: "pm", Enabled: true, Strategies: []domain.Strategy{domain.StrategyPredictionMarket},
	}))
	require.NoError(t, pr.registry.Register(p.lido, venue.Config{
		Name: "lido", Enabled: true, Strategies: []domain.Strategy{domain.StrategyLiquidStaking},
	}))

	pr.approvals = approval.New(pr.state, pr.exec, pr.ledger, pr.events, time.Hour, discard())
	pr.pause = pause.New(pr.state, pr.registry, pr.ledger, pr.events, cooldown, discard())
	t.Cleanup(pr.pause.Stop)
	return pr
}

func (pr *process) recovery() *Recovery {
	return New(Deps{
		Approvals: pr.approvals,
		Pause:     pr.pause,
		Tracker:   pr.tracker,
		Ledger:    pr.ledger,
		Venues:    pr.registry,
		Watcher:   pr.watcher,
		Notifier:  pr.events,
	}, time.Second, discard())
}

func stakeDecision(t *testing.T, id string) domain.Decision {
	t.Helper()
	params, err := json.Marshal(domain.OpenParams{
		Strategy: domain.StrategyLiquidStaking, Asset: "ETH", Chain: "ethereum", Amount: 2,
	})
	require.NoError(t, err)
	return domain.Decision{ID: id, Type: domain.DecisionStake, Tier: domain.TierApproval, Params: params}
}

func TestRun_RestoresStateAfterRestart(t *testing.T) {
	ctx := context.Background()
	p := newPersisted()
	before := boot(t, p, time.Hour)

	a, _, err := before.approvals.Create(ctx, "stake 2 ETH", 200, stakeDecision(t, "d1"), domain.ApprovalSourceDecisionEngine)
	require.NoError(t, err)

	until := time.Now().UTC().Add(150 * time.Millisecond)
	_, err = before.state.Update(ctx, func(st *domain.AgentState) error {
		st.EmergencyPausedUntil = &until
		st.PauseReason = "depeg"
		return nil
	})
	require.NoError(t, err)

	_, err = before.ledger.UpsertPosition(ctx, domain.Position{
		ID: "pos-pm", Strategy: domain.StrategyPredictionMarket, Asset: "YES",
		Status: domain.PositionStatusOpen, SizeUnits: 100, CostBasisUSD: 30, CurrentValueUSD: 45,
		ExternalID: "cond-open",
	})
	require.NoError(t, err)
	require.NoError(t, before.ledger.TrackExitOrder(ctx, domain.PendingOrder{
		OrderID: "ord-1", PositionID: "pos-pm", CostBasisUSD: 30, Venue: "pm",
	}))

	_, err = before.ledger.UpsertPosition(ctx, domain.Position{
		ID: "pos-steth", Strategy: domain.StrategyLiquidStaking, Asset: "stETH", Chain: "ethereum",
		Status: domain.PositionStatusOpen, SizeUnits: 3, CostBasisUSD: 300, CurrentValueUSD: 300,
		ExternalID: "steth-1",
	})
	require.NoError(t, err)

	// The process dies here.
	before.pause.Stop()
	after := boot(t, p, time.Hour)
	report := after.recovery().Run(ctx)

	require.Len(t, report.Steps, 5)
	assert.False(t, report.Failed())

	assert.True(t, after.pause.Paused())
	assert.Eventually(t, func() bool { return !after.pause.Paused() }, 2*time.Second, 10*time.Millisecond)

	_, ok := after.tracker.Get("ord-1")
	assert.True(t, ok, "resting exit order is tracked again")

	res, err := after.approvals.Approve(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcome)
	assert.Equal(t, 1, after.exec.calls)

	require.Len(t, after.watcher.watched, 1)
	assert.Equal(t, "pos-steth", after.watcher.watched[0].PositionID)

	require.NotEmpty(t, after.events.titles)
	assert.Contains(t, after.events.titles, "Startup reconciliation complete")
}

func TestReconcileGhosts_ReopensAndRedeems(t *testing.T) {
	ctx := context.Background()
	p := newPersisted()
	pr := boot(t, p, time.Hour)

	p.lido.Seed(domain.VenuePosition{ExternalID: "steth-ghost", Asset: "stETH", SizeUnits: 1, Price: 110, ValueUSD: 110})
	p.pm.Seed(domain.VenuePosition{ExternalID: "cond-won", Asset: "YES", SizeUnits: 100, Price: 0.6, ValueUSD: 60})
	p.pm.Resolve("cond-won", 1)
	p.pm.Seed(domain.VenuePosition{ExternalID: "cond-stranger", Asset: "NO", SizeUnits: 10, Price: 0.2, ValueUSD: 2})

	for _, pos := range []domain.Position{
		{ID: "pos-ghost", Strategy: domain.StrategyLiquidStaking, Asset: "stETH", Status: domain.PositionStatusOpen,
			SizeUnits: 1, CostBasisUSD: 100, CurrentValueUSD: 100, ExternalID: "steth-ghost"},
		{ID: "pos-won", Strategy: domain.StrategyPredictionMarket, Asset: "YES", Status: domain.PositionStatusOpen,
			SizeUnits: 100, CostBasisUSD: 40, CurrentValueUSD: 60, ExternalID: "cond-won"},
	} {
		_, err := pr.ledger.UpsertPosition(ctx, pos)
		require.NoError(t, err)
		_, err = pr.ledger.ClosePosition(ctx, pos.ID, "manual", 0)
		require.NoError(t, err)
	}

	actions, err := pr.recovery().reconcileGhosts(ctx)
	require.NoError(t, err)
	assert.Len(t, actions, 2)

	ghost, err := pr.ledger.GetPosition(ctx, "pos-ghost")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, ghost.Status)
	assert.InDelta(t, 110, ghost.CurrentValueUSD, 1e-9)

	won, err := pr.ledger.GetPosition(ctx, "pos-won")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, won.Status)
	assert.InDelta(t, 60, won.RealizedPnLUSD, 1e-9)
	assert.Equal(t, "tx-redeem-pos-won", won.ExitTxID)

	held, err := p.pm.FetchPositions(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1, "redeemed holding is gone, the unknown one is left alone")
	assert.Equal(t, "cond-stranger", held[0].ExternalID)

	// A second pass finds nothing left to repair.
	actions, err = pr.recovery().reconcileGhosts(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestRun_TracksOrdersOfReopenedGhosts(t *testing.T) {
	ctx := context.Background()
	p := newPersisted()
	before := boot(t, p, time.Hour)

	p.lido.Seed(domain.VenuePosition{ExternalID: "steth-ghost", Asset: "stETH", SizeUnits: 1, Price: 110, ValueUSD: 110})
	_, err := before.ledger.UpsertPosition(ctx, domain.Position{
		ID: "pos-ghost", Strategy: domain.StrategyLiquidStaking, Asset: "stETH", Status: domain.PositionStatusOpen,
		SizeUnits: 1, CostBasisUSD: 100, CurrentValueUSD: 100, ExternalID: "steth-ghost",
	})
	require.NoError(t, err)
	require.NoError(t, before.ledger.TrackExitOrder(ctx, domain.PendingOrder{
		OrderID: "ord-ghost", PositionID: "pos-ghost", CostBasisUSD: 100, Venue: "lido",
	}))
	_, err = before.ledger.ClosePosition(ctx, "pos-ghost", "manual", 0)
	require.NoError(t, err)

	before.pause.Stop()
	after := boot(t, p, time.Hour)
	report := after.recovery().Run(ctx)
	assert.False(t, report.Failed())

	// The pending-order step ran while the position was still closed.
	assert.Empty(t, report.Steps[2].Actions)

	o, ok := after.tracker.Get("ord-ghost")
	require.True(t, ok)
	assert.Equal(t, "pos-ghost", o.PositionID)
	assert.Contains(t, report.Steps[3].Actions, "tracking order ord-ghost for reopened pos-ghost")

	// A second pass does not report the order again.
	actions, err := after.recovery().reconcileGhosts(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

type failingApprovals struct{}

func (failingApprovals) Rehydrate(context.Context) ([]domain.PendingApproval, error) {
	return nil, errors.New("state store unavailable")
}

type panickingPause struct{}

func (panickingPause) Rehydrate(context.Context) (bool, error) { panic("boom") }

func TestRun_FailingStepDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	p := newPersisted()
	pr := boot(t, p, time.Hour)
	_, err := pr.ledger.UpsertPosition(ctx, domain.Position{
		ID: "pos-steth", Strategy: domain.StrategyLiquidStaking, Asset: "stETH",
		Status: domain.PositionStatusOpen, SizeUnits: 1, CostBasisUSD: 100, CurrentValueUSD: 100,
	})
	require.NoError(t, err)

	r := New(Deps{
		Approvals: failingApprovals{},
		Pause:     panickingPause{},
		Tracker:   pr.tracker,
		Ledger:    pr.ledger,
		Venues:    pr.registry,
		Watcher:   pr.watcher,
		Notifier:  pr.events,
	}, time.Second, discard())

	report := r.Run(ctx)
	require.Len(t, report.Steps, 5)
	assert.True(t, report.Failed())
	assert.Equal(t, "state store unavailable", report.Steps[0].Error)
	assert.Contains(t, report.Steps[1].Error, "panicked")
	for _, s := range report.Steps[2:] {
		assert.Empty(t, s.Error, s.Step)
	}
	assert.Len(t, pr.watcher.watched, 1)
	assert.Contains(t, pr.events.titles, "Startup reconciliation finished with errors")
}
