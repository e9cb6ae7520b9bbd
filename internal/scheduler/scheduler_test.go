package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/agentstate"
	"github.com/alanyoungcy/cfoagent/internal/approval"
	"github.com/alanyoungcy/cfoagent/internal/cache/local"
	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/executor"
	"github.com/alanyoungcy/cfoagent/internal/ledger"
	"github.com/alanyoungcy/cfoagent/internal/store/memory"
	"github.com/alanyoungcy/cfoagent/internal/venue"
	"github.com/alanyoungcy/cfoagent/internal/venue/paper"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type producerFunc func(ctx context.Context, st domain.PortfolioState, in domain.Intel) ([]domain.Decision, error)

func (f producerFunc) Produce(ctx context.Context, st domain.PortfolioState, in domain.Intel) ([]domain.Decision, error) {
	return f(ctx, st, in)
}

type pauseFlag struct{ on bool }

func (p *pauseFlag) Paused() bool { return p.on }

type fixture struct {
	txs       *memory.TransactionStore
	snapshots *memory.SnapshotStore
	audit     *memory.CycleStore
	state     *agentstate.Store
	approvals *approval.Workflow
	pause     *pauseFlag
	deps      Deps
	cfg       Config
}

func newFixture(t *testing.T, producer domain.DecisionProducer) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		txs:       memory.NewTransactionStore(),
		snapshots: memory.NewSnapshotStore(),
		audit:     memory.NewCycleStore(),
		pause:     &pauseFlag{},
	}
	l := ledger.New(memory.NewPositionStore(), f.txs, f.snapshots, discard())

	reg := venue.NewRegistry(discard())
	require.NoError(t, reg.Register(paper.New("lido", domain.StrategyLiquidStaking,
		paper.WithMarks(map[string]float64{"ETH": 100})), venue.Config{
		Name: "lido", Enabled: true, Strategies: []domain.Strategy{domain.StrategyLiquidStaking},
	}))
	exec := executor.NewExecutor(reg, l, executor.Config{CallTimeout: time.Second, MaxAttempts: 1}, discard())

	f.state = agentstate.New(memory.NewAgentStateStore(), "cfo", discard())
	_, err := f.state.Load(ctx)
	require.NoError(t, err)
	f.approvals = approval.New(f.state, exec, l, nil, 30*time.Minute, discard())

	f.deps = Deps{
		Lock:      local.NewLockManager(),
		Ledger:    l,
		Producer:  producer,
		Executor:  exec,
		Approvals: f.approvals,
		Cooldowns: f.state,
		Pause:     f.pause,
		Audit:     f.audit,
	}
	f.cfg = Config{Interval: time.Hour, CycleTimeout: 2 * time.Second, Cooldown: time.Hour}
	return f
}

func stake(t *testing.T, id string, tier domain.Tier) domain.Decision {
	t.Helper()
	params, err := json.Marshal(domain.OpenParams{Asset: "ETH", Chain: "ethereum", Amount: 5})
	require.NoError(t, err)
	return domain.Decision{
		ID: id, Type: domain.DecisionStake, Tier: tier, Urgency: domain.UrgencyLow,
		Reasoning: "stake idle ETH", EstimatedImpactUSD: 500, Params: params,
	}
}

func TestRunCycle_AutoStakeScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, producerFunc(func(_ context.Context, st domain.PortfolioState, _ domain.Intel) ([]domain.Decision, error) {
		assert.Empty(t, st.OpenPositions)
		return []domain.Decision{stake(t, "d1", domain.TierAuto)}, nil
	}))
	s := New(f.deps, f.cfg, discard())

	rec, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, SkippedTraceID, rec.TraceID)
	require.Len(t, rec.Results, 1)
	assert.Equal(t, domain.OutcomeExecuted, rec.Results[0].Outcome)

	txs, err := f.txs.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxStake, txs[0].TxType)
	assert.InDelta(t, 5, txs[0].AmountIn, 1e-9)

	snap, err := f.snapshots.Get(ctx, domain.SnapshotDate(time.Now().UTC()))
	require.NoError(t, err)
	assert.InDelta(t, 500, snap.TotalValueUSD, 1e-6)

	assert.Empty(t, f.approvals.Pending())

	audit, err := f.audit.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, rec.TraceID, audit[0].TraceID)
	assert.NotEmpty(t, audit[0].Report)
}

func TestRunCycle_LockExclusivity(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls sync.WaitGroup
	var once sync.Once

	f := newFixture(t, producerFunc(func(context.Context, domain.PortfolioState, domain.Intel) ([]domain.Decision, error) {
		once.Do(func() { close(entered) })
		<-release
		return nil, nil
	}))
	s := New(f.deps, f.cfg, discard())

	first := make(chan domain.CycleRecord, 1)
	go func() {
		rec, _ := s.RunCycle(ctx)
		first <- rec
	}()
	<-entered

	const others = 8
	traces := make(chan string, others)
	for i := 0; i < others; i++ {
		calls.Add(1)
		go func() {
			defer calls.Done()
			rec, err := s.RunCycle(ctx)
			assert.NoError(t, err)
			traces <- rec.TraceID
		}()
	}
	calls.Wait()
	close(traces)
	for tr := range traces {
		assert.Equal(t, SkippedTraceID, tr)
	}

	close(release)
	rec := <-first
	assert.NotEqual(t, SkippedTraceID, rec.TraceID)

	// Released on exit: the next cycle runs.
	next, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, SkippedTraceID, next.TraceID)
}

func TestRunCycle_ApprovalTierIsQueuedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, producerFunc(func(context.Context, domain.PortfolioState, domain.Intel) ([]domain.Decision, error) {
		return []domain.Decision{stake(t, "", domain.TierApproval)}, nil
	}))
	s := New(f.deps, f.cfg, discard())

	first, err := s.RunCycle(ctx)
	require.NoError(t, err)
	second, err := s.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, first.Results, 1)
	require.Len(t, second.Results, 1)
	assert.Equal(t, domain.OutcomePendingApproval, first.Results[0].Outcome)
	assert.Equal(t, first.Results[0].ApprovalID, second.Results[0].ApprovalID)
	assert.Len(t, f.approvals.Pending(), 1)

	txs, err := f.txs.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestRunCycle_ProducerErrorDegrades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, producerFunc(func(context.Context, domain.PortfolioState, domain.Intel) ([]domain.Decision, error) {
		return []domain.Decision{stake(t, "d1", domain.TierAuto)}, errors.New("model unavailable")
	}))
	s := New(f.deps, f.cfg, discard())

	rec, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Degraded)
	assert.Empty(t, rec.Results)

	txs, _ := f.txs.ListRecent(ctx, 10)
	assert.Empty(t, txs, "no partial decisions are executed")

	audit, _ := f.audit.ListRecent(ctx, 10)
	require.Len(t, audit, 1)
	assert.True(t, audit[0].Degraded)
}

func TestRunCycle_HardTimeoutReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, producerFunc(func(ctx context.Context, _ domain.PortfolioState, _ domain.Intel) ([]domain.Decision, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	f.cfg.CycleTimeout = 50 * time.Millisecond
	s := New(f.deps, f.cfg, discard())

	rec, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, rec.Degraded)

	rec, err = s.RunCycle(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, SkippedTraceID, rec.TraceID)
}

func TestRunCycle_PausedAndCooldown(t *testing.T) {
	ctx := context.Background()
	id := 0
	f := newFixture(t, producerFunc(func(context.Context, domain.PortfolioState, domain.Intel) ([]domain.Decision, error) {
		id++
		return []domain.Decision{stake(t, fmt.Sprintf("d%d", id), domain.TierAuto)}, nil
	}))
	s := New(f.deps, f.cfg, discard())

	f.pause.on = true
	rec, err := s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, PausedTraceID, rec.TraceID)
	f.pause.on = false

	rec, err = s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeExecuted, rec.Results[0].Outcome)

	rec, err = s.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCooldown, rec.Results[0].Outcome)
}

func TestRunCycle_DryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, producerFunc(func(context.Context, domain.PortfolioState, domain.Intel) ([]domain.Decision, error) {
		return []domain.Decision{stake(t, "d1", domain.TierAuto), stake(t, "d2", domain.TierApproval)}, nil
	}))
	f.cfg.DryRun = true
	s := New(f.deps, f.cfg, discard())

	rec, err := s.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Results, 2)
	assert.Equal(t, domain.OutcomeDryRun, rec.Results[0].Outcome)
	assert.Equal(t, domain.OutcomePendingApproval, rec.Results[1].Outcome)
	require.Len(t, f.approvals.Pending(), 1)
	assert.Equal(t, "d2", f.approvals.Pending()[0].Decision.ID)
	assert.Contains(t, rec.Report, "dry run")

	txs, _ := f.txs.ListRecent(ctx, 10)
	assert.Empty(t, txs)
}

func TestRunCycle_PauseRaisedMidCycleStopsRouting(t *testing.T) {
	ctx := context.Background()
	var f *fixture
	f = newFixture(t, producerFunc(func(context.Context, domain.PortfolioState, domain.Intel) ([]domain.Decision, error) {
		f.pause.on = true
		return []domain.Decision{stake(t, "d1", domain.TierAuto), stake(t, "d2", domain.TierApproval)}, nil
	}))
	s := New(f.deps, f.cfg, discard())

	rec, err := s.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Results, 2)
	for _, r := range rec.Results {
		assert.Equal(t, domain.OutcomeSkipped, r.Outcome)
		assert.Equal(t, "agent paused", r.Error)
	}

	txs, _ := f.txs.ListRecent(ctx, 10)
	assert.Empty(t, txs)
	assert.Empty(t, f.approvals.Pending())
}

type deadlineLedger struct {
	Ledger
	mu        sync.Mutex
	deadlines []time.Time
}

func (l *deadlineLedger) mark(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dl, _ := ctx.Deadline()
	l.deadlines = append(l.deadlines, dl)
}

func (l *deadlineLedger) Record(ctx context.Context, d domain.Decision, res domain.ExecutionResult) (domain.ExecutionResult, error) {
	l.mark(ctx)
	return l.Ledger.Record(ctx, d, res)
}

func (l *deadlineLedger) RefreshDailySnapshot(ctx context.Context) (domain.DailySnapshot, error) {
	l.mark(ctx)
	return l.Ledger.RefreshDailySnapshot(ctx)
}

func TestRunCycle_WritesShareOneBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, producerFunc(func(context.Context, domain.PortfolioState, domain.Intel) ([]domain.Decision, error) {
		return []domain.Decision{stake(t, "d1", domain.TierAuto), stake(t, "d2", domain.TierAuto), stake(t, "d3", domain.TierAuto)}, nil
	}))
	led := &deadlineLedger{Ledger: f.deps.Ledger}
	f.deps.Ledger = led
	f.cfg.Cooldown = 0
	s := New(f.deps, f.cfg, discard())

	rec, err := s.RunCycle(ctx)
	require.NoError(t, err)
	after := time.Now()
	require.Len(t, rec.Results, 3)

	// Three records and the snapshot refresh.
	require.Len(t, led.deadlines, 4)
	for _, dl := range led.deadlines {
		assert.Equal(t, led.deadlines[0], dl)
	}
	assert.False(t, led.deadlines[0].After(after.Add(f.cfg.CycleTimeout+writeTimeout)))
	assert.Less(t, writeTimeout, lockGrace)
}
