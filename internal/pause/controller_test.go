package pause

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/agentstate"
	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/ledger"
	"github.com/alanyoungcy/cfoagent/internal/store/memory"
	"github.com/alanyoungcy/cfoagent/internal/venue"
	"github.com/alanyoungcy/cfoagent/internal/venue/paper"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type brokenVenue struct{ *paper.Venue }

func (brokenVenue) FetchPositions(context.Context) ([]domain.VenuePosition, error) {
	return nil, errors.New("rpc unavailable")
}

type fixture struct {
	backend *memory.AgentStateStore
	state   *agentstate.Store
	ledger  *ledger.Ledger
	reg     *venue.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{backend: memory.NewAgentStateStore()}
	f.state = agentstate.New(f.backend, "cfo", discard())
	_, err := f.state.Load(context.Background())
	require.NoError(t, err)
	f.ledger = ledger.New(memory.NewPositionStore(), memory.NewTransactionStore(), memory.NewSnapshotStore(), discard())

	pm := paper.New("pm", domain.StrategyPredictionMarket)
	pm.Seed(domain.VenuePosition{ExternalID: "cond-1", Asset: "YES", SizeUnits: 100, Price: 0.5, ValueUSD: 50})
	f.reg = venue.NewRegistry(discard())
	require.NoError(t, f.reg.Register(pm, venue.Config{
		Name: "pm", Enabled: true, Strategies: []domain.Strategy{domain.StrategyPredictionMarket},
	}))
	require.NoError(t, f.reg.Register(brokenVenue{paper.New("hl", domain.StrategyPerpHedge)}, venue.Config{
		Name: "hl", Enabled: true, Strategies: []domain.Strategy{domain.StrategyPerpHedge},
	}))

	_, err = f.ledger.UpsertPosition(context.Background(), domain.Position{
		ID: "pos-1", Strategy: domain.StrategyPredictionMarket, Asset: "YES",
		Status: domain.PositionStatusOpen, SizeUnits: 100, CostBasisUSD: 30, CurrentValueUSD: 50,
		ExternalID: "cond-1",
	})
	require.NoError(t, err)
	return f
}

func TestEmergencyExit_CollectsFailuresAndAutoResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := New(f.state, f.reg, f.ledger, nil, 80*time.Millisecond, discard())

	report, err := c.EmergencyExit(ctx, "market crash")
	require.Error(t, err, "the broken venue is reported")
	assert.Equal(t, 2, report.Venues)
	assert.Equal(t, 1, report.Exited)
	assert.Equal(t, 1, report.Failed)
	assert.True(t, c.Paused())

	pos, err := f.ledger.GetPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.InDelta(t, 20, pos.RealizedPnLUSD, 1e-9)

	st := f.state.Snapshot()
	require.NotNil(t, st.EmergencyPausedUntil)
	assert.Equal(t, "market crash", st.PauseReason)

	assert.Eventually(t, func() bool { return !c.Paused() }, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, f.state.Snapshot().EmergencyPausedUntil)
}

func TestResume_CancelsTimer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := New(f.state, f.reg, f.ledger, nil, time.Hour, discard())

	_, err := c.Pause(ctx, "operator")
	require.NoError(t, err)
	require.True(t, c.Paused())

	require.NoError(t, c.Resume(ctx, "manual"))
	assert.False(t, c.Paused())
	assert.True(t, c.Until().IsZero())
	assert.Nil(t, f.state.Snapshot().EmergencyPausedUntil)
}

func TestRehydrate_RearmsRemainingCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	until := time.Now().UTC().Add(100 * time.Millisecond)
	_, err := f.state.Update(ctx, func(st *domain.AgentState) error {
		st.EmergencyPausedUntil = &until
		st.PauseReason = "market crash"
		return nil
	})
	require.NoError(t, err)

	restarted := agentstate.New(f.backend, "cfo", discard())
	_, err = restarted.Load(ctx)
	require.NoError(t, err)
	c := New(restarted, f.reg, f.ledger, nil, 4*time.Hour, discard())

	paused, err := c.Rehydrate(ctx)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.True(t, c.Paused())
	assert.Equal(t, "market crash", c.Reason())

	assert.Eventually(t, func() bool { return !c.Paused() }, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, restarted.Snapshot().EmergencyPausedUntil)
}

func TestRehydrate_ExpiredDuringDowntime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	until := time.Now().UTC().Add(-time.Minute)
	_, err := f.state.Update(ctx, func(st *domain.AgentState) error {
		st.EmergencyPausedUntil = &until
		return nil
	})
	require.NoError(t, err)

	c := New(f.state, f.reg, f.ledger, nil, 4*time.Hour, discard())
	paused, err := c.Rehydrate(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
	assert.False(t, c.Paused())
	assert.Nil(t, f.state.Snapshot().EmergencyPausedUntil)
}
