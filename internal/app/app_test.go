package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/agentstate"
	"github.com/alanyoungcy/cfoagent/internal/bus"
	"github.com/alanyoungcy/cfoagent/internal/config"
	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/server/handler"
	"github.com/alanyoungcy/cfoagent/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func paperConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.Enabled = false
	return &cfg
}

func wire(t *testing.T, cfg *config.Config) *Dependencies {
	t.Helper()
	deps, cleanup, err := Wire(context.Background(), cfg, discard())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return deps
}

// peer is another agent on the same bus.
func peer(deps *Dependencies, id string) *bus.Client {
	state := agentstate.New(memory.NewAgentStateStore(), id, discard())
	return bus.New(deps.SignalBus, state, bus.Config{AgentID: id}, discard())
}

func TestWire_PaperMode(t *testing.T) {
	deps := wire(t, paperConfig())

	assert.NotNil(t, deps.Scheduler)
	assert.NotNil(t, deps.Recovery)
	assert.Nil(t, deps.Archiver, "s3 disabled by default")
	assert.Nil(t, deps.Wallet)
	assert.Empty(t, deps.Health, "paper mode has no external stores")
	require.Len(t, deps.Venues.Enabled(), 1)
	assert.Equal(t, "paper", deps.Venues.Enabled()[0].Name())
}

func TestWire_UnknownVenueNeedsAdapter(t *testing.T) {
	cfg := paperConfig()
	cfg.Venues["lido"] = config.VenueConfig{Enabled: true, Strategies: []string{"liquid-staking"}}

	_, _, err := Wire(context.Background(), cfg, discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoVenue)
}

func TestWire_WalletSignsBusMessages(t *testing.T) {
	cfg := paperConfig()
	cfg.Wallet.PrivateKey = "289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032"
	cfg.Wallet.SignMessages = true
	deps := wire(t, cfg)

	require.NotNil(t, deps.Wallet)
	msg, err := deps.Bus.Send(context.Background(), "orchestrator", domain.MsgAlert, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Signature)
}

func TestCommands_PauseStatusResume(t *testing.T) {
	ctx := context.Background()
	deps := wire(t, paperConfig())
	status := &agentStatus{cfg: paperConfig(), deps: deps}
	h := &commandHandler{deps: deps, status: status, logger: discard()}
	orch := peer(deps, "orchestrator")

	_, err := orch.Send(ctx, "cfo", domain.MsgPause, domain.PauseCommand{Reason: "drill"})
	require.NoError(t, err)
	n, err := deps.Bus.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, deps.Pause.Paused())
	assert.Equal(t, "drill", deps.Pause.Reason())

	_, err = orch.Send(ctx, "cfo", domain.MsgStatusRequest, nil)
	require.NoError(t, err)
	_, err = deps.Bus.Poll(ctx, h)
	require.NoError(t, err)

	replies, err := orch.Receive(ctx, 0)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, domain.MsgStatusReport, replies[0].Type)
	var st handler.Status
	require.NoError(t, json.Unmarshal(replies[0].Payload, &st))
	assert.True(t, st.Paused)
	assert.Equal(t, "cfo", st.AgentID)
	require.NotNil(t, st.PausedUntil)

	_, err = orch.Send(ctx, "cfo", domain.MsgResume, nil)
	require.NoError(t, err)
	_, err = deps.Bus.Poll(ctx, h)
	require.NoError(t, err)
	assert.False(t, deps.Pause.Paused())

	// Everything was acknowledged.
	n, err = deps.Bus.Poll(ctx, h)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCommands_BadApprovePayloadIsAcked(t *testing.T) {
	ctx := context.Background()
	deps := wire(t, paperConfig())
	h := &commandHandler{deps: deps, status: &agentStatus{cfg: paperConfig(), deps: deps}, logger: discard()}
	orch := peer(deps, "orchestrator")

	_, err := orch.Send(ctx, "cfo", domain.MsgApprove, nil)
	require.NoError(t, err)
	err = h.Handle(ctx, domain.Message{Type: domain.MsgApprove, From: "orchestrator"})
	require.Error(t, err)

	n, err := deps.Bus.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEmpty(t, deps.State.Snapshot().BusCursor)
}

func TestReconcileMode_FreshState(t *testing.T) {
	cfg := paperConfig()
	deps := wire(t, cfg)
	a := New(cfg, discard())
	require.NoError(t, a.ReconcileMode(context.Background(), deps))
	assert.GreaterOrEqual(t, deps.Notifier.Counts()[domain.EventReconcile], 1)
}

func TestDigest_RefreshesSnapshotAndNotifies(t *testing.T) {
	ctx := context.Background()
	cfg := paperConfig()
	deps := wire(t, cfg)
	a := New(cfg, discard())

	a.digest(ctx, deps)

	_, err := deps.Ledger.GetDailySnapshot(ctx, domain.SnapshotDate(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, deps.Notifier.Counts()[domain.EventDigest])
}

func TestAgentMode_RunsFirstCycleAndStops(t *testing.T) {
	cfg := paperConfig()
	deps := wire(t, cfg)
	a := New(cfg, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.AgentMode(ctx, deps) }()

	assert.Eventually(t, func() bool {
		recs, err := deps.Cycles.ListRecent(context.Background(), 10)
		return err == nil && len(recs) > 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("agent mode did not stop")
	}
}
