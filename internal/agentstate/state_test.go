package agentstate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type failingBackend struct{ *memory.AgentStateStore }

func (failingBackend) Save(context.Context, string, []byte) error { return errors.New("disk full") }

func TestLoad_FirstBootIsEmpty(t *testing.T) {
	s := New(memory.NewAgentStateStore(), "cfo", discard())
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.PendingApprovals)
	assert.Nil(t, st.EmergencyPausedUntil)
}

func TestUpdate_PersistsWholeBlob(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewAgentStateStore()
	s := New(backend, "cfo", discard())
	_, err := s.Load(ctx)
	require.NoError(t, err)

	until := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	_, err = s.Update(ctx, func(st *domain.AgentState) error {
		id := NextID(st, "approval")
		st.PendingApprovals = append(st.PendingApprovals, domain.PendingApproval{ID: id, Description: "stake"})
		st.EmergencyPausedUntil = &until
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.SetCooldown(ctx, domain.DecisionStake, until))
	assert.Equal(t, 2, backend.SaveCount())

	reloaded := New(backend, "cfo", discard())
	st, err := reloaded.Load(ctx)
	require.NoError(t, err)
	require.Len(t, st.PendingApprovals, 1)
	assert.Equal(t, int64(1), st.PendingApprovals[0].ID)
	assert.True(t, st.EmergencyPausedUntil.Equal(until))
	assert.True(t, st.Cooldowns[domain.DecisionStake].Equal(until))
	assert.Equal(t, int64(1), st.Counters["approval"])
}

func TestUpdate_FailedSaveKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	s := New(failingBackend{memory.NewAgentStateStore()}, "cfo", discard())

	_, err := s.Update(ctx, func(st *domain.AgentState) error {
		st.PendingApprovals = append(st.PendingApprovals, domain.PendingApproval{ID: 1})
		return nil
	})
	require.Error(t, err)
	assert.Empty(t, s.Snapshot().PendingApprovals)
}
