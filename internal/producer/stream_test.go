package producer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/cache/local"
	"github.com/alanyoungcy/cfoagent/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func appendJSON(t *testing.T, bus *local.SignalBus, stream string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, bus.StreamAppend(context.Background(), stream, raw))
}

func TestProduce_NewestBatchWins(t *testing.T) {
	ctx := context.Background()
	bus := local.NewSignalBus()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s := NewStream(bus, Config{MaxAge: 10 * time.Minute}, discard())
	s.now = func() time.Time { return now }

	appendJSON(t, bus, DecisionStream, Batch{ID: "old", ProducedAt: now.Add(-time.Hour),
		Decisions: []domain.Decision{{ID: "stale", Type: domain.DecisionStake}}})
	appendJSON(t, bus, DecisionStream, Batch{ID: "b1", ProducedAt: now.Add(-2 * time.Minute),
		Decisions: []domain.Decision{{ID: "d1", Type: domain.DecisionStake}}})
	appendJSON(t, bus, DecisionStream, Batch{ID: "b2", ProducedAt: now.Add(-time.Minute),
		Decisions: []domain.Decision{{Type: domain.DecisionBorrow}}})

	got, err := s.Produce(ctx, domain.PortfolioState{}, domain.Intel{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.DecisionBorrow, got[0].Type)
	assert.NotEmpty(t, got[0].ID, "missing ids are assigned")
	assert.Equal(t, now.Add(-time.Minute), got[0].CreatedAt)

	got, err = s.Produce(ctx, domain.PortfolioState{}, domain.Intel{})
	require.NoError(t, err)
	assert.Empty(t, got, "a batch is consumed once")
}

func TestProduce_BatchErrorDegrades(t *testing.T) {
	bus := local.NewSignalBus()
	s := NewStream(bus, Config{}, discard())
	appendJSON(t, bus, DecisionStream, Batch{ID: "b1", Error: "price feed down", ProducedAt: time.Now()})

	_, err := s.Produce(context.Background(), domain.PortfolioState{}, domain.Intel{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price feed down")
}

func TestProduce_PublishesPortfolio(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := local.NewSignalBus()
	sub, err := bus.Subscribe(ctx, PortfolioChannel)
	require.NoError(t, err)

	s := NewStream(bus, Config{}, discard())
	_, err = s.Produce(ctx, domain.PortfolioState{TotalValueUSD: 1234}, domain.Intel{})
	require.NoError(t, err)

	select {
	case raw := <-sub:
		var st domain.PortfolioState
		require.NoError(t, json.Unmarshal(raw, &st))
		assert.InDelta(t, 1234, st.TotalValueUSD, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("portfolio snapshot not published")
	}
}

func TestLatest(t *testing.T) {
	ctx := context.Background()
	bus := local.NewSignalBus()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s := NewStream(bus, Config{MaxAge: 30 * time.Minute}, discard())
	s.now = func() time.Time { return now }

	_, err := s.Latest(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	appendJSON(t, bus, IntelStream, domain.Intel{Sources: []string{"funding"}, ReceivedAt: now.Add(-time.Minute)})
	in, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"funding"}, in.Sources)

	now = now.Add(time.Hour)
	_, err = s.Latest(ctx)
	assert.Error(t, err)
}
