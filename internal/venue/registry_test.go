package venue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cfoagent/internal/domain"
	"github.com/alanyoungcy/cfoagent/internal/venue/paper"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRegistry_ForPicksFirstEnabled(t *testing.T) {
	r := NewRegistry(discard())
	require.NoError(t, r.Register(paper.New("lido", domain.StrategyLiquidStaking), Config{
		Name: "lido", Enabled: false, Strategies: []domain.Strategy{domain.StrategyLiquidStaking},
	}))
	require.NoError(t, r.Register(paper.New("rocketpool", domain.StrategyLiquidStaking), Config{
		Name: "rocketpool", Enabled: true, Strategies: []domain.Strategy{domain.StrategyLiquidStaking},
	}))

	v, err := r.For(domain.StrategyLiquidStaking)
	require.NoError(t, err)
	assert.Equal(t, "rocketpool", v.Name())

	_, err = r.For(domain.StrategyPerpHedge)
	assert.ErrorIs(t, err, domain.ErrNoVenue)

	_, err = r.Get("lido")
	assert.ErrorIs(t, err, domain.ErrVenueDisabled)

	assert.Len(t, r.Enabled(), 1)
	assert.Len(t, r.List(), 2)
}

func TestRegistry_OnlyDisabledVenue(t *testing.T) {
	r := NewRegistry(discard())
	require.NoError(t, r.Register(paper.New("hl", domain.StrategyPerpHedge), Config{
		Name: "hl", Strategies: []domain.Strategy{domain.StrategyPerpHedge},
	}))
	_, err := r.For(domain.StrategyPerpHedge)
	assert.ErrorIs(t, err, domain.ErrVenueDisabled)
}

func TestRegistry_RejectsDuplicatesAndUnknownStrategies(t *testing.T) {
	r := NewRegistry(discard())
	cfg := Config{Name: "aave", Enabled: true, Strategies: []domain.Strategy{domain.StrategyLendingLoop}}
	require.NoError(t, r.Register(paper.New("aave", domain.StrategyLendingLoop), cfg))
	assert.ErrorIs(t, r.Register(paper.New("aave", domain.StrategyLendingLoop), cfg), domain.ErrAlreadyExists)

	err := r.Register(paper.New("x", domain.StrategySwap), Config{Name: "x", Strategies: []domain.Strategy{"yolo"}})
	assert.Error(t, err)
}

func TestLimited_WaitsOnLimiter(t *testing.T) {
	r := NewRegistry(discard())
	require.NoError(t, r.Register(paper.New("slow", domain.StrategySwap), Config{
		Name: "slow", Enabled: true, Strategies: []domain.Strategy{domain.StrategySwap},
		RatePerSec: 0.001, Burst: 1,
	}))
	v, err := r.Get("slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = v.CheckHealth(ctx)
	require.NoError(t, err)

	_, err = v.CheckHealth(ctx)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}
